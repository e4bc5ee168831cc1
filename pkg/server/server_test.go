package server

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var echoAddr = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, r.RemoteAddr)
})

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l
}

func TestServer_ServeHTTP(t *testing.T) {
	s := NewServer(ServerOpts{Handler: echoAddr})
	l := listen(t)
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeHTTP(l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.HasPrefix(string(b), "127.0.0.1:"))

	s.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("server did not exit")
	}
	assert.True(t, s.Closed())

	// A closed server refuses new listeners.
	assert.ErrorIs(t, s.ServeHTTP(listen(t)), ErrServerClosed)
}

func TestServer_missingHandler(t *testing.T) {
	s := NewServer(ServerOpts{})
	assert.Error(t, s.ServeHTTP(listen(t)))
}

func TestServer_proxyProtocol(t *testing.T) {
	s := NewServer(ServerOpts{Handler: echoAddr, ProxyProtocol: true})
	defer s.Close()
	l := listen(t)
	go s.ServeHTTP(l)

	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = io.WriteString(c, "PROXY TCP4 192.0.2.1 127.0.0.1 5555 80\r\n"+
		"GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "192.0.2.1:5555", string(b))
}

func writeCert(t *testing.T, dir string, serial int64) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile, keyFile = filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}), 0o600))
	return certFile, keyFile
}

func TestServer_ServeHTTPS(t *testing.T) {
	certFile, keyFile := writeCert(t, t.TempDir(), 1)
	s := NewServer(ServerOpts{Handler: echoAddr, Cert: certFile, Key: keyFile})
	defer s.Close()
	l := listen(t)
	go s.ServeHTTPS(l)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	resp, err := client.Get("https://" + l.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotNil(t, resp.TLS)
	assert.Equal(t, int64(1), resp.TLS.PeerCertificates[0].SerialNumber.Int64())
}

func TestServer_ServeHTTPS_missingCert(t *testing.T) {
	s := NewServer(ServerOpts{Handler: echoAddr})
	assert.Error(t, s.ServeHTTPS(listen(t)))

	s = NewServer(ServerOpts{Handler: echoAddr, Cert: "/nonexistent.pem", Key: "/nonexistent.key"})
	assert.Error(t, s.ServeHTTPS(listen(t)))
}

func TestCertWatcher_reload(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCert(t, dir, 1)
	s := NewServer(ServerOpts{Handler: echoAddr})
	defer s.Close()

	w, err := s.watchCert(certFile, keyFile)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(w.get().Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), leaf.SerialNumber.Int64())

	writeCert(t, dir, 2)
	w.reload()
	leaf, err = x509.ParseCertificate(w.get().Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), leaf.SerialNumber.Int64())

	// A broken file keeps the current pair.
	require.NoError(t, os.WriteFile(certFile, []byte("garbage"), 0o600))
	w.reload()
	leaf, err = x509.ParseCertificate(w.get().Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), leaf.SerialNumber.Int64())
}
