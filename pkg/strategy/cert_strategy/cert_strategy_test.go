package cert_strategy

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domainscope/domainscope/pkg/resource"
)

type testCert struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newCert(t *testing.T, cn string, serial int64, notAfter time.Time, parent *testCert, isCA bool) *testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	if !isCA {
		tmpl.DNSNames = []string{"example.com", "www.example.com"}
		tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	}
	parentCert, parentKey := tmpl, key
	if parent != nil {
		parentCert, parentKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, &key.PublicKey, parentKey)
	require.NoError(t, err)
	c, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCert{cert: c, key: key}
}

func serveTLS(t *testing.T, cert tls.Certificate) string {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = c.(*tls.Conn).Handshake()
			}()
		}
	}()
	return portOf(ln.Addr())
}

func portOf(a net.Addr) string {
	return strconv.Itoa(a.(*net.TCPAddr).Port)
}

func TestFetcher_chain(t *testing.T) {
	now := time.Now()
	root := newCert(t, "Test Root", 1, now.Add(10*365*24*time.Hour), nil, true)
	inter := newCert(t, "Test Intermediate", 2, now.Add(30*24*time.Hour), root, true)
	leaf := newCert(t, "example.com", 3, now.Add(90*24*time.Hour), inter, false)

	// Served out of order on purpose.
	port := serveTLS(t, tls.Certificate{
		Certificate: [][]byte{leaf.cert.Raw, root.cert.Raw, inter.cert.Raw},
		PrivateKey:  leaf.key,
	})

	f := NewFetcher(Opts{Port: port, AllowPrivate: true, Timeout: 5 * time.Second})
	o := f.Fetch(context.Background(), "127.0.0.1")
	s, ok := o.(resource.Success)
	require.True(t, ok, "%#v", o)
	chain := s.Payload.(Chain)

	require.Len(t, chain.Chain, 3)
	assert.Equal(t, "CN=example.com", chain.Chain[0].Subject)
	assert.Equal(t, "CN=Test Intermediate", chain.Chain[1].Subject)
	assert.Equal(t, "CN=Test Root", chain.Chain[2].Subject)
	assert.Equal(t, chain.Chain[0].Issuer, chain.Chain[1].Subject)
	assert.Equal(t, []string{"example.com", "www.example.com", "127.0.0.1"}, chain.Chain[0].SANs)
	assert.Equal(t, "3", chain.Chain[0].SerialNumber)
	assert.Len(t, chain.Chain[0].FingerprintSHA256, 64)
	assert.True(t, chain.EarliestValidTo.Equal(inter.cert.NotAfter), "earliest is the intermediate")
	for _, c := range chain.Chain {
		assert.False(t, c.ValidTo.Before(chain.EarliestValidTo))
	}
}

func TestOrderChain_dropsUnlinked(t *testing.T) {
	now := time.Now()
	root := newCert(t, "Root", 1, now.Add(time.Hour), nil, true)
	other := newCert(t, "Other", 2, now.Add(time.Hour), nil, true)
	leaf := newCert(t, "leaf", 3, now.Add(time.Hour), root, false)
	chain := OrderChain([]*x509.Certificate{leaf.cert, other.cert, root.cert})
	require.Len(t, chain, 2)
	assert.Same(t, root.cert, chain[1])
	assert.Nil(t, OrderChain(nil))
}

func TestFetcher_handshakeFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			fmt.Fprint(c, "HTTP/1.1 400 Bad Request\r\n\r\n")
			c.Close()
		}
	}()

	o := NewFetcher(Opts{Port: portOf(ln.Addr()), AllowPrivate: true}).Fetch(context.Background(), "127.0.0.1")
	p, ok := o.(resource.PermanentFailure)
	require.True(t, ok, "%#v", o)
	assert.Equal(t, resource.ReasonTLSHandshake, p.Reason)
	assert.False(t, p.Absent)
}

func TestFetcher_connectionDroppedDuringHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	o := NewFetcher(Opts{Port: portOf(ln.Addr()), AllowPrivate: true}).Fetch(context.Background(), "127.0.0.1")
	r, ok := o.(resource.RetryableFailure)
	require.True(t, ok, "%#v", o)
	assert.Equal(t, resource.ReasonNetwork, r.Reason)
}

func TestClassifyHandshakeError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"eof", io.EOF, true},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"timeout", context.DeadlineExceeded, true},
		{"bad record", errors.New("tls: first record does not look like a TLS handshake"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := classifyHandshakeError(tt.err)
			if tt.retryable {
				assert.IsType(t, resource.RetryableFailure{}, o)
			} else {
				assert.IsType(t, resource.PermanentFailure{}, o)
			}
		})
	}
}

func TestFetcher_connectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := portOf(ln.Addr())
	ln.Close()

	o := NewFetcher(Opts{Port: port, AllowPrivate: true}).Fetch(context.Background(), "127.0.0.1")
	r, ok := o.(resource.RetryableFailure)
	require.True(t, ok, "%#v", o)
	assert.Equal(t, resource.ReasonNetwork, r.Reason)
}

func TestFetcher_blockedAddress(t *testing.T) {
	o := NewFetcher(Opts{}).Fetch(context.Background(), "127.0.0.1")
	p, ok := o.(resource.PermanentFailure)
	require.True(t, ok, "%#v", o)
	assert.Equal(t, resource.ReasonDNSResolution, p.Reason)
}

func TestClassifyDialError(t *testing.T) {
	o := classifyDialError(&net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "nx.example", IsNotFound: true}})
	assert.IsType(t, resource.PermanentFailure{}, o)
	assert.Equal(t, resource.ReasonDNSResolution, o.(resource.PermanentFailure).Reason)

	o = classifyDialError(&net.DNSError{Err: "i/o timeout", IsTimeout: true})
	assert.IsType(t, resource.RetryableFailure{}, o)
}
