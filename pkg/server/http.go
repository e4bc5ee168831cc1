/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package server

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"go.uber.org/zap"
)

const (
	defaultIdleTimeout = 60 * time.Second

	// Slowloris protection.
	defaultReadHeaderTimeout = 3 * time.Second
	defaultReadTimeout       = 10 * time.Second

	// Screenshots make responses big, fetches make them slow.
	defaultWriteTimeout = 120 * time.Second

	defaultMaxHeaderBytes = 8 * 1024
)

// ServeHTTP serves the handler on l until the server is closed.
func (s *Server) ServeHTTP(l net.Listener) error {
	if s.opts.Handler == nil {
		l.Close()
		return errMissingHTTPHandler
	}
	return s.serve(s.wrapProxy(l))
}

// ServeHTTPS serves the handler over tls on l. The PROXY header, when
// enabled, is read before the tls handshake.
func (s *Server) ServeHTTPS(l net.Listener) error {
	if s.opts.Handler == nil {
		l.Close()
		return errMissingHTTPHandler
	}
	if s.opts.Cert == "" || s.opts.Key == "" {
		l.Close()
		return errors.New("missing certificate for tls listener")
	}
	w, err := s.watchCert(s.opts.Cert, s.opts.Key)
	if err != nil {
		l.Close()
		return err
	}
	tl := tls.NewListener(s.wrapProxy(l), &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c := w.get()
			if c == nil {
				return nil, errors.New("certificate not available")
			}
			return c, nil
		},
	})
	return s.serve(tl)
}

func (s *Server) wrapProxy(l net.Listener) net.Listener {
	if !s.opts.ProxyProtocol {
		return l
	}
	return &proxyproto.Listener{
		Listener:          l,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
}

func (s *Server) serve(l net.Listener) error {
	hs := &http.Server{
		Handler:           s.opts.Handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		ErrorLog:          zap.NewStdLog(s.opts.Logger),
	}
	if ok := s.trackCloser(hs, true); !ok {
		l.Close()
		return ErrServerClosed
	}
	defer s.trackCloser(hs, false)

	err := hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}
