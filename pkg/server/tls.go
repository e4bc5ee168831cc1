/*
 * Copyright (C) 2020-2026, IrineSistiana
 */

package server

import (
	"crypto/tls"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const certReloadDelay = 2 * time.Second

// certWatcher holds a key pair and reloads it when the files change.
type certWatcher struct {
	certFile, keyFile string
	logger            *zap.Logger

	ptr       atomic.Pointer[tls.Certificate]
	watcher   *fsnotify.Watcher
	closeOnce sync.Once
}

func (s *Server) watchCert(certFile, keyFile string) (*certWatcher, error) {
	c, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	w := &certWatcher{certFile: certFile, keyFile: keyFile, logger: s.opts.Logger}
	w.ptr.Store(&c)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.opts.Logger.Warn("failed to create certificate watcher, hot reload disabled", zap.Error(err))
		return w, nil
	}
	w.watcher = watcher
	w.add()

	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		watcher.Close()
		return nil, ErrServerClosed
	}
	s.certWatchers = append(s.certWatchers, w)
	s.m.Unlock()

	go w.loop()
	return w, nil
}

func (w *certWatcher) get() *tls.Certificate {
	return w.ptr.Load()
}

func (w *certWatcher) add() {
	for _, f := range []string{w.certFile, w.keyFile} {
		if err := w.watcher.Add(f); err != nil {
			w.logger.Warn("failed to watch certificate file", zap.String("file", f), zap.Error(err))
		}
	}
}

func (w *certWatcher) close() {
	w.closeOnce.Do(func() {
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *certWatcher) reload() {
	c, err := tls.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		w.logger.Error("failed to reload certificate", zap.String("file", w.certFile), zap.Error(err))
		return
	}
	w.ptr.Store(&c)
	w.logger.Info("certificate reloaded", zap.String("file", w.certFile))
}

func (w *certWatcher) loop() {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	needReWatch := false
	for {
		select {
		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
				continue
			}
			// Editors and cert managers replace the files, which drops the watch.
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				needReWatch = true
			}
			timer.Reset(certReloadDelay)

		case <-timer.C:
			if needReWatch {
				needReWatch = false
				_ = w.watcher.Remove(w.certFile)
				_ = w.watcher.Remove(w.keyFile)
				w.add()
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("certificate watcher error", zap.Error(err))
		}
	}
}
