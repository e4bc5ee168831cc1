package scheduler

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDelay = 2 * time.Second

// WatchPolicy loads the policy file into s and reloads it whenever the
// file changes, until ctx is done. A file that fails to parse keeps the
// current policy in place.
func WatchPolicy(ctx context.Context, path string, s *Scheduler, logger *zap.Logger) error {
	return watchPolicy(ctx, path, s, logger, defaultReloadDelay)
}

func watchPolicy(ctx context.Context, path string, s *Scheduler, logger *zap.Logger, reloadDelay time.Duration) error {
	if logger == nil {
		logger = nopLogger
	}
	p, err := LoadPolicy(path)
	if err != nil {
		return err
	}
	if err := s.SetPolicy(p); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		reset := func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDelay)
		}

		needReWatch := false
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
					continue
				}
				// Editors often replace the file, which drops the watch.
				if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
					needReWatch = true
				}
				reset()
			case <-timer.C:
				if needReWatch {
					needReWatch = false
					_ = watcher.Remove(path)
					if err := watcher.Add(path); err != nil {
						logger.Warn("failed to re-watch policy file", zap.String("file", path), zap.Error(err))
					}
				}
				p, err := LoadPolicy(path)
				if err != nil {
					logger.Error("failed to reload decay policy", zap.String("file", path), zap.Error(err))
					continue
				}
				if err := s.SetPolicy(p); err != nil {
					logger.Error("invalid decay policy", zap.String("file", path), zap.Error(err))
					continue
				}
				logger.Info("decay policy reloaded", zap.String("file", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("policy watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
