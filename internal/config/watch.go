package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch re-loads the configuration file whenever it changes and
// delivers each successfully parsed snapshot on the returned channel.
// Parse failures keep the previous snapshot and are logged. The watcher
// stops when ctx is cancelled.
//
// Editors often replace files with rename+create, so the parent
// directory is watched rather than the file itself.
func Watch(ctx context.Context, path string, logger *slog.Logger) (<-chan *Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	updates := make(chan *Config, 1)
	go func() {
		defer watcher.Close()
		defer close(updates)

		// Writes arrive in bursts; reload once the burst settles.
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(200 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "error", err)
			case <-pending:
				pending = nil
				cfg, err := Load(abs)
				if err != nil {
					logger.Warn("config reload failed, keeping previous", "error", err)
					continue
				}
				select {
				case updates <- cfg:
				default:
					// Drop the stale pending snapshot and queue the new one.
					select {
					case <-updates:
					default:
					}
					updates <- cfg
				}
				logger.Info("config reloaded", "path", abs)
			}
		}
	}()

	return updates, nil
}
