package faults

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadSettle = 50 * time.Millisecond

// Watch reloads path into t whenever it changes, until ctx is done. The
// parent directory is watched so editors that replace the file by rename are
// still seen. Parse errors are logged and the previous table stays active.
func Watch(ctx context.Context, path string, t *Table, logger zerolog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve fault file: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fault watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	logger.Info().Str("path", abs).Msg("watching fault file")

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				settle = time.After(reloadSettle)
			}
		case <-settle:
			settle = nil
			if err := t.Apply(abs); err != nil {
				logger.Warn().Err(err).Str("path", abs).Msg("fault file reload failed; keeping previous statuses")
				continue
			}
			def, overrides := t.Snapshot()
			logger.Info().Str("default", def).Interface("commands", overrides).Msg("fault file reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("fault watcher error")
		}
	}
}
