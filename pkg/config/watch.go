package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadDelay is how long Watch waits for writes to settle.
const ReloadDelay = 500 * time.Millisecond

// Watcher reloads an inventory file when it changes.
type Watcher struct {
	path    string
	logger  zerolog.Logger
	delay   time.Duration
	watcher *fsnotify.Watcher
	reload  func(*Inventory)
}

// Watch starts watching path and calls reload with every inventory that
// loads and validates after a change. Invalid edits are logged and the
// previous inventory stays in effect. Watching stops when ctx is done.
//
// The parent directory is watched so that editors which replace the
// file by rename are noticed.
func Watch(ctx context.Context, path string, logger zerolog.Logger, reload func(*Inventory)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inventory path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		logger:  logger.With().Str("component", "inventory-watcher").Logger(),
		delay:   ReloadDelay,
		watcher: fw,
		reload:  reload,
	}
	go w.processEvents(ctx)

	w.logger.Info().Str("path", abs).Msg("Watching inventory")
	return w, nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Inventory changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.delay, func() {
				if ctx.Err() != nil {
					return
				}
				w.load()
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) load() {
	inv, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload inventory, keeping the previous one")
		return
	}
	w.logger.Info().Int("nodes", len(inv.Nodes)).Msg("Inventory reloaded")
	w.reload(inv)
}
