package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/decred/slog"
	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 150 * time.Millisecond

// Watch reloads the file at path whenever it changes on disk and passes
// every valid result to onChange. Invalid edits are logged and ignored.
// The directory is watched rather than the file, since editors and Save
// replace the file instead of writing it in place.
func Watch(ctx context.Context, path string, log slog.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	target := filepath.Clean(path)
	reload := func() {
		cfg, err := Load(target)
		if err != nil {
			log.Warnf("Ignoring config change: %v", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			log.Warnf("Ignoring invalid config change: %v", err)
			return
		}
		log.Debugf("Config reloaded from %s", target)
		onChange(cfg)
	}

	go func() {
		defer w.Close()
		var debounce *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(watchDebounce)
				} else {
					debounce.Reset(watchDebounce)
				}
				fire = debounce.C
			case <-fire:
				fire = nil
				reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("Config watcher error: %v", err)
			}
		}
	}()
	return nil
}
