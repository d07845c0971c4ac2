package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchKeyFile calls onChange with the new key each time the key file at
// path is written or replaced, until ctx is done. The parent directory is
// watched so the rename done by Save is seen. Unchanged or empty keys are
// not reported. The watch is registered before WatchKeyFile returns.
func WatchKeyFile(ctx context.Context, path string, logger *slog.Logger, onChange func(key string)) error {
	full, err := ExpandHome(path)
	if err != nil {
		return err
	}
	full = filepath.Clean(full)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create key file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(full)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(full), err)
	}

	last, err := readKeyFile(full)
	if err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != full || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				key, err := readKeyFile(full)
				if err != nil {
					logger.Warn("failed to reload api key", "path", full, "error", err)
					continue
				}
				if key == "" || key == last {
					continue
				}
				last = key
				onChange(key)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("api key file watcher error", "path", full, "error", err)
			}
		}
	}()
	return nil
}
