package jwks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads a file-backed Cache whenever the key file changes, until ctx
// is done. The parent directory is watched so that editors and secret
// managers that replace the file by rename are picked up. A write that does
// not parse leaves the previous keys in place.
func (c *Cache) Watch(ctx context.Context) error {
	if c.path == "" {
		return errors.New("jwks: watch requires a file-backed cache")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("jwks: create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	target := filepath.Clean(c.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("jwks: watch %s: %w", target, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Errors are logged by reload and the old set stays published.
			_ = c.Refresh(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.log.WarnContext(ctx, "jwks.watch.error", slog.String("err", err.Error()))
		}
	}
}
