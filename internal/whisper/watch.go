package whisper

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Invalidator drops a cached model. *transcribe.ModelCache implements it.
type Invalidator interface {
	Invalidate()
}

// WatchModel invalidates cache whenever the model file at path is written,
// created or replaced. It watches the parent directory so atomic renames are
// seen. WatchModel blocks until ctx is done.
func WatchModel(ctx context.Context, path string, cache Invalidator, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve model path: %w", err)
	}
	dir := filepath.Dir(abs)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %q: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				log.Info("model file changed, dropping cached model", slog.String("path", abs), slog.String("op", event.Op.String()))
				cache.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
