package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPipelines reloads the pipelines file whenever it is written and passes the result to onChange.
// Decode failures are logged and the previous configuration stays in effect. Blocks until ctx is done.
//
// Parameters:
//   - ctx: cancels the watch
//   - path: the pipelines file
//   - onChange: called with every successfully reloaded file
//
// Returns:
//   - error: if the watcher cannot be created
func WatchPipelines(ctx context.Context, path string, onChange func(*Pipelines)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer w.Close()

	// editors replace files on save, so watch the directory
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			p, err := LoadPipelines(path)
			if err != nil {
				logger.Errorf("reload %s: %v", path, err)
				continue
			}
			logger.Noticef("reloaded %s", path)
			onChange(p)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warningf("watch %s: %v", path, err)
		}
	}
}
