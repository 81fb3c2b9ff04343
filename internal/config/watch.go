package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch hot-reloads the config when its file changes. The watch is on the
// file's directory, not the file itself: editors replace-on-save, which
// would orphan a file-level watch. onReload runs after a successful swap.
//
// Reload replaces the tree in place via ReplaceFrom under the config's own
// lock, so concurrent readers are never torn; a parse failure keeps the
// previous tree and logs the error.
func Watch(ctx context.Context, cfg *Config, path string, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		// Debounce: editors fire several events per save.
		var pending *time.Timer
		target := filepath.Clean(path)

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					fresh, err := Load(path)
					if err != nil {
						slog.Error("config reload failed, keeping previous", "path", path, "error", err)
						return
					}
					cfg.ReplaceFrom(fresh)
					slog.Info("config reloaded", "path", path)
					if onReload != nil {
						onReload()
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			}
		}
	}()

	return nil
}
