package rbac

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the policy whenever its CSV file changes on disk.
// Events are debounced; the watcher stops when ctx is cancelled.
// No-op for in-memory policies.
func (p *CasbinPolicy) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// watch the directory: editors replace files rather than write in place
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(200*time.Millisecond, func() {
					if err := p.Reload(); err != nil {
						slog.Error("rbac policy reload", "path", p.path, "error", err)
						return
					}
					slog.Info("rbac policy reloaded", "path", p.path)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("rbac policy watcher", "error", err)
			}
		}
	}()
	return nil
}
