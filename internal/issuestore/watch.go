package issuestore

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowforge/orchestrator/internal/merge"
)

// debounce coalesces bursts of filesystem events (an editor's
// write-then-rename, or git checking out several files in one operation)
// into a single reload.
const debounce = 100 * time.Millisecond

// Watch watches the store's backing file for external writes and
// reloads on change, invoking onReload with the freshly loaded issues
// after each reload. It blocks until ctx is cancelled or the watcher
// fails to start.
func (s *Store) Watch(ctx context.Context, onReload func([]merge.Entity)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("issuestore: watch error", "error", err)

		case <-fire:
			timer = nil
			if err := s.Reload(); err != nil {
				s.logger.Warn("issuestore: reload failed", "error", err)
				continue
			}
			if onReload != nil {
				onReload(s.All())
			}
		}
	}
}
