package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"studysync/internal/replica"
)

// WatchDebounce is the quiet period after the last file event before the
// store checks for an external commit.
const WatchDebounce = 200 * time.Millisecond

// Watch observes the store's database file (and its journal) for writes made
// by other processes, until ctx is cancelled. Each settled burst of events
// runs CheckExternalChange, which emits a local-origin notification when
// another connection committed.
func (s *SQLiteStore) Watch(ctx context.Context, logger replica.Logger) error {
	if s.path == ":memory:" || s.path == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	base := filepath.Base(s.path)
	logger.Info("store watcher started", "path", s.path)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("store watcher stopped")
			return nil

		case <-timerC:
			timerC = nil
			changed, err := s.CheckExternalChange(ctx)
			if err != nil {
				logger.Warn("checking for external store change", "error", err)
				continue
			}
			if changed {
				logger.Debug("external store change detected")
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(WatchDebounce)
			} else {
				timer.Reset(WatchDebounce)
			}
			timerC = timer.C

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("store watcher error", "error", watchErr)
		}
	}
}
