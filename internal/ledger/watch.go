package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dmitrijs2005/nostreward/internal/logging"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the ledger whenever another process rewrites its file, e.g.
// the operator CLI adding codes while the daemon runs. The directory is
// watched rather than the file because atomic writes replace the inode.
// onReload, when non-nil, runs after every reload that changed state.
func (l *Ledger) Watch(ctx context.Context, logger logging.Logger, onReload func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(l.path)
	var (
		timer    *time.Timer
		fire     <-chan time.Time
		relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&relevant == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "ledger watcher error", "error", err)

		case <-fire:
			fire = nil
			changed, err := l.Reload()
			if err != nil {
				logger.Error(ctx, "ledger reload failed", "error", err)
				continue
			}
			if changed {
				logger.Info(ctx, "ledger reloaded", "stats", l.Stats())
				if onReload != nil {
					onReload()
				}
			}
		}
	}
}
