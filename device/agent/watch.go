package agent

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchContent re-reports status when the content cache changes on
// disk, so out-of-band updates (rsync, USB provisioning) show up on the
// dashboard without waiting for the next health tick. Events are
// debounced: media syncs touch many files at once.
func (a *Agent) watchContent(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.log.Warn().Err(err).Msg("content watcher unavailable")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(a.opts.ContentDir); err != nil {
		a.log.Warn().Err(err).Str("dir", a.opts.ContentDir).Msg("watch content dir")
		return
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(a.watchDebounce, func() {
				a.log.Debug().Str("dir", a.opts.ContentDir).Msg("content changed on disk")
				a.send("device:status", StatusReport{Status: a.currentStatus()})
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.log.Warn().Err(err).Msg("content watcher")
		}
	}
}
