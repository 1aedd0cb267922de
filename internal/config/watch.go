package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/leavelink/internal/logging"
)

// Watch calls onChange after any of files is written, created, renamed or
// removed, coalescing bursts within debounce. It blocks until ctx is done.
// Parent directories are watched so that editors replacing a file by rename
// are still noticed.
func Watch(ctx context.Context, files []string, debounce time.Duration, onChange func()) error {
	if len(files) == 0 {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	targets := map[string]struct{}{}
	dirs := map[string]struct{}{}
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return err
		}
		targets[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	log := logging.FromContext(ctx)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if _, watched := targets[abs]; !watched || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			log.Debug().Str("file", abs).Str("op", ev.Op.String()).Msg("configuration source changed")
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("configuration watcher error")
		case <-fire:
			fire = nil
			onChange()
		}
	}
}
