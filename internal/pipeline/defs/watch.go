package defs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the loader after JSON changes under its base directory have
// settled for debounce. It blocks until ctx is done. Reload stays explicit:
// nothing watches unless the caller starts this.
func (l *Loader) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	for _, sub := range []string{"chunks", "pipelines", "configs"} {
		root := filepath.Join(l.base, sub)
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if err := w.Add(path); err != nil {
				l.log.Warn("Cannot watch definitions dir", "path", path, "error", err)
			}
			return nil
		})
	}
	l.log.Info("Watching definitions", "base", l.base, "debounce", debounce.String())

	var timer *time.Timer
	var fire <-chan time.Time
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
			if ev.Op&fsnotify.Create != 0 {
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					_ = w.Add(ev.Name)
				}
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".json") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("Definitions watcher error", "error", err)

		case <-fire:
			fire = nil
			if err := l.Reload(); err == nil {
				l.log.Info("Definitions reloaded", "configs", len(l.ListConfigs()))
			}
		}
	}
}
