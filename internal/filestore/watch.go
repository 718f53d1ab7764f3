package filestore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with a fresh snapshot whenever the file's content hash
// changes, until ctx ends. The parent directory is watched because editors
// usually save by replacing the file. Bursts of events within settle collapse
// into one read.
func (c *Controller) Watch(ctx context.Context, path string, settle time.Duration, onChange func(Snapshot)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	last := ""
	if h, err := Fingerprint(abs); err == nil {
		last = h
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.opts.Logger.Plain().WithField("path", abs).WithError(err).Warn("file watcher error")
		case <-fire:
			fire = nil
			snap, err := c.Read(ctx, abs)
			if err != nil {
				c.opts.Logger.Plain().WithField("path", abs).WithError(err).Debug("re-read after change failed")
				continue
			}
			if snap.Hash == last {
				continue
			}
			last = snap.Hash
			onChange(snap)
		}
	}
}
