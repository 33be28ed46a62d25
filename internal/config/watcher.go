package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tavern/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher monitors the config file and invokes a callback after changes
// settle. The callback typically reloads the config and reinitializes the
// backend registry; reinitialization is atomic on that side, so a reload
// that fails to parse simply leaves the previous registry running.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func()

	mu       sync.Mutex
	lastSeen time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Watch starts watching the config file's directory. Watching the directory
// rather than the file survives editors that replace the file on save.
func Watch(path string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		path:     abs,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go w.loop()

	logging.Config("watching %s for changes", abs)
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !pending {
				pending = true
			} else if !debounce.Stop() {
				<-debounce.C
			}
			debounce.Reset(defaultDebounce)

		case <-debounce.C:
			if pending {
				pending = false
				logging.Config("config change detected, reloading")
				w.onChange()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Warn("watch error: %v", err)

		case <-w.stopCh:
			return
		}
	}
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
}
