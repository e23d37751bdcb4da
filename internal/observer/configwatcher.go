package observer

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigChangeCallback is called after the watched config file changed
type ConfigChangeCallback func(path string)

// ConfigWatcher reloads settings when the config file is edited. It watches
// the file's directory because editors usually save by renaming a temp file
// over the original, which drops a watch on the file itself.
type ConfigWatcher struct {
	watcher  *fsnotify.Watcher
	callback ConfigChangeCallback
	debounce time.Duration
	path     string

	timer *time.Timer
	mu    sync.Mutex

	cancel context.CancelFunc
}

// NewConfigWatcher creates a watcher for the config file at path
func NewConfigWatcher(path string, callback ConfigChangeCallback) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	return &ConfigWatcher{
		watcher:  watcher,
		callback: callback,
		debounce: 500 * time.Millisecond, // Editors write in several steps
		path:     abs,
	}, nil
}

// Path returns the watched file
func (cw *ConfigWatcher) Path() string {
	return cw.path
}

// Run watches until ctx is done or the watcher is stopped
func (cw *ConfigWatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	cw.mu.Lock()
	cw.cancel = cancel
	cw.mu.Unlock()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return nil
			}
			cw.handleEvent(event)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[config] watch error: %v", err)
		}
	}
}

// Stop stops watching for file changes
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	if cw.cancel != nil {
		cw.cancel()
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()
	cw.watcher.Close()
}

func (cw *ConfigWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != cw.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	// Reset or start debounce timer
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.flush)
}

func (cw *ConfigWatcher) flush() {
	if cw.callback == nil {
		return
	}
	log.Printf("[config] %s changed, reloading", cw.path)
	cw.callback(cw.path)
}

// SetDebounce sets the debounce duration for batching file changes
func (cw *ConfigWatcher) SetDebounce(d time.Duration) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.debounce = d
}
