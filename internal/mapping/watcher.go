package mapping

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watcher reloads a mapping file into a Holder when it changes on disk.
type Watcher struct {
	path    string
	holder  *Holder
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// OnReload is called after every reload attempt; err is nil on success.
	OnReload func(err error)
}

// NewWatcher creates a watcher for path. Start must be called to begin watching.
func NewWatcher(path string, holder *Holder) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:    filepath.Clean(path),
		holder:  holder,
		watcher: w,
		done:    make(chan struct{}),
	}, nil
}

// Start watches the file's directory, so editors that replace the file by rename are seen.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("mapping watcher already running")
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Mapping] Watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	m, err := Load(w.path)
	if err == nil {
		err = w.holder.Reconfigure(m)
	}
	if err != nil {
		log.Printf("[Mapping] Reload of %s rejected, keeping previous mapping: %v", w.path, err)
	} else {
		log.Printf("[Mapping] Reloaded %s (%d fields enabled)", w.path, len(m.EnabledFields()))
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
