package policy

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the policy directory and hot-reloads the engine when a
// policy document changes. Reloads are debounced so an editor save (write,
// rename, chmod in quick succession) triggers a single reload.
type Watcher struct {
	engine   *Engine
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup

	debounce     time.Duration
	pendingTimer *time.Timer
	timerMu      sync.Mutex

	// OnReload, when set, is called after every completed reload attempt.
	// The audit logger hooks this to record configuration changes.
	OnReload func(err error)
}

// NewWatcher creates a watcher bound to an engine.
func NewWatcher(engine *Engine) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		engine:   engine,
		watcher:  fsWatcher,
		stopChan: make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}, nil
}

// Start begins watching the engine's policy directory.
func (w *Watcher) Start() error {
	dir := w.engine.loader.Dir()
	if dir == "" {
		log.Warn("No policy directory configured, watcher not started")
		return nil
	}

	if err := w.watcher.Add(dir); err != nil {
		// Directory might not exist yet.
		log.Warn("Cannot watch policy directory (may not exist yet): %v", err)
		return nil
	}

	w.wg.Add(1)
	go w.run()

	log.Info("Watching policy directory: %s", dir)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	close(w.stopChan)
	w.wg.Wait()

	w.timerMu.Lock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.timerMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("Watcher error: %v", err)

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	log.Debug("Policy file changed: %s (%s)", filepath.Base(event.Name), event.Op)
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = time.AfterFunc(w.debounce, w.doReload)
}

func (w *Watcher) doReload() {
	log.Info("Hot reloading tool policies...")
	err := w.engine.ReloadPolicies()
	if err != nil {
		log.Error("Policy reload finished with problems: %v", err)
	}
	if w.OnReload != nil {
		w.OnReload(err)
	}
}
