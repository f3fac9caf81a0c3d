package config

import (
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches pgdog.ini/users.ini for changes and reloads a Facade on
// write/create events, debounced 500ms to coalesce editor-save bursts.
//
// Grounded verbatim on JeelKantaria-db-bouncer/internal/config/config.go's
// Watcher/NewWatcher/run/reload/Stop.
type Watcher struct {
	pgdogPath string
	usersPath string
	facade    *Facade
	fsw       *fsnotify.Watcher
	mu        sync.Mutex
	stopCh    chan struct{}
}

// NewWatcher constructs and starts a Watcher reloading facade whenever
// pgdogPath or usersPath changes on disk.
func NewWatcher(pgdogPath, usersPath string, facade *Facade) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if pgdogPath != "" {
		if err := fsw.Add(pgdogPath); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	if usersPath != "" {
		if err := fsw.Add(usersPath); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w := &Watcher{
		pgdogPath: pgdogPath,
		usersPath: usersPath,
		facade:    facade,
		fsw:       fsw,
		stopCh:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, w.reload)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap, err := Load(w.pgdogPath, w.usersPath)
	if err != nil {
		log.Printf("[config] hot-reload failed, keeping previous snapshot: %v", err)
		return
	}
	w.facade.Reload(snap)
	log.Printf("[config] configuration reloaded from %s / %s", w.pgdogPath, w.usersPath)
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.fsw.Close()
}
