package config

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mux-ai/mux/internal/event"
	"github.com/mux-ai/mux/internal/logging"
)

// watchDebounce coalesces editor write bursts into one reload.
const watchDebounce = 250 * time.Millisecond

// Watcher reloads configuration when a config file changes and publishes
// the result on the event bus.
type Watcher struct {
	directory string
	bus       *event.Bus

	mu      sync.Mutex
	current *Config

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// Watch starts watching the global and project config directories. The
// initial load result is available immediately via Current.
func Watch(directory string, bus *event.Bus) (*Watcher, error) {
	cfg, err := Load(directory)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		directory: directory,
		bus:       bus,
		current:   cfg,
		watcher:   fw,
		done:      make(chan struct{}),
	}

	dirs := []string{GetPaths().Config}
	if directory != "" {
		dirs = append(dirs, directory, filepath.Join(directory, ".mux"))
	}
	for _, dir := range dirs {
		// Missing directories are fine; they may appear later but we
		// only watch what exists at startup.
		fw.Add(dir)
	}

	go w.run()
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.watcher.Close()
}

func (w *Watcher) run() {
	log := logging.ForComponent("config")
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isConfigFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			cfg, err := Load(w.directory)
			if err != nil {
				log.Warn().Err(err).Msg("config reload failed")
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			w.bus.Publish(event.Event{Type: event.ConfigUpdated})
			log.Info().Msg("config reloaded")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func isConfigFile(path string) bool {
	base := filepath.Base(path)
	if base == ".env" {
		return true
	}
	if !strings.HasPrefix(base, "mux.") {
		return false
	}
	switch filepath.Ext(base) {
	case ".json", ".jsonc", ".yaml", ".yml":
		return true
	}
	return false
}
