package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/beacon/pkg/debounce"
	"github.com/rs/zerolog/log"
)

// ReloadCallback receives every successfully loaded and validated config.
type ReloadCallback func(cfg *Config)

// Watcher reloads the config file whenever it changes on disk
type Watcher struct {
	watcher  *fsnotify.Watcher
	loader   *Loader
	path     string
	onReload ReloadCallback
	reload   *debounce.Debouncer
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher for the loader's config file. Bursts of
// writes within stability are coalesced into one reload.
func NewWatcher(loader *Loader, stability time.Duration, onReload ReloadCallback) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}
	path := loader.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("config path is unknown")
	}
	if stability <= 0 {
		stability = 100 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		watcher:  fw,
		loader:   loader,
		path:     filepath.Clean(path),
		onReload: onReload,
		done:     make(chan struct{}),
	}
	w.reload = debounce.New(stability, w.reloadNow)
	return w, nil
}

// Start watches the config file's directory. Editors often replace the file
// rather than write it in place, so the directory is watched instead.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.wg.Add(1)
	go w.eventLoop()

	log.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.reload.Stop()
		err = w.watcher.Close()
		w.wg.Wait()
		log.Info().Msg("Config watcher stopped")
	})
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload.Trigger()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reloadNow() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := w.loader.Load()
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Ignoring unreadable config change")
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Ignoring invalid config change")
		return
	}

	log.Info().Str("path", w.path).Msg("Config reloaded")
	w.onReload(cfg)
}
