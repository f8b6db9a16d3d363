package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// reloadDebounce coalesces the burst of write events editors produce.
const reloadDebounce = 100 * time.Millisecond

// Watcher hot-reloads the config file and hands each successfully parsed
// and validated configuration to the onReload callback. Parse failures keep
// the previous configuration.
type Watcher struct {
	path     string
	onReload func(*Config)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher starts watching the config file at path.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	w := &Watcher{
		path:     path,
		onReload: onReload,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.watchFile()

	log.Info().Str("path", path).Msg("Config hot-reload enabled")
	return w, nil
}

func (w *Watcher) watchFile() {
	defer w.wg.Done()

	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Config file changed")

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(reloadDebounce)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(reloadDebounce, func() {
					w.reload()
					debouncing = false
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")

		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Hot-reload failed, keeping previous configuration")
		return
	}
	cfg.Validate()
	log.Info().Str("path", w.path).Int("views", len(cfg.Views)).Msg("Configuration reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
