package config

import (
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/cuemby/relay/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Watcher holds the current Config and reloads it from disk on SIGHUP,
// the equivalent of spec.md §6's "read at startup and on SIGHUP-equivalent".
type Watcher struct {
	path string
	cur  atomic.Pointer[Config]

	logger zerolog.Logger
	sigCh  chan os.Signal
	stopCh chan struct{}
}

// NewWatcher loads path once and returns a Watcher ready to start reloading
// on SIGHUP.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:   path,
		logger: log.WithComponent("config"),
		sigCh:  make(chan os.Signal, 1),
		stopCh: make(chan struct{}),
	}
	w.cur.Store(cfg)
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	return w.cur.Load()
}

// Start begins listening for SIGHUP and reloading the config file on
// receipt. A failed reload is logged and the previous Config is kept.
func (w *Watcher) Start() {
	signal.Notify(w.sigCh, unix.SIGHUP)
	go func() {
		for {
			select {
			case <-w.sigCh:
				w.reload()
			case <-w.stopCh:
				signal.Stop(w.sigCh)
				return
			}
		}
	}()
}

// Stop halts the SIGHUP listener.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous config")
		return
	}
	w.cur.Store(cfg)
	w.logger.Info().Str("path", w.path).Msg("config reloaded")
}
