package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pulsarf/waterfall/desync"
	"github.com/pulsarf/waterfall/log"
)

const reloadDebounce = 200 * time.Millisecond

// ReloadFunc receives every accepted configuration together with the
// engine built from it.
type ReloadFunc func(old, new *Config, engine *desync.Engine)

// Watcher reloads the config file on change. A reload that fails to
// parse, validate or verify is logged and the running snapshot stays.
type Watcher struct {
	path      string
	base      func() Config
	current   atomic.Pointer[Config]
	onReload  ReloadFunc
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
	reloading atomic.Bool
}

// NewWatcher watches the directory of cfg.ConfigPath so editors that
// replace the file by rename are seen too. base supplies the defaults a
// reloaded file is decoded over.
func NewWatcher(cfg *Config, base func() Config, onReload ReloadFunc) (*Watcher, error) {
	if cfg.ConfigPath == "" {
		return nil, fmt.Errorf("config path is not defined")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(cfg.ConfigPath)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:     filepath.Clean(cfg.ConfigPath),
		base:     base,
		onReload: onReload,
		watcher:  fw,
		stopCh:   make(chan struct{}),
	}
	w.current.Store(cfg)
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Reload reads the file now.
func (w *Watcher) Reload() error {
	if !w.reloading.CompareAndSwap(false, true) {
		return fmt.Errorf("reload already in progress")
	}
	defer w.reloading.Store(false)

	next := w.base()
	if err := next.LoadFromFile(w.path); err != nil {
		return err
	}
	old := w.Current()
	if err := validateTransition(old, &next); err != nil {
		return err
	}
	engine, err := next.Engine()
	if err != nil {
		return err
	}
	w.current.Store(&next)
	if w.onReload != nil {
		w.onReload(old, &next, engine)
	}
	return nil
}

// validateTransition rejects changes that need a restart.
func validateTransition(old, new *Config) error {
	if old.Socks5.BindAddress != new.Socks5.BindAddress || old.Socks5.Port != new.Socks5.Port {
		return fmt.Errorf("socks5 listen address change requires restart")
	}
	if old.System.WebServer.Port != new.System.WebServer.Port {
		return fmt.Errorf("web port change requires restart")
	}
	return nil
}

func (w *Watcher) watchLoop() {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
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
			if err := w.Reload(); err != nil {
				log.Errorf("Config reload failed, keeping current config: %v", err)
				continue
			}
			log.Infof("Config reloaded from %s", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("Config watcher error: %v", err)
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	return err
}
