package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	watchDebounce = 200 * time.Millisecond
	pollInterval  = 5 * time.Second
)

// Watcher reloads the config file (and its sibling .env) when either
// changes and hands the new config to the callback.
type Watcher struct {
	path     string
	envPath  string
	getenv   func(string) string
	onChange func(*AgentConfig)

	mu       sync.Mutex
	current  *AgentConfig
	lastMod  time.Time
	debounce time.Duration
}

// NewWatcher returns a Watcher seeded with the config already in use.
func NewWatcher(path string, current *AgentConfig, getenv func(string) string, onChange func(*AgentConfig)) *Watcher {
	if path == "" {
		path = DefaultPath
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	return &Watcher{
		path:     path,
		envPath:  filepath.Join(filepath.Dir(path), ".env"),
		getenv:   getenv,
		onChange: onChange,
		current:  current,
		lastMod:  latestModTime(path, filepath.Join(filepath.Dir(path), ".env")),
		debounce: watchDebounce,
	}
}

// Run watches until ctx is cancelled. It falls back to polling when the
// directory cannot be watched.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fw.Add(filepath.Dir(w.path))
		if err != nil {
			fw.Close()
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Falling back to polling for config changes")
		return w.poll(ctx)
	}
	defer fw.Close()

	log.Info().Str("path", w.path).Msg("Watching agent config for changes")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Name != w.path && event.Name != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mod := latestModTime(w.path, w.envPath)
			w.mu.Lock()
			changed := mod.After(w.lastMod)
			if changed {
				w.lastMod = mod
			}
			w.mu.Unlock()
			if changed {
				w.Reload()
			}
		}
	}
}

// Reload re-reads the config and invokes the callback when it differs from
// the one in use. Invalid files are logged and ignored.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path, w.getenv)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("Ignoring invalid config change")
		return
	}

	w.mu.Lock()
	if reflect.DeepEqual(cfg, w.current) {
		w.mu.Unlock()
		return
	}
	identityChanged := w.current == nil || w.current.Identity != cfg.Identity
	w.current = cfg
	w.mu.Unlock()

	log.Info().
		Bool("identity_changed", identityChanged).
		Bool("paired", cfg.Identity.Complete()).
		Msg("Agent config changed")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

func latestModTime(paths ...string) time.Time {
	var latest time.Time
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}
