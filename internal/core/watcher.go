package core

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultReloadDebounce = 500 * time.Millisecond

// Watcher reloads the engine configuration when the config file or the
// configured threat rules file changes on disk. Editors often replace files
// instead of writing them in place, so the parent directories are watched
// and events are filtered by file name.
type Watcher struct {
	engine   *Engine
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	dirs    map[string]bool
	targets map[string]bool
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup

	// reloaded is called after every reload attempt; tests hook it.
	reloaded func(changes []string, err error)
}

// NewWatcher creates a watcher for the engine's config path.
func NewWatcher(e *Engine, logger zerolog.Logger) *Watcher {
	return &Watcher{
		engine:   e,
		logger:   logger.With().Str("component", "config_watcher").Logger(),
		debounce: defaultReloadDebounce,
	}
}

// SetDebounce sets how long the watcher waits for writes to settle.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d > 0 {
		w.debounce = d
	}
}

func (w *Watcher) Name() string { return "config_watcher" }

// Start begins watching. With no config path it does nothing.
func (w *Watcher) Start(ctx context.Context) error {
	if w.engine.ConfigPath == "" {
		w.logger.Info().Msg("no config path, hot reload disabled")
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return NewError(KindConfig, "config.watch", "creating file watcher", err)
	}

	w.mu.Lock()
	w.fsw = fsw
	w.dirs = make(map[string]bool)
	w.targets = make(map[string]bool)
	w.done = make(chan struct{})
	err = w.refreshTargetsLocked()
	w.mu.Unlock()
	if err != nil {
		fsw.Close()
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info().Str("path", w.engine.ConfigPath).Msg("watching configuration for changes")
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.fsw == nil {
		w.mu.Unlock()
		return nil
	}
	close(w.done)
	if w.timer != nil {
		w.timer.Stop()
	}
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()

	err := fsw.Close()
	w.wg.Wait()
	return err
}

// refreshTargetsLocked watches the config file and the current rules file.
func (w *Watcher) refreshTargetsLocked() error {
	paths := []string{w.engine.ConfigPath}
	if rules := w.engine.Config().Threat.RulesFile; rules != "" {
		paths = append(paths, rules)
	}

	targets := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return NewError(KindConfig, "config.watch", "resolving "+p, err)
		}
		targets[abs] = true
		dir := filepath.Dir(abs)
		if w.dirs[dir] {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			return NewError(KindConfig, "config.watch", "watching "+dir, err)
		}
		w.dirs[dir] = true
	}
	w.targets = targets
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	w.mu.Lock()
	events, errs, done := w.fsw.Events, w.fsw.Errors, w.done
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ev.Name)
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("file watcher error")
		}
	}
}

// schedule restarts the debounce timer when name is a watched target.
func (w *Watcher) schedule(name string) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.targets[abs] || w.fsw == nil {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		return
	default:
	}
	w.mu.Unlock()

	changes, err := Reload(w.engine, w.engine.ConfigPath)
	if err == nil {
		w.mu.Lock()
		if w.fsw != nil {
			if rerr := w.refreshTargetsLocked(); rerr != nil {
				w.logger.Error().Err(rerr).Msg("failed to watch updated rules file")
			}
		}
		w.mu.Unlock()
	}
	if w.reloaded != nil {
		w.reloaded(changes, err)
	}
}
