// Package watch reloads the configuration when its layer files change.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"person_location/internal/config"
	"person_location/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

// ApplyFunc receives every successfully loaded configuration.
type ApplyFunc func(ctx context.Context, cfg config.Config)

// Watcher monitors the data and options layers and re-applies the
// configuration after each burst of writes.
type Watcher struct {
	paths    config.Paths
	apply    ApplyFunc
	load     func(config.Paths) (config.Config, error)
	debounce time.Duration

	mu      sync.Mutex
	reloads int
}

func New(paths config.Paths, apply ApplyFunc) *Watcher {
	return &Watcher{paths: paths, apply: apply, load: config.Load, debounce: defaultDebounce}
}

// Reloads counts applied reloads.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Reload loads and applies the configuration once. A config that fails to
// load is logged and the running one stays in place.
func (w *Watcher) Reload(ctx context.Context) error {
	cfg, err := w.load(w.paths)
	if err != nil {
		logging.Warn().Err(err).Msg("config reload failed, keeping current config")
		return err
	}
	w.apply(ctx, cfg)
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	logging.Info().Msg("config reloaded")
	return nil
}

// Serve watches until ctx is done. It watches the parent directories so
// editors that replace files by rename are seen.
func (w *Watcher) Serve(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	files := map[string]bool{}
	dirs := map[string]bool{}
	for _, p := range []string{w.paths.Data, w.paths.Options} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			abs, _ := filepath.Abs(evt.Name)
			if !files[abs] || evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.Debug().Str("file", evt.Name).Str("op", evt.Op.String()).Msg("config file changed")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			_ = w.Reload(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *Watcher) String() string { return "config-watcher" }
