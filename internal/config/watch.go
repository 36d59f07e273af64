package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/banshee-data/obstacle-fusion/internal/monitoring"
)

// Watcher reloads a FusionConfig file whenever it changes on disk and
// hands the validated result to OnChange. Invalid edits are logged and
// ignored so a typo never takes the running pipeline down.
//
// Editors and deploy tools often emit several events for one save, so a
// reload only runs once the file has been quiet for the debounce window.
//
// Only tuning values are expected to be applied at runtime; calibration is
// read once at startup and callers should ignore calibration changes.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*FusionConfig)
	debounce time.Duration
}

// DefaultReloadDebounce is how long the file must stay unchanged before a
// reload runs.
const DefaultReloadDebounce = 250 * time.Millisecond

// NewWatcher starts watching path. The parent directory is watched rather
// than the file itself so that editors which replace the file by rename are
// still picked up.
func NewWatcher(path string, onChange func(*FusionConfig)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config watcher requires an OnChange callback")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch config directory %q: %w", filepath.Dir(abs), err)
	}

	return &Watcher{path: abs, watcher: w, onChange: onChange, debounce: DefaultReloadDebounce}, nil
}

// Run processes file system events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounce)
			pending = timer.C

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			monitoring.Logf("[config] watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFusionConfig(w.path)
	if err != nil {
		monitoring.Logf("[config] ignoring invalid edit to %s: %v", w.path, err)
		return
	}
	monitoring.Logf("[config] reloaded %s", w.path)
	w.onChange(cfg)
}
