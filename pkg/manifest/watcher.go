package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ironsail-llc/robothor/internal/observability"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Dir      string
	Registry *Registry
	Debounce time.Duration
	Logger   zerolog.Logger
}

// Watcher reloads a manifests directory into a Registry when its files
// change. A reload that fails entirely keeps the previous configs; a
// partial failure applies the agents that loaded.
type Watcher struct {
	dir      string
	registry *Registry
	debounce time.Duration
	logger   zerolog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timer   *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
	stop    sync.Once
}

// NewWatcher creates a watcher. Call Load once before Start.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("manifests directory is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Watcher{
		dir:      cfg.Dir,
		registry: cfg.Registry,
		debounce: cfg.Debounce,
		logger:   cfg.Logger.With().Str("component", "manifest_watcher").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Load reads the directory into the registry. It returns the load error,
// if any, after applying whatever did load.
func (w *Watcher) Load(ctx context.Context) error {
	cfgs, err := LoadDir(w.dir)
	if err != nil && len(cfgs) == 0 {
		w.logger.Error().Err(err).Str("dir", w.dir).Msg("Failed to load manifests, keeping previous set")
		observability.RecordManifestAudit(ctx, w.dir, 0, "failure")
		return err
	}
	status := "success"
	if err != nil {
		status = "partial"
		w.logger.Warn().Err(err).Msg("Some manifests failed to load")
	}
	w.registry.Replace(cfgs)
	w.logger.Info().Int("agents", len(cfgs)).Int("version", w.registry.Version()).Msg("Manifests loaded")
	observability.RecordManifestAudit(ctx, w.dir, len(cfgs), status)
	return err
}

// Start begins watching. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.watcher = fw

	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Info().Str("dir", w.dir).Msg("Manifest watcher started")
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stop.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		if w.watcher != nil {
			err = w.watcher.Close()
		}
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				w.schedule(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || !IsManifest(base) {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

// schedule coalesces bursts of events into one reload.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		_ = w.Load(ctx)
	})
}
