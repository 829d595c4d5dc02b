package models

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatcherStats tracks watcher activity.
type WatcherStats struct {
	Events      int
	Rescans     int
	Errors      int
	LastEvent   string
	LastEventAt time.Time
}

// Watcher rescans a Registry when artifacts appear in or vanish from its
// roots. Changes are debounced so a finished download triggers one rescan.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	registry    *Registry
	log         zerolog.Logger
	debounceDur time.Duration
	pending     bool
	lastEvent   time.Time
	watched     map[string]bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	closed      bool
	stats       WatcherStats
}

// NewWatcher creates a watcher for registry's roots.
func NewWatcher(registry *Registry, log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fw,
		registry:    registry,
		log:         log.With().Str("component", "model-watcher").Logger(),
		debounceDur: 500 * time.Millisecond,
		watched:     map[string]bool{},
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// ErrWatcherClosed is returned by Start once the watcher has been stopped.
var ErrWatcherClosed = errors.New("model watcher is closed")

// Start begins watching. It is non-blocking. A Watcher is single-use:
// after Stop, Start returns ErrWatcherClosed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.Sync()
	go w.run(ctx)
	return nil
}

// Sync adds any registry roots not yet watched, e.g. after AugmentRoots.
// Roots that do not exist are retried on the next call.
func (w *Watcher) Sync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, root := range w.registry.Roots() {
		if w.watched[root] {
			continue
		}
		if _, err := os.Stat(root); err != nil {
			continue
		}
		if err := w.watcher.Add(root); err != nil {
			w.log.Warn().Err(err).Str("root", root).Msg("cannot watch root")
			continue
		}
		w.watched[root] = true
		w.log.Debug().Str("root", root).Msg("watching root")
	}
}

// Stop stops the watcher, waits for the loop to exit and releases the
// underlying fsnotify watcher. Further calls are no-ops.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}

	if err := w.watcher.Close(); err != nil {
		w.log.Error().Err(err).Msg("closing watcher")
	}
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("watch error")
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.EqualFold(filepath.Ext(event.Name), w.registry.ext) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	w.pending = true
	w.lastEvent = time.Now()
	w.stats.Events++
	w.stats.LastEvent = event.Name
	w.stats.LastEventAt = w.lastEvent
	w.mu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	due := w.pending && time.Since(w.lastEvent) >= w.debounceDur
	if due {
		w.pending = false
		w.stats.Rescans++
	}
	w.mu.Unlock()
	if !due {
		return
	}

	found, err := w.registry.Discover(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("rescan failed")
		return
	}
	w.log.Info().Int("models", len(found)).Msg("model roots changed")
}
