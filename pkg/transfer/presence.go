package transfer

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/marmos91/chatvault/pkg/catalog"
	"github.com/marmos91/chatvault/pkg/checkpoint"
)

// WatchTarget identifies one completed transfer whose endpoint is kept
// under observation: the produced local file for a download, the
// destination catalogue folder for an upload.
type WatchTarget struct {
	Kind      string
	LocalPath string
	FolderID  int64
}

// PresenceEvent reports that a watched endpoint appeared or vanished
// since the previous sweep.
type PresenceEvent struct {
	Target  WatchTarget
	Present bool
}

// PresenceWatcher sweeps completed-transfer endpoints on a fixed period
// and fires a callback only when an observation differs from the cached
// previous one. The first sweep of a target seeds the cache silently.
type PresenceWatcher struct {
	cat      *catalog.Store
	fn       func(PresenceEvent)
	interval time.Duration

	mu      sync.Mutex
	targets map[WatchTarget]*bool
	started bool

	stop chan struct{}
	done chan struct{}
}

// NewPresenceWatcher creates a watcher sweeping at the standard poll
// period. Call Start to begin sweeping and Close to stop.
func NewPresenceWatcher(cat *catalog.Store, fn func(PresenceEvent)) *PresenceWatcher {
	return &PresenceWatcher{
		cat:      cat,
		fn:       fn,
		interval: watchInterval,
		targets:  make(map[WatchTarget]*bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Watch adds a target. Re-adding an existing target resets its cached
// observation.
func (w *PresenceWatcher) Watch(t WatchTarget) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.targets[t] = nil
}

// Unwatch removes a target.
func (w *PresenceWatcher) Unwatch(t WatchTarget) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.targets, t)
}

// Start launches the sweep loop. Calling Start twice is a no-op.
func (w *PresenceWatcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.sweep()
			}
		}
	}()
}

// Close stops the sweep loop and waits for it to exit. Safe to call on
// a watcher that was never started.
func (w *PresenceWatcher) Close() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	close(w.stop)
	if started {
		<-w.done
	}
}

func (w *PresenceWatcher) sweep() {
	w.mu.Lock()
	snapshot := make([]WatchTarget, 0, len(w.targets))
	for t := range w.targets {
		snapshot = append(snapshot, t)
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()

	for _, t := range snapshot {
		present := w.observe(ctx, t)

		w.mu.Lock()
		last, ok := w.targets[t]
		if !ok {
			// Unwatched mid-sweep.
			w.mu.Unlock()
			continue
		}
		changed := last != nil && *last != present
		w.targets[t] = &present
		w.mu.Unlock()

		if changed && w.fn != nil {
			w.fn(PresenceEvent{Target: t, Present: present})
		}
	}
}

func (w *PresenceWatcher) observe(ctx context.Context, t WatchTarget) bool {
	if t.Kind == checkpoint.KindDownload {
		_, err := os.Stat(t.LocalPath)
		return err == nil
	}
	_, err := w.cat.GetFolder(ctx, t.FolderID)
	return err == nil
}
