package transfer

import (
	"sync"
	"time"
)

// progressInterval caps how often progress callbacks fire per task.
// Terminal state changes always go through.
const progressInterval = 30 * time.Millisecond

// Progress is a snapshot of one task's state, delivered to the progress
// callback.
type Progress struct {
	TaskID     string
	Kind       string
	Status     string
	LocalPath  string
	RemotePath string
	TotalBytes int64
	DoneBytes  int64

	// TotalFiles is set on the snapshot a folder upload emits once its
	// tree walk finishes, before any bytes move. Zero elsewhere.
	TotalFiles int
}

// ProgressFunc receives throttled progress snapshots. Callbacks run on
// transfer goroutines and must not block.
type ProgressFunc func(Progress)

// progressEmitter rate-limits progress callbacks for one task.
type progressEmitter struct {
	fn ProgressFunc

	mu   sync.Mutex
	last time.Time
}

func newProgressEmitter(fn ProgressFunc) *progressEmitter {
	return &progressEmitter{fn: fn}
}

// emit delivers p unless a snapshot was delivered within the throttle
// window. force bypasses the throttle for status transitions.
func (e *progressEmitter) emit(p Progress, force bool) {
	if e.fn == nil {
		return
	}
	e.mu.Lock()
	now := time.Now()
	if !force && now.Sub(e.last) < progressInterval {
		e.mu.Unlock()
		return
	}
	e.last = now
	e.mu.Unlock()

	e.fn(p)
}
