package checkpoint

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// trafficFlushThreshold is how many pending bytes accumulate in memory
// before the counters are written through to the database. Chunk-level
// writes would otherwise hammer the checkpoint file during large
// transfers.
const trafficFlushThreshold = 500 * 1024

// TrafficRecorder coalesces per-chunk byte counts into daily rows.
// Pending counts below the flush threshold are lost on crash, which is an
// accepted trade for statistics.
type TrafficRecorder struct {
	store *Store

	mu      sync.Mutex
	pending map[string]int64 // kind -> bytes
	total   int64
	now     func() time.Time
}

// NewTrafficRecorder creates a recorder writing through to store.
func (s *Store) NewTrafficRecorder() *TrafficRecorder {
	return &TrafficRecorder{
		store:   s,
		pending: map[string]int64{},
		now:     time.Now,
	}
}

// Add accumulates transferred bytes for a direction, flushing to the
// database once the pending total crosses the threshold.
func (r *TrafficRecorder) Add(ctx context.Context, kind string, bytes int64) error {
	r.mu.Lock()
	r.pending[kind] += bytes
	r.total += bytes
	if r.total < trafficFlushThreshold {
		r.mu.Unlock()
		return nil
	}
	batch := r.pending
	r.pending = map[string]int64{}
	r.total = 0
	r.mu.Unlock()

	return r.flush(ctx, batch)
}

// Flush writes any pending counts immediately. Called on engine shutdown.
func (r *TrafficRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = map[string]int64{}
	r.total = 0
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return r.flush(ctx, batch)
}

func (r *TrafficRecorder) flush(ctx context.Context, batch map[string]int64) error {
	day := r.now().Format("2006-01-02")
	return r.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for kind, bytes := range batch {
			if bytes == 0 {
				continue
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "day"}, {Name: "kind"}},
				DoUpdates: clause.Assignments(map[string]any{
					"bytes": gorm.Expr("bytes + ?", bytes),
				}),
			}).Create(&TrafficStat{Day: day, Kind: kind, Bytes: bytes}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// TrafficSince returns the per-day stats on or after day (inclusive,
// "2006-01-02" format; empty means everything).
func (s *Store) TrafficSince(ctx context.Context, day string) ([]TrafficStat, error) {
	q := s.db.WithContext(ctx).Order("day ASC, kind ASC")
	if day != "" {
		q = q.Where("day >= ?", day)
	}
	var stats []TrafficStat
	if err := q.Find(&stats).Error; err != nil {
		return nil, err
	}
	return stats, nil
}
