package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TransferMetrics records transfer engine activity. A nil value is valid
// and records nothing; use the package-level helpers to stay nil-safe.
type TransferMetrics struct {
	tasksTotal       *prometheus.CounterVec
	chunksTotal      *prometheus.CounterVec
	chunkDuration    *prometheus.HistogramVec
	bytesTransferred *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	dedupHitsTotal   prometheus.Counter
	activeTransfers  *prometheus.GaugeVec
}

// NewTransferMetrics creates the transfer metric set, or nil when metrics
// are disabled.
func NewTransferMetrics() *TransferMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}

	return &TransferMetrics{
		tasksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatvault_transfer_tasks_total",
				Help: "Total transfer tasks by kind and final status",
			},
			[]string{"kind", "status"},
		),
		chunksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatvault_transfer_chunks_total",
				Help: "Total chunk operations by kind and status",
			},
			[]string{"kind", "status"},
		),
		chunkDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "chatvault_transfer_chunk_duration_milliseconds",
				Help: "Duration of single chunk transfers in milliseconds",
				Buckets: []float64{
					50,    // 50ms - cached or local backends
					100,   // 100ms
					500,   // 500ms
					1000,  // 1s - typical remote chunk
					5000,  // 5s
					15000, // 15s - slow links
					60000, // 60s - rate limited
				},
			},
			[]string{"kind"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatvault_transfer_bytes_total",
				Help: "Total bytes transferred by direction",
			},
			[]string{"kind"},
		),
		retriesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatvault_transfer_retries_total",
				Help: "Total chunk retries by reason",
			},
			[]string{"reason"},
		),
		dedupHitsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "chatvault_transfer_dedup_hits_total",
				Help: "Uploads completed instantly via content deduplication",
			},
		),
		activeTransfers: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chatvault_transfer_active",
				Help: "Currently running transfer tasks by kind",
			},
			[]string{"kind"},
		),
	}
}

// RecordTask records a finished task with its final status.
func (m *TransferMetrics) RecordTask(kind, status string) {
	if m != nil {
		m.tasksTotal.WithLabelValues(kind, status).Inc()
	}
}

// ObserveChunk records one chunk operation with its outcome and duration.
func (m *TransferMetrics) ObserveChunk(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.chunksTotal.WithLabelValues(kind, status).Inc()
	m.chunkDuration.WithLabelValues(kind).Observe(float64(duration.Milliseconds()))
}

// RecordBytes adds transferred bytes for a direction.
func (m *TransferMetrics) RecordBytes(kind string, bytes int64) {
	if m != nil {
		m.bytesTransferred.WithLabelValues(kind).Add(float64(bytes))
	}
}

// RecordRetry counts one retry with its reason.
func (m *TransferMetrics) RecordRetry(reason string) {
	if m != nil {
		m.retriesTotal.WithLabelValues(reason).Inc()
	}
}

// RecordDedupHit counts one instant upload.
func (m *TransferMetrics) RecordDedupHit() {
	if m != nil {
		m.dedupHitsTotal.Inc()
	}
}

// TransferStarted marks a task as running.
func (m *TransferMetrics) TransferStarted(kind string) {
	if m != nil {
		m.activeTransfers.WithLabelValues(kind).Inc()
	}
}

// TransferFinished marks a running task as done.
func (m *TransferMetrics) TransferFinished(kind string) {
	if m != nil {
		m.activeTransfers.WithLabelValues(kind).Dec()
	}
}
