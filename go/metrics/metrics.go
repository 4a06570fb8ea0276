// Package metrics holds the mutex-protected snapshot of an in-progress
// training run, fans it out to Prometheus, and broadcasts it to any
// connected websocket dashboard clients. The cache shape follows
// go/prom_proxy/cache.go's RWMutex-protected struct-of-getters/setters,
// adapted from that cache's pull-refresh (ticker polling a remote
// Prometheus) to a push model: go/engine calls Record after every
// epoch's reduce-and-step.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EpochSnapshot is one epoch's worth of coordinator output, the shape
// go/coordinator.EpochResult gets recorded as.
type EpochSnapshot struct {
	Epoch            int
	BatchesProcessed int
	MeanLoss         float64
	GradNorm         float64
	LR               float64
	Anomalies        int
	DroppedWorkers   int
	RecordedAt       time.Time
}

// Observer is called with each new snapshot while the cache's lock is
// held, mirroring go/prom_proxy/cache.go's write-then-notify pattern
// (there via separate setter/getter locks; here as a single callback so
// go/engine can drive a live terminal/log line without polling).
type Observer func(EpochSnapshot)

// Cache is the single mutable source of truth for a run's live metrics:
// the most recent EpochSnapshot plus Prometheus series tracking the
// whole run.
type Cache struct {
	mu       sync.RWMutex
	latest   EpochSnapshot
	history  []EpochSnapshot
	maxKept  int
	observers []Observer

	batchesTotal   prometheus.Counter
	anomaliesTotal prometheus.Counter
	droppedTotal   prometheus.Counter
	lossGauge      prometheus.Gauge
	gradNormGauge  prometheus.Gauge
	lrGauge        prometheus.Gauge
	epochDuration  prometheus.Histogram
}

// New builds a Cache registered against reg (pass prometheus.DefaultRegisterer
// for the global registry, or a fresh prometheus.NewRegistry() in tests to
// avoid duplicate-registration panics across test runs). maxKept bounds
// the in-memory epoch history; 0 means unbounded.
func New(reg prometheus.Registerer, maxKept int) *Cache {
	f := promauto.With(reg)
	return &Cache{
		maxKept: maxKept,
		batchesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cllm_batches_processed_total",
			Help: "Total batches processed across all epochs.",
		}),
		anomaliesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cllm_numeric_anomalies_total",
			Help: "Total batches worker spheres skipped after a forward/backward error.",
		}),
		droppedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cllm_dropped_worker_segments_total",
			Help: "Total worker gradient segments dropped during reduction for NaN/Inf.",
		}),
		lossGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "cllm_epoch_mean_loss",
			Help: "Mean loss of the most recently completed epoch.",
		}),
		gradNormGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "cllm_epoch_grad_norm",
			Help: "Global gradient L2 norm after clipping, most recent epoch.",
		}),
		lrGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "cllm_learning_rate",
			Help: "Learning rate that will be used for the next optimizer step.",
		}),
		epochDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "cllm_epoch_duration_seconds",
			Help:    "Wall-clock duration of a completed epoch.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Observe registers a callback invoked (under the cache's write lock,
// so keep it fast) every time Record is called.
func (c *Cache) Observe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Record stores snap as the latest snapshot, appends it to history,
// updates the Prometheus series, and fires every registered observer.
func (c *Cache) Record(snap EpochSnapshot, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = snap
	if c.maxKept <= 0 || len(c.history) < c.maxKept {
		c.history = append(c.history, snap)
	} else {
		copy(c.history, c.history[1:])
		c.history[len(c.history)-1] = snap
	}

	c.batchesTotal.Add(float64(snap.BatchesProcessed))
	c.anomaliesTotal.Add(float64(snap.Anomalies))
	c.droppedTotal.Add(float64(snap.DroppedWorkers))
	c.lossGauge.Set(snap.MeanLoss)
	c.gradNormGauge.Set(snap.GradNorm)
	c.lrGauge.Set(snap.LR)
	c.epochDuration.Observe(duration.Seconds())

	for _, o := range c.observers {
		o(snap)
	}
}

// Latest returns the most recently recorded snapshot and whether one
// has been recorded yet.
func (c *Cache) Latest() (EpochSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest.RecordedAt.IsZero() {
		return EpochSnapshot{}, false
	}
	return c.latest, true
}

// History returns a copy of the retained epoch snapshots, oldest first.
func (c *Cache) History() []EpochSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]EpochSnapshot, len(c.history))
	copy(out, c.history)
	return out
}
