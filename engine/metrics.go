package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EventListener is one of the three interfaces the core may depend on
// (the others being PageArray and ReplicationManager; see Design Note
// §9). It decouples instrumentation from any specific exporter.
type EventListener interface {
	CacheHit()
	CacheMiss()
	CacheEvict()
	LockWait(d time.Duration)
	CheckpointDuration(d time.Duration)
	RedoQueueDepth(n int)
	Deadlock()
}

type noopListener struct{}

func (noopListener) CacheHit()                       {}
func (noopListener) CacheMiss()                      {}
func (noopListener) CacheEvict()                     {}
func (noopListener) LockWait(time.Duration)          {}
func (noopListener) CheckpointDuration(time.Duration) {}
func (noopListener) RedoQueueDepth(int)              {}
func (noopListener) Deadlock()                       {}

// PrometheusListener is a ready-made EventListener backed by
// client_golang collectors, grounded on cuemby-warren's
// pkg/metrics usage of prometheus.NewRegistry-style wiring.
type PrometheusListener struct {
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	cacheEvicts  prometheus.Counter
	lockWaits    prometheus.Histogram
	checkpoints  prometheus.Histogram
	redoQueue    prometheus.Gauge
	deadlocks    prometheus.Counter
}

// NewPrometheusListener registers its collectors on reg and returns a
// listener ready to pass via Options.EventListener.
func NewPrometheusListener(reg prometheus.Registerer) *PrometheusListener {
	p := &PrometheusListener{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tupl_cache_hits_total",
			Help: "Node cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tupl_cache_misses_total",
			Help: "Node cache misses.",
		}),
		cacheEvicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tupl_cache_evictions_total",
			Help: "Node cache evictions.",
		}),
		lockWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tupl_lock_wait_seconds",
			Help:    "Time spent waiting on row locks.",
			Buckets: prometheus.DefBuckets,
		}),
		checkpoints: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tupl_checkpoint_seconds",
			Help:    "Checkpoint durations.",
			Buckets: prometheus.DefBuckets,
		}),
		redoQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tupl_redo_queue_depth",
			Help: "Pending redo records awaiting group commit.",
		}),
		deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tupl_deadlocks_total",
			Help: "Deadlocks detected by the lock manager.",
		}),
	}
	reg.MustRegister(p.cacheHits, p.cacheMisses, p.cacheEvicts,
		p.lockWaits, p.checkpoints, p.redoQueue, p.deadlocks)
	return p
}

func (p *PrometheusListener) CacheHit()   { p.cacheHits.Inc() }
func (p *PrometheusListener) CacheMiss()  { p.cacheMisses.Inc() }
func (p *PrometheusListener) CacheEvict() { p.cacheEvicts.Inc() }
func (p *PrometheusListener) LockWait(d time.Duration) {
	p.lockWaits.Observe(d.Seconds())
}
func (p *PrometheusListener) CheckpointDuration(d time.Duration) {
	p.checkpoints.Observe(d.Seconds())
}
func (p *PrometheusListener) RedoQueueDepth(n int) { p.redoQueue.Set(float64(n)) }
func (p *PrometheusListener) Deadlock()            { p.deadlocks.Inc() }
