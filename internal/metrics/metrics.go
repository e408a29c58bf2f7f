package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/vision-pipeline/internal/pipeline"
)

const namespace = "vision_pipeline"

// Metrics holds the pipeline's Prometheus collectors on a private registry.
// It implements pipeline.Observer.
type Metrics struct {
	registry *prometheus.Registry

	processed   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	acquireWait *prometheus.HistogramVec
	latency     *prometheus.HistogramVec
}

var _ pipeline.Observer = (*Metrics)(nil)

// New creates the collectors and registers them.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_frames_processed_total",
			Help:      "Frames a stage processed successfully",
		}, []string{"stage"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "PROCESS failures per stage",
		}, []string{"stage"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_frames_skipped_total",
			Help:      "Frames routed without processing because an earlier stage failed",
		}, []string{"stage"}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_acquire_wait_seconds",
			Help:      "Time a stage waited on its gate for a slot",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"stage"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_process_seconds",
			Help:      "Duration of a stage's PROCESS step",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.processed, m.failed, m.skipped, m.acquireWait, m.latency)
	return m
}

func (m *Metrics) AcquireWaited(stage string, d time.Duration) {
	m.acquireWait.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) StageProcessed(stage string, d time.Duration) {
	m.processed.WithLabelValues(stage).Inc()
	m.latency.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) StageFailed(stage string) {
	m.failed.WithLabelValues(stage).Inc()
}

func (m *Metrics) StageSkipped(stage string) {
	m.skipped.WithLabelValues(stage).Inc()
}

// WatchPools exposes the counting state of every pool and gate. Values are
// read at scrape time.
func (m *Metrics) WatchPools(pools []*pipeline.Pool) {
	for _, p := range pools {
		p := p
		labels := prometheus.Labels{"pool": p.Name()}
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_available_slots",
			Help:        "Slots free for a producer to claim",
			ConstLabels: labels,
		}, func() float64 { return float64(p.Snapshot().Available) }))
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_in_flight_slots",
			Help:        "Slots currently held by a stage",
			ConstLabels: labels,
		}, func() float64 { return float64(p.Snapshot().InFlight) }))
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_max_concurrent_holders",
			Help:        "Highest number of stages ever holding one slot at once",
			ConstLabels: labels,
		}, func() float64 { return float64(p.MaxHolders()) }))

		for _, g := range p.Gates() {
			g := g
			m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "gate_ready_slots",
				Help:        "Slots published on a gate and not yet claimed",
				ConstLabels: prometheus.Labels{"pool": p.Name(), "gate": g.Name()},
			}, func() float64 {
				_, ready := g.Counts()
				return float64(ready)
			}))
		}
	}
}

// WatchFunc registers a gauge read from fn at scrape time.
func (m *Metrics) WatchFunc(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
