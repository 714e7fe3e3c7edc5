// Package metrics exposes Prometheus instrumentation for the queue and
// commit pipeline. Each Registry owns its own prometheus registry so
// parallel test servers never fight over metric registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the server exports at /metrics. It
// implements queue.Instrumentation.
type Registry struct {
	reg *prometheus.Registry

	queueDepth    *prometheus.GaugeVec
	queueInflight *prometheus.GaugeVec
	queueEnqueued *prometheus.CounterVec
	queueLeased   *prometheus.CounterVec
	queueAcked    *prometheus.CounterVec
	queueNacked   *prometheus.CounterVec
	queueExpired  *prometheus.CounterVec
	queueDead     *prometheus.CounterVec

	pendingDepth prometheus.Gauge

	commitTickDuration prometheus.Histogram
	patchesApplied     prometheus.Counter
	patchesRejected    *prometheus.CounterVec
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphloom_queue_depth",
			Help: "Number of queued (not leased) items per queue.",
		}, []string{"queue"}),
		queueInflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphloom_queue_inflight",
			Help: "Number of leased items per queue.",
		}, []string{"queue"}),
		queueEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphloom_queue_enqueued_total",
			Help: "Counter of items enqueued per queue.",
		}, []string{"queue"}),
		queueLeased: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphloom_queue_leased_total",
			Help: "Counter of items leased per queue.",
		}, []string{"queue"}),
		queueAcked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphloom_queue_acked_total",
			Help: "Counter of leases settled positively per queue.",
		}, []string{"queue"}),
		queueNacked: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphloom_queue_nacked_total",
			Help: "Counter of leases settled negatively per queue.",
		}, []string{"queue"}),
		queueExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphloom_queue_lease_expired_total",
			Help: "Counter of leases returned to the queue by the sweeper.",
		}, []string{"queue"}),
		queueDead: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphloom_queue_dead_lettered_total",
			Help: "Counter of items dead-lettered after exhausting attempts.",
		}, []string{"queue"}),
		pendingDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "graphloom_pending_actions_depth",
			Help: "Number of unsettled pending actions.",
		}),
		commitTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphloom_commit_tick_duration_seconds",
			Help:    "Wall time of committer ticks, batching window included.",
			Buckets: []float64{.05, .1, .25, .5, .75, 1, 2.5, 5},
		}),
		patchesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "graphloom_patches_applied_total",
			Help: "Counter of patches emitted to the UI as mutations.",
		}),
		patchesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphloom_patches_rejected_total",
			Help: "Counter of patches rejected, by reason.",
		}, []string{"reason"}),
	}
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Prometheus exposes the underlying registry, mainly for tests.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// queue.Instrumentation implementation.

func (r *Registry) Enqueued(queue string) {
	r.queueEnqueued.WithLabelValues(queue).Inc()
}

func (r *Registry) Leased(queue string, n int) {
	r.queueLeased.WithLabelValues(queue).Add(float64(n))
}

func (r *Registry) Acked(queue string) {
	r.queueAcked.WithLabelValues(queue).Inc()
}

func (r *Registry) Nacked(queue string) {
	r.queueNacked.WithLabelValues(queue).Inc()
}

func (r *Registry) Expired(queue string) {
	r.queueExpired.WithLabelValues(queue).Inc()
}

func (r *Registry) DeadLettered(queue string) {
	r.queueDead.WithLabelValues(queue).Inc()
}

func (r *Registry) SetDepth(queue string, depth, inflight int) {
	r.queueDepth.WithLabelValues(queue).Set(float64(depth))
	r.queueInflight.WithLabelValues(queue).Set(float64(inflight))
}

// Committer and pending-store instrumentation.

func (r *Registry) SetPendingDepth(depth int) {
	r.pendingDepth.Set(float64(depth))
}

func (r *Registry) ObserveCommitTick(d time.Duration) {
	r.commitTickDuration.Observe(d.Seconds())
}

func (r *Registry) PatchApplied() {
	r.patchesApplied.Inc()
}

func (r *Registry) PatchRejected(reason string) {
	r.patchesRejected.WithLabelValues(reason).Inc()
}
