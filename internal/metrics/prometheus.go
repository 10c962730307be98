package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for kernel metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	cranksTotal         *prometheus.CounterVec
	gcActionsTotal      prometheus.Counter
	objectsFreedTotal   prometheus.Counter
	vatsLaunchedTotal   prometheus.Counter
	vatsTerminatedTotal prometheus.Counter
	remotesAttached     prometheus.Counter

	// Histograms
	crankDuration *prometheus.HistogramVec

	// Gauges
	uptime        prometheus.GaugeFunc
	runQueueDepth *prometheus.GaugeVec
	refcount      *prometheus.GaugeVec
}

// Default histogram buckets for crank duration (in milliseconds).
var defaultBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		cranksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cranks_total",
				Help:      "Total number of cranks delivered",
			},
			[]string{"item_kind", "status"},
		),

		gcActionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_actions_total",
				Help:      "Total number of GC actions processed",
			},
		),

		objectsFreedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_freed_total",
				Help:      "Total number of kernel objects freed by GC",
			},
		),

		vatsLaunchedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vats_launched_total",
				Help:      "Total vats launched",
			},
		),

		vatsTerminatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vats_terminated_total",
				Help:      "Total vats terminated",
			},
		),

		remotesAttached: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remotes_attached_total",
				Help:      "Total remote peer connections attached",
			},
		),

		crankDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "crank_duration_milliseconds",
				Help:      "Duration of crank delivery in milliseconds",
				Buckets:   buckets,
			},
			[]string{"item_kind"},
		),

		runQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_queue_depth",
				Help:      "Current run queue depth by queue kind",
			},
			[]string{"kind"}, // regular, reap, gc_actions
		),

		refcount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "object_refcount",
				Help:      "Current reachable/recognizable refcount for a tracked kernel object",
			},
			[]string{"kref", "kind"}, // kind: reachable, recognizable
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the kernel started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.cranksTotal,
		pm.gcActionsTotal,
		pm.objectsFreedTotal,
		pm.vatsLaunchedTotal,
		pm.vatsTerminatedTotal,
		pm.remotesAttached,
		pm.crankDuration,
		pm.uptime,
		pm.runQueueDepth,
		pm.refcount,
	)

	promMetrics = pm
}

// RecordPrometheusCrank records a crank outcome in Prometheus collectors.
func RecordPrometheusCrank(itemKind string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	promMetrics.cranksTotal.WithLabelValues(itemKind, status).Inc()
	promMetrics.crankDuration.WithLabelValues(itemKind).Observe(float64(durationMs))
}

// RecordPrometheusGCHarvest records a GC sweep's results in Prometheus.
func RecordPrometheusGCHarvest(actionsProcessed, objectsFreed int) {
	if promMetrics == nil {
		return
	}
	promMetrics.gcActionsTotal.Add(float64(actionsProcessed))
	promMetrics.objectsFreedTotal.Add(float64(objectsFreed))
}

// RecordPrometheusVatLaunched records a vat launch in Prometheus.
func RecordPrometheusVatLaunched() {
	if promMetrics == nil {
		return
	}
	promMetrics.vatsLaunchedTotal.Inc()
}

// RecordPrometheusVatTerminated records a vat termination in Prometheus.
func RecordPrometheusVatTerminated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vatsTerminatedTotal.Inc()
}

// RecordPrometheusRemoteAttached records a remote peer attach in Prometheus.
func RecordPrometheusRemoteAttached() {
	if promMetrics == nil {
		return
	}
	promMetrics.remotesAttached.Inc()
}

// SetRunQueueDepth sets the run queue depth gauge for the given kind.
func SetRunQueueDepth(kind string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.runQueueDepth.WithLabelValues(kind).Set(float64(depth))
}

// SetRefcount sets the reachable/recognizable refcount gauges for kref.
func SetRefcount(kref string, reachable, recognizable int) {
	if promMetrics == nil {
		return
	}
	promMetrics.refcount.WithLabelValues(kref, "reachable").Set(float64(reachable))
	promMetrics.refcount.WithLabelValues(kref, "recognizable").Set(float64(recognizable))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
