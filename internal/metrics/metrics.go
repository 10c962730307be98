// Package metrics collects and exposes kernel runtime observability
// data, adapted from the teacher's internal/metrics package: the same
// dual-store design (an in-process atomic Metrics struct for a
// lightweight JSON endpoint, bridged into a Prometheus registry in
// prometheus.go for scraping), narrowed from per-function FaaS
// counters to per-crank kernel counters.
//
// # Concurrency
//
// RecordCrank is called from the crank loop on every delivered item
// and must be cheap: it uses atomic increments only, mirroring the
// teacher's RecordInvocationWithDetails hot path.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects kernel-wide crank and garbage-collection counters.
type Metrics struct {
	// Crank metrics
	TotalCranks  atomic.Int64
	SuccessCranks atomic.Int64
	FailedCranks atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// GC metrics
	GCActionsProcessed atomic.Int64
	ObjectsFreed       atomic.Int64

	// Vat/remote lifecycle metrics
	VatsLaunched    atomic.Int64
	VatsTerminated  atomic.Int64
	RemotesAttached atomic.Int64

	startTime time.Time
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1))
}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the metrics system was initialized.
func StartTime() time.Time { return global.startTime }

// RecordCrank records the outcome of one delivered crank.
func (m *Metrics) RecordCrank(itemKind string, durationMs int64, success bool) {
	m.TotalCranks.Add(1)
	if success {
		m.SuccessCranks.Add(1)
	} else {
		m.FailedCranks.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	RecordPrometheusCrank(itemKind, durationMs, success)
}

// RecordGCHarvest records a garbage-collection sweep's results.
func (m *Metrics) RecordGCHarvest(actionsProcessed, objectsFreed int) {
	m.GCActionsProcessed.Add(int64(actionsProcessed))
	m.ObjectsFreed.Add(int64(objectsFreed))
	RecordPrometheusGCHarvest(actionsProcessed, objectsFreed)
}

// RecordVatLaunched records a vat launch.
func (m *Metrics) RecordVatLaunched() {
	m.VatsLaunched.Add(1)
	RecordPrometheusVatLaunched()
}

// RecordVatTerminated records a vat termination.
func (m *Metrics) RecordVatTerminated() {
	m.VatsTerminated.Add(1)
	RecordPrometheusVatTerminated()
}

// RecordRemoteAttached records a remote peer connection.
func (m *Metrics) RecordRemoteAttached() {
	m.RemotesAttached.Add(1)
	RecordPrometheusRemoteAttached()
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]any {
	total := m.TotalCranks.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]any{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"cranks": map[string]any{
			"total":   total,
			"success": m.SuccessCranks.Load(),
			"failed":  m.FailedCranks.Load(),
		},
		"latency_ms": map[string]any{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"gc": map[string]any{
			"actions_processed": m.GCActionsProcessed.Load(),
			"objects_freed":     m.ObjectsFreed.Load(),
		},
		"vats": map[string]any{
			"launched":    m.VatsLaunched.Load(),
			"terminated":  m.VatsTerminated.Load(),
			"remotes":     m.RemotesAttached.Load(),
		},
	}
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
