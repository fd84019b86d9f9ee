// Package metrics provides Prometheus metrics for the conversation memory service
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	ActiveContexts         prometheus.Gauge
	StoredBytes            prometheus.Gauge

	// Engine metrics
	TurnsAppendedTotal   prometheus.Counter
	CompactionsTotal     prometheus.Counter
	TurnsEvictedTotal    prometheus.Counter
	ContextsExpiredTotal prometheus.Counter
	PolicyFiringsTotal   *prometheus.CounterVec

	// Snapshots a List skipped because they failed to decode
	CorruptSnapshotsTotal prometheus.Counter

	registry        prometheus.Registerer
	ServerStartTime time.Time
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		registry:        reg,
		ServerStartTime: time.Now(),
	}

	// gRPC request metrics
	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convmemory_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convmemory_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "convmemory_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	// Store metrics
	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convmemory_store_operations_total",
			Help: "Total number of context store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convmemory_store_operation_duration_seconds",
			Help:    "Duration of context store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.ActiveContexts = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "convmemory_active_contexts",
			Help: "Number of stored conversation contexts",
		},
	)

	m.StoredBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "convmemory_stored_bytes",
			Help: "Estimated encoded size of all stored contexts",
		},
	)

	// Engine metrics
	m.TurnsAppendedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "convmemory_turns_appended_total",
			Help: "Total number of turns appended to contexts",
		},
	)

	m.CompactionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "convmemory_compactions_total",
			Help: "Total number of context compaction passes",
		},
	)

	m.TurnsEvictedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "convmemory_turns_evicted_total",
			Help: "Total number of turns evicted by compaction",
		},
	)

	m.CorruptSnapshotsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "convmemory_corrupt_snapshots_total",
			Help: "Total number of stored snapshots skipped because they failed to decode",
		},
	)

	m.ContextsExpiredTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "convmemory_contexts_expired_total",
			Help: "Total number of contexts removed by expiry or policy",
		},
	)

	m.PolicyFiringsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convmemory_policy_firings_total",
			Help: "Contexts removed per expiration policy",
		},
		[]string{"policy"},
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "convmemory_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.ServerStartTime).Seconds() },
	)

	return m
}

// RegisterCacheHitRatio exposes a cache hit ratio through fn
func (m *Metrics) RegisterCacheHitRatio(fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "convmemory_cache_hit_ratio",
			Help: "Hit ratio of the context cache",
		},
		fn,
	)
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordStoreOperation records a store operation
func (m *Metrics) RecordStoreOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTurnAppended counts one appended turn
func (m *Metrics) RecordTurnAppended() {
	if m == nil {
		return
	}
	m.TurnsAppendedTotal.Inc()
}

// RecordCompaction counts a compaction pass and the turns it evicted
func (m *Metrics) RecordCompaction(evicted int) {
	if m == nil {
		return
	}
	m.CompactionsTotal.Inc()
	m.TurnsEvictedTotal.Add(float64(evicted))
}

// RecordCompactions counts several compaction passes and the turns they
// evicted between them
func (m *Metrics) RecordCompactions(passes int, evicted int) {
	if m == nil {
		return
	}
	m.CompactionsTotal.Add(float64(passes))
	m.TurnsEvictedTotal.Add(float64(evicted))
}

// RecordCorruptSnapshot counts a snapshot skipped by a listing
func (m *Metrics) RecordCorruptSnapshot() {
	if m == nil {
		return
	}
	m.CorruptSnapshotsTotal.Inc()
}

// RecordExpired counts removed contexts, attributed per policy when known
func (m *Metrics) RecordExpired(removed int, firings map[string]int) {
	if m == nil {
		return
	}
	m.ContextsExpiredTotal.Add(float64(removed))
	for policy, n := range firings {
		m.PolicyFiringsTotal.WithLabelValues(policy).Add(float64(n))
	}
}

// UpdateStorageStats updates context count and size gauges
func (m *Metrics) UpdateStorageStats(contexts int, bytes int) {
	if m == nil {
		return
	}
	m.ActiveContexts.Set(float64(contexts))
	m.StoredBytes.Set(float64(bytes))
}
