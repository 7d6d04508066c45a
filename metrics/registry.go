package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics of a node
type Registry struct {
	// Command Metrics
	CommandsTotal      *prometheus.CounterVec
	CommandDuration    *prometheus.HistogramVec
	CommandErrorsTotal *prometheus.CounterVec

	// Connection Metrics
	ConnectionsTotal prometheus.Counter
	ConnectedClients prometheus.Gauge

	// Replication Metrics
	ReplicationRole               *prometheus.GaugeVec
	ReplicationConnectedReplicas  prometheus.Gauge
	ReplicationBytesTotal         *prometheus.CounterVec
	ReplicationPropagatedTotal    prometheus.Counter
	ReplicationAppliedTotal       *prometheus.CounterVec
	ReplicationSyncDuration       prometheus.Histogram
	ReplicationReconnectionsTotal prometheus.Counter
	ReplicationErrorsTotal        *prometheus.CounterVec
	WaitDuration                  prometheus.Histogram
	WaitAckedReplicas             prometheus.Histogram

	// Storage Metrics
	StorageKeys             prometheus.Gauge
	StorageKeysWithExpiry   prometheus.Gauge
	StorageKeysSetTotal     prometheus.Counter
	StorageKeysDeletedTotal prometheus.Counter
	StorageKeysExpiredTotal *prometheus.CounterVec

	registry *prometheus.Registry
	mu       sync.Mutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every metric initialized, plus the Go
// runtime and process collectors
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		registry: reg,
	}

	r.initCommandMetrics()
	r.initConnectionMetrics()
	r.initReplicationMetrics()
	r.initStorageMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
