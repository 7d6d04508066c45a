package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCommandMetrics() {
	r.CommandsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "respkv_commands_total",
			Help: "Total number of commands executed",
		},
		[]string{"command"},
	)

	r.CommandDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "respkv_command_duration_seconds",
			Help:    "Command execution duration in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"command"},
	)

	r.CommandErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "respkv_command_errors_total",
			Help: "Total number of commands answered with an error",
		},
		[]string{"command", "kind"},
	)
}

func (r *Registry) initConnectionMetrics() {
	r.ConnectionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "respkv_connections_total",
			Help: "Total number of accepted connections",
		},
	)

	r.ConnectedClients = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "respkv_connected_clients",
			Help: "Number of currently open client connections",
		},
	)
}

func (r *Registry) initReplicationMetrics() {
	r.ReplicationRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "respkv_replication_role",
			Help: "Replication role of the node (1 for the current role)",
		},
		[]string{"role"},
	)

	r.ReplicationConnectedReplicas = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "respkv_replication_connected_replicas",
			Help: "Number of currently registered replicas",
		},
	)

	r.ReplicationBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "respkv_replication_bytes_total",
			Help: "Replication stream bytes",
		},
		[]string{"direction"}, // sent, received
	)

	r.ReplicationPropagatedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "respkv_replication_propagated_commands_total",
			Help: "Total number of commands propagated to replicas",
		},
	)

	r.ReplicationAppliedTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "respkv_replication_applied_commands_total",
			Help: "Total number of commands applied from the master",
		},
		[]string{"command"},
	)

	r.ReplicationSyncDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "respkv_replication_sync_duration_seconds",
			Help:    "Duration of full synchronizations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	r.ReplicationReconnectionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "respkv_replication_reconnections_total",
			Help: "Total number of reconnections to the master",
		},
	)

	r.ReplicationErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "respkv_replication_errors_total",
			Help: "Total number of replication errors",
		},
		[]string{"type"},
	)

	r.WaitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "respkv_wait_duration_seconds",
			Help:    "Time WAIT spent blocked in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	r.WaitAckedReplicas = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "respkv_wait_acked_replicas",
			Help:    "Replicas acknowledging at the end of WAIT",
			Buckets: prometheus.LinearBuckets(0, 1, 8),
		},
	)
}

func (r *Registry) initStorageMetrics() {
	r.StorageKeys = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "respkv_storage_keys",
			Help: "Number of live keys",
		},
	)

	r.StorageKeysWithExpiry = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "respkv_storage_keys_with_expiry",
			Help: "Number of live keys with an expiry",
		},
	)

	r.StorageKeysSetTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "respkv_storage_keys_set_total",
			Help: "Total number of key writes",
		},
	)

	r.StorageKeysDeletedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "respkv_storage_keys_deleted_total",
			Help: "Total number of keys deleted",
		},
	)

	r.StorageKeysExpiredTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "respkv_storage_keys_expired_total",
			Help: "Total number of keys removed by expiry",
		},
		[]string{"mode"}, // lazy, active
	)
}
