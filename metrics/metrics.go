package metrics

import (
	"time"
)

// RecordCommand records an executed command with its duration
func (r *Registry) RecordCommand(name string, duration time.Duration) {
	r.CommandsTotal.WithLabelValues(name).Inc()
	r.CommandDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordCommandError records a command answered with an error reply
func (r *Registry) RecordCommandError(name string, kind string) {
	r.CommandErrorsTotal.WithLabelValues(name, kind).Inc()
}

// RecordConnection records an accepted connection
func (r *Registry) RecordConnection() {
	r.ConnectionsTotal.Inc()
}

// SetConnectedClients sets the number of open connections
func (r *Registry) SetConnectedClients(n int) {
	r.ConnectedClients.Set(float64(n))
}

// SetRole sets the current replication role
func (r *Registry) SetRole(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ReplicationRole.WithLabelValues("master").Set(0)
	r.ReplicationRole.WithLabelValues("slave").Set(0)
	r.ReplicationRole.WithLabelValues(role).Set(1)
}

// RecordSyncDuration records a completed full synchronization
func (r *Registry) RecordSyncDuration(duration time.Duration) {
	r.ReplicationSyncDuration.Observe(duration.Seconds())
}

// RecordCommandProcessed records a command applied from the master
func (r *Registry) RecordCommandProcessed(cmd string, duration time.Duration) {
	r.ReplicationAppliedTotal.WithLabelValues(cmd).Inc()
}

// RecordNetworkBytes records bytes received on the replication stream
func (r *Registry) RecordNetworkBytes(bytes int64) {
	r.ReplicationBytesTotal.WithLabelValues("received").Add(float64(bytes))
}

// RecordReconnection records a reconnection to the master
func (r *Registry) RecordReconnection() {
	r.ReplicationReconnectionsTotal.Inc()
}

// RecordError records a replication error
func (r *Registry) RecordError(errorType string) {
	r.ReplicationErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordPropagation records one command queued for replicas
func (r *Registry) RecordPropagation(bytes int, replicas int) {
	r.ReplicationPropagatedTotal.Inc()
	r.ReplicationBytesTotal.WithLabelValues("sent").Add(float64(bytes * replicas))
}

// SetConnectedReplicas sets the number of registered replicas
func (r *Registry) SetConnectedReplicas(n int) {
	r.ReplicationConnectedReplicas.Set(float64(n))
}

// RecordWait records the outcome of a WAIT
func (r *Registry) RecordWait(acked int, duration time.Duration) {
	r.WaitAckedReplicas.Observe(float64(acked))
	r.WaitDuration.Observe(duration.Seconds())
}

// UpdateKeyspace sets the key gauges
func (r *Registry) UpdateKeyspace(keys, expires int64) {
	r.StorageKeys.Set(float64(keys))
	r.StorageKeysWithExpiry.Set(float64(expires))
}

// OnKeySet implements storage.StorageObserver
func (r *Registry) OnKeySet(key string, value []byte) {
	r.StorageKeysSetTotal.Inc()
}

// OnKeyDeleted implements storage.StorageObserver
func (r *Registry) OnKeyDeleted(key string) {
	r.StorageKeysDeletedTotal.Inc()
}

// OnKeyExpired implements storage.StorageObserver
func (r *Registry) OnKeyExpired(key string, lazy bool) {
	if lazy {
		r.StorageKeysExpiredTotal.WithLabelValues("lazy").Inc()
		return
	}
	r.StorageKeysExpiredTotal.WithLabelValues("active").Inc()
}
