// Package metrics exposes node metrics through a Prometheus registry.
//
// A Registry implements the collector interfaces of the command, server,
// replication and storage packages, so one value can be handed to a node:
//
//	reg := metrics.NewRegistry()
//	node, err := respkv.New(respkv.WithMetrics(reg))
//	http.Handle("/metrics", reg.Handler())
package metrics
