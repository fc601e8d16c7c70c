// Package metrics provides Prometheus metrics for observability.
//
// Collectors cover TTL merge selection and execution, the replication queue,
// the cleanup scanner and the coordination and object stores. Every
// constructor has a WithRegistry variant so tests and embedded replicas can
// use private registries. Record methods are safe on a nil receiver.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	mergeMetrics := metrics.NewMergeMetricsWithRegistry(reg)
//	srv := metrics.NewServerWithRegistry(":9090", reg)
//	srv.Start()
package metrics

const namespace = "ttlmerge"
