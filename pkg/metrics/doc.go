// Package metrics defines the Prometheus instrumentation for cluster
// operations.
//
// Metrics are registered against the default registry at package init and
// exposed through Handler. Operation and step counters are labeled by
// outcome so failed provisions and executed rollbacks are visible without
// log scraping; gauges track recorded clusters, VMs, and GPU assignments.
package metrics
