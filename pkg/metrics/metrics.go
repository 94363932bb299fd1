package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aihow_operations_total",
			Help: "Total number of cluster operations by kind and outcome",
		},
		[]string{"operation", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aihow_operation_duration_seconds",
			Help:    "Cluster operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"operation"},
	)

	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aihow_provision_steps_total",
			Help: "Total number of provisioning steps by step name and outcome",
		},
		[]string{"step", "outcome"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aihow_rollbacks_total",
			Help: "Total number of rollback executions by outcome",
		},
		[]string{"outcome"},
	)

	RollbackActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aihow_rollback_actions_total",
			Help: "Total number of compensating actions executed by outcome",
		},
		[]string{"outcome"},
	)

	// Cluster metrics
	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aihow_clusters_total",
			Help: "Number of recorded clusters by status",
		},
		[]string{"status"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aihow_vms_total",
			Help: "Number of recorded VMs by state",
		},
		[]string{"state"},
	)

	GPUsAssigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aihow_gpus_assigned_total",
			Help: "Number of GPUs currently assigned to VMs",
		},
	)

	// Hypervisor metrics
	HypervisorReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aihow_hypervisor_reconnects_total",
			Help: "Total number of hypervisor reconnection attempts",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(StepsTotal)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(RollbackActionsTotal)
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(GPUsAssigned)
	prometheus.MustRegister(HypervisorReconnects)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
