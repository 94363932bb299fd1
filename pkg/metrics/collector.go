package metrics

import (
	"github.com/idoudali/ai-how/pkg/types"
)

// RecordInventory refreshes the cluster, VM, and GPU gauges from the full
// set of recorded cluster states. Called after every state-changing
// operation.
func RecordInventory(states []*types.ClusterState) {
	ClustersTotal.Reset()
	VMsTotal.Reset()

	gpus := 0
	for _, st := range states {
		ClustersTotal.WithLabelValues(string(st.Status)).Inc()
		for _, vm := range st.VMs {
			VMsTotal.WithLabelValues(string(vm.State)).Inc()
			gpus += len(vm.GPUAddresses)
		}
	}
	GPUsAssigned.Set(float64(gpus))
}
