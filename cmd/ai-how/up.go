package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/idoudali/ai-how/pkg/domain"
	"github.com/idoudali/ai-how/pkg/gpu"
	"github.com/idoudali/ai-how/pkg/health"
	"github.com/idoudali/ai-how/pkg/hypervisor"
	"github.com/idoudali/ai-how/pkg/inventory"
	"github.com/idoudali/ai-how/pkg/network"
	"github.com/idoudali/ai-how/pkg/orchestrator"
	"github.com/idoudali/ai-how/pkg/pci"
	"github.com/idoudali/ai-how/pkg/state"
	"github.com/idoudali/ai-how/pkg/types"
	"github.com/idoudali/ai-how/pkg/vm"
	"github.com/idoudali/ai-how/pkg/volume"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Provision a cluster from a spec file",
	Long: `Provision the cluster described in a YAML spec, or reconcile an
existing cluster toward it.

Examples:
  # Bring up an HPC cluster
  ai-how up -f hpc-cluster.yaml

  # Re-run after a failure; completed resources are left alone
  ai-how up -f hpc-cluster.yaml`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringP("file", "f", "", "cluster spec file (required)")
	upCmd.Flags().Duration("wait", 0, "wait this long for guests to answer on SSH after provisioning")
	_ = upCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	wait, _ := cmd.Flags().GetDuration("wait")

	spec, err := types.LoadClusterSpec(filename)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	orch, hv, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer hv.Close()

	fmt.Printf("Provisioning cluster '%s' (%s, %d nodes)...\n",
		spec.Name, spec.Kind, len(spec.Nodes()))

	if err := orch.Apply(ctx, spec); err != nil {
		return err
	}
	fmt.Printf("✓ Cluster running: %s\n", spec.Name)

	if wait > 0 {
		if err := waitForGuests(ctx, spec, wait); err != nil {
			return err
		}
	}
	return nil
}

// waitForGuests blocks until every node with a static address answers on
// SSH, and the controller's API server answers for cloud clusters.
func waitForGuests(ctx context.Context, spec *types.ClusterSpec, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	probes := make([]health.Probe, 0, len(spec.Nodes())+1)
	for _, node := range spec.Nodes() {
		if node.IPAddress != "" {
			probes = append(probes, health.SSHProbe(node.IPAddress))
		}
	}
	if spec.Kind == types.ClusterKindCloud && spec.Controller.IPAddress != "" {
		probes = append(probes, health.APIServerProbe(spec.Controller.IPAddress))
	}

	for _, p := range probes {
		res := health.WaitReady(ctx, p, 2*time.Second)
		if !res.Reachable {
			return fmt.Errorf("guest %s did not become reachable: %s", p.Target(), res.Message)
		}
		fmt.Printf("  %s reachable\n", p.Target())
	}
	return nil
}

// buildOrchestrator wires every manager against a shared libvirt client and
// the on-disk state store. The caller owns closing the returned client.
func buildOrchestrator() (*orchestrator.Orchestrator, *hypervisor.Client, error) {
	dataDir := viper.GetString("data-dir")

	hv := hypervisor.New(hypervisor.Config{
		Socket: viper.GetString("libvirt-socket"),
	})
	if err := hv.Connect(); err != nil {
		return nil, nil, err
	}

	store, err := state.NewStore(filepath.Join(dataDir, "state"))
	if err != nil {
		hv.Close()
		return nil, nil, err
	}

	cfg := orchestrator.Config{
		DataDir:         dataDir,
		NodeParallelism: viper.GetInt("parallelism"),
	}

	orch := orchestrator.New(
		network.NewManager(hv, store),
		volume.NewManager(hv),
		gpu.NewMapper(pci.NewValidator(nil), store),
		vm.NewManager(hv, vm.Config{
			BootTimeout:     viper.GetDuration("boot-timeout"),
			ShutdownTimeout: viper.GetDuration("shutdown-timeout"),
		}),
		store,
		domain.NewTracer(nil, cfg.TraceDir()),
		inventory.NewGenerator(nil, cfg.ArtifactsDir()),
		cfg,
	)
	return orch, hv, nil
}

// signalContext cancels on SIGINT or SIGTERM so an interrupted operation
// unwinds instead of leaving half-built resources.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
