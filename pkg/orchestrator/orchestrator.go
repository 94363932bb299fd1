package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/idoudali/ai-how/pkg/domain"
	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/log"
	"github.com/idoudali/ai-how/pkg/metrics"
	"github.com/idoudali/ai-how/pkg/network"
	"github.com/idoudali/ai-how/pkg/types"
)

// The orchestrator drives concrete managers through these package-local
// interfaces so tests can substitute fakes per concern.

type networkManager interface {
	EnsureNetwork(st *types.ClusterState, spec *types.ClusterSpec) (*types.NetworkInfo, error)
	ReleaseNetwork(st *types.ClusterState, name string) error
	WaitForLease(ctx context.Context, name, mac string, interval time.Duration) (string, error)
}

type volumeManager interface {
	EnsurePool(name, path string) (*types.StoragePoolInfo, error)
	AllocateVolume(clusterName, poolName string, node types.NodeSpec) (*types.VolumeInfo, error)
	ReleaseVolume(poolName, volName string) error
	ReleasePool(name string) error
}

type gpuMapper interface {
	Acquire(st *types.ClusterState, vmName, gpuType string, count int) ([]string, error)
	Release(st *types.ClusterState, vmName string) error
}

type vmManager interface {
	Define(st *types.ClusterState, info *types.VMInfo, xml string) error
	Start(ctx context.Context, st *types.ClusterState, name string) error
	Stop(ctx context.Context, st *types.ClusterState, name string) error
	Destroy(st *types.ClusterState, name string) error
	Status(name string) (types.VMState, error)
}

type stateStore interface {
	Load(name string) (*types.ClusterState, error)
	Save(st *types.ClusterState) error
	Delete(name string) error
	LoadAll() ([]*types.ClusterState, error)
	WithLock(name string, fn func() error) error
}

type artifactWriter interface {
	WriteInventory(spec *types.ClusterSpec) (string, error)
	WriteKubeconfig(spec *types.ClusterSpec) (string, error)
	Clean(clusterName string) error
}

// Orchestrator turns a declarative cluster spec into running VMs and back.
// Operations are resumable: every step is checkpointed to the state store
// as it lands, and a failed provision is unwound by compensating actions in
// reverse order of creation.
type Orchestrator struct {
	networks  networkManager
	volumes   volumeManager
	gpus      gpuMapper
	vms       vmManager
	store     stateStore
	tracer    *domain.Tracer
	artifacts artifactWriter
	cfg       Config
	logger    zerolog.Logger

	// serializes checkpoint writes and rollback pushes during node fan-out
	mu sync.Mutex
}

// New wires an orchestrator from its managers.
func New(networks networkManager, volumes volumeManager, gpus gpuMapper, vms vmManager,
	store stateStore, tracer *domain.Tracer, artifacts artifactWriter, cfg Config) *Orchestrator {
	return &Orchestrator{
		networks:  networks,
		volumes:   volumes,
		gpus:      gpus,
		vms:       vms,
		store:     store,
		tracer:    tracer,
		artifacts: artifacts,
		cfg:       cfg.withDefaults(),
		logger:    log.WithComponent("orchestrator"),
	}
}

// Apply provisions the cluster described by spec, or reconciles an existing
// cluster toward it: missing resources are created, VMs no longer in the
// spec are torn down, already-correct resources are left alone. Safe to
// re-run after a crash or a failure.
func (o *Orchestrator) Apply(ctx context.Context, spec *types.ClusterSpec) error {
	return o.operation("provision", spec.Name, func() error {
		if err := spec.Validate(); err != nil {
			return err
		}
		return o.store.WithLock(spec.Name, func() error {
			return o.apply(ctx, spec)
		})
	})
}

func (o *Orchestrator) apply(ctx context.Context, spec *types.ClusterSpec) error {
	st, err := o.loadOrInit(spec)
	if err != nil {
		return err
	}
	prior := st.Status

	run, err := o.tracer.StartRun(spec.Name, "provision")
	if err != nil {
		return err
	}

	st.Status = types.ClusterStatusProvisioning
	if err := o.store.Save(st); err != nil {
		run.Finish("failed")
		return err
	}

	rb := newRollbackStack()
	if err := o.provision(ctx, spec, st, rb, run); err != nil {
		run.Finish("failed")
		return o.unwind(st, rb, prior, err)
	}

	st.Status = types.ClusterStatusRunning
	if err := o.store.Save(st); err != nil {
		run.Finish("failed")
		return o.unwind(st, rb, prior, err)
	}

	if err := o.writeArtifacts(spec); err != nil {
		// VMs are up; a failed artifact write is reported but does not
		// tear the cluster down
		o.logger.Error().Err(err).Str("cluster", spec.Name).Msg("failed to write artifacts")
	}

	run.Finish("succeeded")
	o.logger.Info().Str("cluster", spec.Name).Msg("cluster running")
	return nil
}

// provision walks the ordered steps: network, pool, then the per-node chain
// under bounded parallelism.
func (o *Orchestrator) provision(ctx context.Context, spec *types.ClusterSpec,
	st *types.ClusterState, rb *rollbackStack, run *domain.Run) error {

	if err := o.teardownRemoved(ctx, spec, st); err != nil {
		return err
	}

	netInfo, err := o.ensureNetwork(spec, st, rb)
	if err != nil {
		return err
	}

	poolName := spec.Name + "-pool"
	if err := o.ensurePool(spec, st, rb, poolName); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.NodeParallelism)
	for _, node := range spec.Nodes() {
		node := node
		g.Go(func() error {
			return o.provisionNode(gctx, spec, st, rb, run, netInfo, poolName, node)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) ensureNetwork(spec *types.ClusterSpec, st *types.ClusterState,
	rb *rollbackStack) (*types.NetworkInfo, error) {

	created := st.Network(spec.Network.Name) == nil

	// the manager records and checkpoints the claim under the registry lock
	info, err := o.networks.EnsureNetwork(st, spec)
	o.step("network", err)
	if err != nil {
		return nil, err
	}

	if created {
		rb.push("network "+info.Name, func() error {
			if err := o.networks.ReleaseNetwork(st, info.Name); err != nil {
				return err
			}
			return o.store.Save(st)
		})
	}
	return info, nil
}

func (o *Orchestrator) ensurePool(spec *types.ClusterSpec, st *types.ClusterState,
	rb *rollbackStack, poolName string) error {

	created := st.Pool(poolName) == nil

	info, err := o.volumes.EnsurePool(poolName, o.cfg.PoolPath(spec.Name))
	o.step("pool", err)
	if err != nil {
		return err
	}

	st.RemovePool(poolName)
	st.Pools = append(st.Pools, info)
	if created {
		rb.push("pool "+poolName, func() error {
			if err := o.volumes.ReleasePool(poolName); err != nil {
				return err
			}
			st.RemovePool(poolName)
			return nil
		})
	}
	return o.store.Save(st)
}

// provisionNode runs one node's chain: volume, GPUs, definition, define,
// start. State mutations and rollback pushes are serialized; the long waits
// are not.
func (o *Orchestrator) provisionNode(ctx context.Context, spec *types.ClusterSpec,
	st *types.ClusterState, rb *rollbackStack, run *domain.Run,
	netInfo *types.NetworkInfo, poolName string, node types.NodeSpec) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	mac := network.MACForVM(node.Name)

	volInfo, err := o.volumes.AllocateVolume(spec.Name, poolName, node)
	o.step("volume", err)
	if err != nil {
		return err
	}
	o.mu.Lock()
	if st.Volume(volInfo.Name) == nil {
		st.Volumes = append(st.Volumes, volInfo)
		rb.push("volume "+volInfo.Name, func() error {
			if err := o.volumes.ReleaseVolume(poolName, volInfo.Name); err != nil {
				return err
			}
			st.RemoveVolume(volInfo.Name)
			return nil
		})
	}
	err = o.store.Save(st)
	o.mu.Unlock()
	if err != nil {
		return err
	}

	gpus, err := o.acquireGPUs(st, rb, node)
	o.step("gpu", err)
	if err != nil {
		return err
	}

	def, err := domain.Build(domain.BuildInput{
		Node:         node,
		Volume:       volInfo,
		Network:      netInfo,
		MAC:          mac,
		GPUAddresses: gpus,
	})
	o.step("definition", err)
	if err != nil {
		return err
	}

	o.mu.Lock()
	run.Record(node.Name+".xml", def.XML)
	existing := st.VM(node.Name)
	wasDefined := existing != nil && existing.State != types.VMStateUndefined
	o.mu.Unlock()

	info := &types.VMInfo{
		Name:               node.Name,
		Role:               spec.RoleOf(node.Name),
		IPAddress:          node.IPAddress,
		GPUAddresses:       gpus,
		VolumeName:         volInfo.Name,
		DefinitionChecksum: def.Checksum,
	}
	err = o.vms.Define(st, info, def.XML)
	o.step("define", err)
	if err != nil {
		return err
	}
	o.mu.Lock()
	if !wasDefined {
		rb.push("vm "+node.Name, func() error {
			if err := o.vms.Stop(context.Background(), st, node.Name); err != nil && !errdefs.IsNotFound(err) {
				return err
			}
			if err := o.vms.Destroy(st, node.Name); err != nil {
				return err
			}
			st.RemoveVM(node.Name)
			return nil
		})
	}
	err = o.store.Save(st)
	o.mu.Unlock()
	if err != nil {
		return err
	}

	err = o.vms.Start(ctx, st, node.Name)
	o.step("start", err)
	if err != nil {
		return err
	}

	// nodes without a static reservation get their address from the
	// network's DHCP server once the guest asks for one
	if node.IPAddress == "" {
		leaseCtx, cancel := context.WithTimeout(ctx, o.cfg.LeaseTimeout)
		leased, err := o.networks.WaitForLease(leaseCtx, netInfo.Name, mac, leasePollInterval)
		cancel()
		o.step("lease", err)
		if err != nil {
			return err
		}
		o.mu.Lock()
		if vm := st.VM(node.Name); vm != nil {
			vm.IPAddress = leased
		}
		o.mu.Unlock()
	}

	o.mu.Lock()
	err = o.store.Save(st)
	o.mu.Unlock()
	return err
}

func (o *Orchestrator) acquireGPUs(st *types.ClusterState, rb *rollbackStack,
	node types.NodeSpec) ([]string, error) {

	if !node.HasGPU || node.GPUCount == 0 {
		return nil, nil
	}

	// a resumed provision keeps the VM's previous assignment
	if existing := st.VM(node.Name); existing != nil && len(existing.GPUAddresses) == node.GPUCount {
		return existing.GPUAddresses, nil
	}

	gpus, err := o.gpus.Acquire(st, node.Name, node.GPUType, node.GPUCount)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	rb.push("gpus of "+node.Name, func() error {
		return o.gpus.Release(st, node.Name)
	})
	o.mu.Unlock()
	return gpus, nil
}

// teardownRemoved deletes VMs recorded in state but absent from the spec,
// releasing their volumes and GPUs.
func (o *Orchestrator) teardownRemoved(ctx context.Context, spec *types.ClusterSpec,
	st *types.ClusterState) error {

	for _, name := range st.VMNames() {
		if _, ok := spec.Node(name); ok {
			continue
		}
		o.logger.Info().Str("vm", name).Msg("removing VM no longer in spec")
		if err := o.removeVM(ctx, st, name); err != nil {
			return err
		}
		if err := o.store.Save(st); err != nil {
			return err
		}
	}
	return nil
}

// removeVM stops, undefines, and releases everything one VM holds.
func (o *Orchestrator) removeVM(ctx context.Context, st *types.ClusterState, name string) error {
	info := st.VM(name)
	if info == nil {
		return nil
	}
	if err := o.vms.Stop(ctx, st, name); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if err := o.vms.Destroy(st, name); err != nil {
		return err
	}
	if info.VolumeName != "" {
		if vol := st.Volume(info.VolumeName); vol != nil {
			if err := o.volumes.ReleaseVolume(vol.Pool, vol.Name); err != nil {
				return err
			}
			st.RemoveVolume(vol.Name)
		}
	}
	if err := o.gpus.Release(st, name); err != nil {
		return err
	}
	st.RemoveVM(name)
	return nil
}

// unwind runs the rollback stack and records the outcome. A clean rollback
// reverts the cluster to the status it last held at a full checkpoint, so a
// failed grow of a running cluster leaves it running; a failed compensation
// marks the cluster failed for operator attention.
func (o *Orchestrator) unwind(st *types.ClusterState, rb *rollbackStack, prior types.ClusterStatus, cause error) error {
	if rbErr := rb.execute(cause); rbErr != nil {
		st.Status = types.ClusterStatusFailed
		if saveErr := o.store.Save(st); saveErr != nil {
			o.logger.Error().Err(saveErr).Msg("failed to record failed status")
		}
		return rbErr
	}

	switch prior {
	case types.ClusterStatusRunning, types.ClusterStatusStopped:
		st.Status = prior
	default:
		// a transitional prior status means no stable checkpoint exists
		st.Status = types.ClusterStatusNotStarted
	}
	if saveErr := o.store.Save(st); saveErr != nil {
		o.logger.Error().Err(saveErr).Msg("failed to record rolled-back status")
	}
	return cause
}

// Stop shuts down every VM in the cluster, controller last so compute
// nodes drain against a live control plane. Resources stay allocated.
func (o *Orchestrator) Stop(ctx context.Context, clusterName string) error {
	return o.operation("stop", clusterName, func() error {
		return o.store.WithLock(clusterName, func() error {
			st, err := o.store.Load(clusterName)
			if err != nil {
				return err
			}

			st.Status = types.ClusterStatusStopping
			if err := o.store.Save(st); err != nil {
				return err
			}

			var controller string
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(o.cfg.NodeParallelism)
			for _, name := range st.VMNames() {
				if st.VM(name).Role == "controller" {
					controller = name
					continue
				}
				name := name
				g.Go(func() error {
					err := o.vms.Stop(gctx, st, name)
					o.step("stop", err)
					return err
				})
			}
			if err := g.Wait(); err != nil {
				st.Status = types.ClusterStatusFailed
				_ = o.store.Save(st)
				return err
			}
			if controller != "" {
				if err := o.vms.Stop(ctx, st, controller); err != nil {
					o.step("stop", err)
					st.Status = types.ClusterStatusFailed
					_ = o.store.Save(st)
					return err
				}
				o.step("stop", nil)
			}

			st.Status = types.ClusterStatusStopped
			return o.store.Save(st)
		})
	})
}

// Destroy tears the cluster down completely: VMs, volumes, GPU
// reservations, pool, network, artifacts, and finally the state file
// itself. The state file is deleted only after every resource is gone, so
// a crash mid-destroy leaves a record to resume from.
func (o *Orchestrator) Destroy(ctx context.Context, clusterName string) error {
	return o.operation("destroy", clusterName, func() error {
		return o.store.WithLock(clusterName, func() error {
			st, err := o.store.Load(clusterName)
			if err != nil {
				return err
			}

			st.Status = types.ClusterStatusDestroying
			if err := o.store.Save(st); err != nil {
				return err
			}

			for _, name := range st.VMNames() {
				err := o.removeVM(ctx, st, name)
				o.step("remove_vm", err)
				if err != nil {
					st.Status = types.ClusterStatusFailed
					_ = o.store.Save(st)
					return err
				}
				if err := o.store.Save(st); err != nil {
					return err
				}
			}

			for _, pool := range append([]*types.StoragePoolInfo{}, st.Pools...) {
				err := o.volumes.ReleasePool(pool.Name)
				o.step("remove_pool", err)
				if err != nil {
					st.Status = types.ClusterStatusFailed
					_ = o.store.Save(st)
					return err
				}
				st.RemovePool(pool.Name)
			}

			for _, net := range append([]*types.NetworkInfo{}, st.Networks...) {
				err := o.networks.ReleaseNetwork(st, net.Name)
				o.step("remove_network", err)
				if err != nil {
					st.Status = types.ClusterStatusFailed
					_ = o.store.Save(st)
					return err
				}
			}

			if err := o.artifacts.Clean(clusterName); err != nil {
				o.logger.Warn().Err(err).Msg("failed to remove generated artifacts")
			}

			o.logger.Info().Str("cluster", clusterName).Msg("cluster destroyed")
			return o.store.Delete(clusterName)
		})
	})
}

// VMStatus pairs a VM's recorded state with what the hypervisor reports.
type VMStatus struct {
	Name         string
	Role         string
	IPAddress    string
	GPUAddresses []string
	Recorded     types.VMState
	Actual       types.VMState
	Drifted      bool
}

// ClusterReport is the read-only view returned by Status.
type ClusterReport struct {
	Name     string
	Kind     types.ClusterKind
	Status   types.ClusterStatus
	Networks []*types.NetworkInfo
	Pools    []*types.StoragePoolInfo
	VMs      []VMStatus
}

// Status reports recorded versus live state without mutating either.
func (o *Orchestrator) Status(clusterName string) (*ClusterReport, error) {
	st, err := o.store.Load(clusterName)
	if err != nil {
		return nil, err
	}

	report := &ClusterReport{
		Name:     st.ClusterName,
		Kind:     st.Kind,
		Status:   st.Status,
		Networks: st.Networks,
		Pools:    st.Pools,
	}
	for _, name := range st.VMNames() {
		info := st.VM(name)
		actual, err := o.vms.Status(name)
		if err != nil {
			return nil, err
		}
		report.VMs = append(report.VMs, VMStatus{
			Name:         name,
			Role:         info.Role,
			IPAddress:    info.IPAddress,
			GPUAddresses: info.GPUAddresses,
			Recorded:     info.State,
			Actual:       actual,
			Drifted:      info.State != actual,
		})
	}
	return report, nil
}

// List returns a report for every recorded cluster.
func (o *Orchestrator) List() ([]*ClusterReport, error) {
	states, err := o.store.LoadAll()
	if err != nil {
		return nil, err
	}
	reports := make([]*ClusterReport, 0, len(states))
	for _, st := range states {
		report, err := o.Status(st.ClusterName)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (o *Orchestrator) writeArtifacts(spec *types.ClusterSpec) error {
	if _, err := o.artifacts.WriteInventory(spec); err != nil {
		return err
	}
	if spec.Kind == types.ClusterKindCloud {
		if _, err := o.artifacts.WriteKubeconfig(spec); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) loadOrInit(spec *types.ClusterSpec) (*types.ClusterState, error) {
	st, err := o.store.Load(spec.Name)
	if errdefs.IsNotFound(err) {
		return types.NewClusterState(spec.Name, spec.Kind), nil
	}
	if err != nil {
		return nil, err
	}
	if st.Kind != spec.Kind {
		return nil, errdefs.Conflict("cluster %s is recorded as kind %s, the spec says %s",
			spec.Name, st.Kind, spec.Kind)
	}
	return st, nil
}

// operation wraps a public entry point with metrics and a duration log.
func (o *Orchestrator) operation(name, clusterName string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	metrics.OperationsTotal.WithLabelValues(name, outcome).Inc()
	metrics.OperationDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	if states, loadErr := o.store.LoadAll(); loadErr == nil {
		metrics.RecordInventory(states)
	}

	logger := log.WithCluster(clusterName)
	evt := logger.Info()
	if err != nil {
		evt = logger.Error().Err(err)
	}
	evt.Str("operation", name).Dur("elapsed", elapsed).Msg("operation finished")

	if err != nil {
		return fmt.Errorf("failed to %s cluster %s: %w", name, clusterName, err)
	}
	return nil
}

// step records one provisioning step's outcome.
func (o *Orchestrator) step(name string, err error) {
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	metrics.StepsTotal.WithLabelValues(name, outcome).Inc()
}
