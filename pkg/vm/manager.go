package vm

import (
	"context"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/log"
	"github.com/idoudali/ai-how/pkg/types"
)

const (
	// DefaultBootTimeout bounds the wait for a started domain to report
	// running
	DefaultBootTimeout = 2 * time.Minute

	// DefaultShutdownTimeout is the graceful window before a stop falls
	// back to destroying the domain
	DefaultShutdownTimeout = 3 * time.Minute

	// DefaultPollInterval is how often domain state is re-read while
	// waiting
	DefaultPollInterval = 2 * time.Second
)

// Hypervisor is the slice of the hypervisor client the lifecycle manager
// drives.
type Hypervisor interface {
	DefineDomain(xml string) (libvirt.Domain, error)
	StartDomain(dom libvirt.Domain) error
	ShutdownDomain(dom libvirt.Domain) error
	ForceStopDomain(dom libvirt.Domain) error
	UndefineDomain(dom libvirt.Domain) error
	DomainByName(name string) (libvirt.Domain, error)
	DomainState(dom libvirt.Domain) (int32, error)
}

// Config holds lifecycle timing policy.
type Config struct {
	BootTimeout     time.Duration
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BootTimeout == 0 {
		c.BootTimeout = DefaultBootTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Manager walks VMs through their lifecycle: defined, running, stopped,
// undefined. Every transition is recorded in cluster state before control
// returns, and illegal transitions are refused by name rather than passed
// to the hypervisor to fail obscurely.
type Manager struct {
	hv     Hypervisor
	cfg    Config
	logger zerolog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(hv Hypervisor, cfg Config) *Manager {
	return &Manager{
		hv:     hv,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("vm"),
	}
}

// Define registers a domain with the hypervisor and records it in cluster
// state. If the VM is already defined with the same definition checksum the
// call is a no-op; a different checksum means the definition changed and is
// re-defined in place.
func (m *Manager) Define(st *types.ClusterState, info *types.VMInfo, xml string) error {
	if existing := st.VM(info.Name); existing != nil && existing.State != types.VMStateUndefined {
		if existing.DefinitionChecksum == info.DefinitionChecksum {
			if _, err := m.hv.DomainByName(info.Name); err == nil {
				m.logger.Debug().Str("vm", info.Name).Msg("domain already defined")
				return nil
			} else if !errdefs.IsNotFound(err) {
				return err
			}
			// recorded but missing from the hypervisor, fall through and
			// re-define from the same document
		}
	}

	dom, err := m.hv.DefineDomain(xml)
	if err != nil {
		return err
	}

	info.DomainUUID = uuid.UUID(dom.UUID).String()
	info.State = types.VMStateDefined
	now := time.Now().UTC()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	info.LastModified = now
	st.PutVM(info)

	m.logger.Info().Str("vm", info.Name).Str("uuid", info.DomainUUID).Msg("domain defined")
	return nil
}

// Start boots a defined or stopped VM and waits until the hypervisor
// reports it running. Starting a VM that is already running is a no-op.
func (m *Manager) Start(ctx context.Context, st *types.ClusterState, name string) error {
	info := st.VM(name)
	if info == nil {
		return errdefs.Validation("cannot start VM %s, it has never been defined", name)
	}

	dom, err := m.hv.DomainByName(name)
	if err != nil {
		return err
	}
	hvState, err := m.hv.DomainState(dom)
	if err != nil {
		return err
	}
	if hvState == int32(libvirt.DomainRunning) {
		st.UpdateVMState(name, types.VMStateRunning)
		m.logger.Debug().Str("vm", name).Msg("domain already running")
		return nil
	}

	if err := m.hv.StartDomain(dom); err != nil {
		return err
	}
	if err := m.waitForState(ctx, dom, int32(libvirt.DomainRunning), m.cfg.BootTimeout); err != nil {
		return errdefs.Timeout("VM %s did not reach running within %s: %v", name, m.cfg.BootTimeout, err)
	}

	st.UpdateVMState(name, types.VMStateRunning)
	m.logger.Info().Str("vm", name).Msg("domain running")
	return nil
}

// Stop shuts a VM down, first asking the guest to power off and, once the
// graceful window expires, destroying the domain. Stopping a VM that is
// already shut off is a no-op.
func (m *Manager) Stop(ctx context.Context, st *types.ClusterState, name string) error {
	info := st.VM(name)
	if info == nil {
		return errdefs.Validation("cannot stop VM %s, it has never been defined", name)
	}

	dom, err := m.hv.DomainByName(name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			st.UpdateVMState(name, types.VMStateUndefined)
			return nil
		}
		return err
	}
	hvState, err := m.hv.DomainState(dom)
	if err != nil {
		return err
	}
	if hvState == int32(libvirt.DomainShutoff) {
		st.UpdateVMState(name, types.VMStateStopped)
		m.logger.Debug().Str("vm", name).Msg("domain already shut off")
		return nil
	}

	if err := m.hv.ShutdownDomain(dom); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if err := m.waitForState(ctx, dom, int32(libvirt.DomainShutoff), m.cfg.ShutdownTimeout); err != nil {
		m.logger.Warn().Str("vm", name).Dur("graceful_window", m.cfg.ShutdownTimeout).
			Msg("graceful shutdown expired, destroying domain")
		if err := m.hv.ForceStopDomain(dom); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
		if err := m.waitForState(ctx, dom, int32(libvirt.DomainShutoff), m.cfg.ShutdownTimeout); err != nil {
			return errdefs.Timeout("VM %s did not shut off even after destroy: %v", name, err)
		}
	}

	st.UpdateVMState(name, types.VMStateStopped)
	m.logger.Info().Str("vm", name).Msg("domain stopped")
	return nil
}

// Destroy undefines a stopped or merely defined VM and drops it from
// cluster state. A running VM is refused; the caller stops it first so
// guest filesystems quiesce. Resource release (volumes, GPUs) is the
// orchestrator's responsibility once the domain is gone.
func (m *Manager) Destroy(st *types.ClusterState, name string) error {
	info := st.VM(name)
	if info == nil {
		return nil
	}
	if info.State == types.VMStateRunning {
		return errdefs.Validation("cannot destroy running VM %s, stop it first", name)
	}

	dom, err := m.hv.DomainByName(name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			st.UpdateVMState(name, types.VMStateUndefined)
			return nil
		}
		return err
	}

	// the recorded state may be stale, re-check against the hypervisor
	hvState, err := m.hv.DomainState(dom)
	if err != nil {
		return err
	}
	if hvState == int32(libvirt.DomainRunning) {
		return errdefs.Validation("cannot destroy running VM %s, stop it first", name)
	}

	if err := m.hv.UndefineDomain(dom); err != nil && !errdefs.IsNotFound(err) {
		return err
	}

	st.UpdateVMState(name, types.VMStateUndefined)
	m.logger.Info().Str("vm", name).Msg("domain undefined")
	return nil
}

// Status reads a VM's live state from the hypervisor without touching
// recorded state. A missing domain reports as undefined.
func (m *Manager) Status(name string) (types.VMState, error) {
	dom, err := m.hv.DomainByName(name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.VMStateUndefined, nil
		}
		return types.VMStateUndefined, err
	}
	hvState, err := m.hv.DomainState(dom)
	if err != nil {
		return types.VMStateUndefined, err
	}
	switch hvState {
	case int32(libvirt.DomainRunning):
		return types.VMStateRunning, nil
	case int32(libvirt.DomainShutoff):
		return types.VMStateStopped, nil
	default:
		return types.VMStateDefined, nil
	}
}

// waitForState polls the domain until it reports the target state, the
// timeout expires, or the context is canceled.
func (m *Manager) waitForState(ctx context.Context, dom libvirt.Domain, target int32, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()

	for {
		hvState, err := m.hv.DomainState(dom)
		if err != nil {
			return err
		}
		if hvState == target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errdefs.Timeout("domain %s stuck in state %d", dom.Name, hvState)
		case <-tick.C:
		}
	}
}
