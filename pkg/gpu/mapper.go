package gpu

import (
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/log"
	"github.com/idoudali/ai-how/pkg/pci"
	"github.com/idoudali/ai-how/pkg/types"
)

// vendorIDs maps the GPU type names accepted in cluster specs to PCI vendor
// IDs as sysfs reports them.
var vendorIDs = map[string]string{
	"nvidia": "0x10de",
	"amd":    "0x1002",
	"intel":  "0x8086",
}

// Validator checks host and device passthrough eligibility.
type Validator interface {
	ValidateHost() error
	ValidateDevice(addr string) error
	Discover() ([]pci.Device, error)
}

// Registry exposes every cluster's persisted state so assignments can be
// checked and claimed globally.
type Registry interface {
	LoadAll() ([]*types.ClusterState, error)
	Save(st *types.ClusterState) error
	WithRegistryLock(fn func() error) error
}

// Mapper assigns physical GPUs to VMs. A device is held by at most one VM
// across all clusters; assignments are recorded in cluster state and
// re-checked against every recorded cluster under the registry lock, so the
// whole selection is all-or-nothing.
type Mapper struct {
	validator Validator
	registry  Registry
	logger    zerolog.Logger
}

// NewMapper creates a GPU mapper.
func NewMapper(validator Validator, registry Registry) *Mapper {
	return &Mapper{
		validator: validator,
		registry:  registry,
		logger:    log.WithComponent("gpu"),
	}
}

// Acquire selects count passthrough-eligible GPUs of the given type for a
// VM and checkpoints the assignment into st before returning, still inside
// the registry-lock critical section. A later Acquire, in this process or
// another, therefore always sees the claim. Either all requested devices
// are granted or none: a partial grant would leave the VM unbootable with
// devices reserved. Addresses already recorded against any VM of any
// cluster are excluded.
func (m *Mapper) Acquire(st *types.ClusterState, vmName, gpuType string, count int) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	vendor, ok := vendorIDs[gpuType]
	if !ok {
		return nil, errdefs.Validation("unknown gpu type %q, expected one of %v", gpuType, lo.Keys(vendorIDs))
	}

	if err := m.validator.ValidateHost(); err != nil {
		return nil, err
	}

	var selected []string
	err := m.registry.WithRegistryLock(func() error {
		inUse, err := m.assignedAddresses()
		if err != nil {
			return err
		}
		// the in-flight state may hold claims not yet on disk
		for _, addr := range st.GPUAddresses() {
			if _, taken := inUse[addr]; !taken {
				inUse[addr] = st.ClusterName
			}
		}

		devices, err := m.validator.Discover()
		if err != nil {
			return err
		}

		var lastErr error
		for _, dev := range devices {
			if len(selected) == count {
				break
			}
			if !dev.IsDisplayController() || dev.Vendor != vendor {
				continue
			}
			if owner, taken := inUse[dev.Address]; taken {
				m.logger.Debug().Str("address", dev.Address).Str("owner", owner).Msg("gpu already assigned")
				continue
			}
			if err := m.validator.ValidateDevice(dev.Address); err != nil {
				lastErr = err
				continue
			}
			selected = append(selected, dev.Address)
		}

		if len(selected) < count {
			if lastErr != nil {
				return errdefs.Conflict(
					"need %d free %s gpus for VM %s but only %d are eligible (last failure: %v)",
					count, gpuType, vmName, len(selected), lastErr)
			}
			return errdefs.Conflict(
				"need %d free %s gpus for VM %s but only %d are available",
				count, gpuType, vmName, len(selected))
		}

		vm := st.VM(vmName)
		if vm == nil {
			vm = &types.VMInfo{Name: vmName, State: types.VMStateUndefined}
		}
		vm.GPUAddresses = selected
		st.PutVM(vm)
		return m.registry.Save(st)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().Str("vm", vmName).Strs("addresses", selected).Msg("gpus acquired")
	return selected, nil
}

// Release clears a VM's GPU claim and checkpoints the cluster state so the
// devices are immediately visible as free. A claim that never made it to a
// defined domain loses its placeholder record too. The devices themselves
// stay bound to vfio-pci; only the reservation is dropped.
func (m *Mapper) Release(st *types.ClusterState, vmName string) error {
	vm := st.VM(vmName)
	if vm == nil || len(vm.GPUAddresses) == 0 {
		return nil
	}

	addrs := vm.GPUAddresses
	return m.registry.WithRegistryLock(func() error {
		vm.GPUAddresses = nil
		if vm.State == types.VMStateUndefined && vm.DomainUUID == "" {
			st.RemoveVM(vmName)
		}
		st.Touch()
		if err := m.registry.Save(st); err != nil {
			return err
		}
		m.logger.Info().Str("vm", vmName).Strs("addresses", addrs).Msg("gpus released")
		return nil
	})
}

// assignedAddresses collects every GPU address recorded in any cluster's
// state, mapped to the holding VM.
func (m *Mapper) assignedAddresses() (map[string]string, error) {
	states, err := m.registry.LoadAll()
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]string)
	for _, st := range states {
		for _, vm := range st.VMs {
			for _, addr := range vm.GPUAddresses {
				inUse[addr] = st.ClusterName + "/" + vm.Name
			}
		}
	}
	return inUse, nil
}
