package types

import (
	"sort"
	"sync"
	"time"
)

// SchemaVersion is the current on-disk cluster state schema. State files
// carrying a different version fail loading with a corruption error rather
// than being partially interpreted.
const SchemaVersion = "2.0"

// ClusterStatus is the cluster-level lifecycle state.
type ClusterStatus string

const (
	ClusterStatusNotStarted   ClusterStatus = "not_started"
	ClusterStatusProvisioning ClusterStatus = "provisioning"
	ClusterStatusRunning      ClusterStatus = "running"
	ClusterStatusStopping     ClusterStatus = "stopping"
	ClusterStatusStopped      ClusterStatus = "stopped"
	ClusterStatusDestroying   ClusterStatus = "destroying"
	ClusterStatusFailed       ClusterStatus = "failed"
)

// VMState is the per-VM lifecycle state.
//
// The legal machine is UNDEFINED -> DEFINED -> RUNNING <-> STOPPED ->
// UNDEFINED; UNDEFINED is terminal, after which the name may be reused.
type VMState string

const (
	VMStateUndefined VMState = "undefined"
	VMStateDefined   VMState = "defined"
	VMStateRunning   VMState = "running"
	VMStateStopped   VMState = "stopped"
)

// VMInfo records the observed state of one VM. Created when the domain is
// first defined, updated on every lifecycle transition, removed when the
// domain is undefined during teardown or rollback.
type VMInfo struct {
	Name               string    `json:"name"`
	DomainUUID         string    `json:"domain_uuid"`
	State              VMState   `json:"state"`
	Role               string    `json:"role"` // controller, compute, worker
	IPAddress          string    `json:"ip_address,omitempty"`
	GPUAddresses       []string  `json:"gpu_addresses,omitempty"`
	VolumeName         string    `json:"volume_name"`
	DefinitionChecksum string    `json:"definition_checksum"`
	CreatedAt          time.Time `json:"created_at"`
	LastModified       time.Time `json:"last_modified"`
}

// NetworkInfo records an observed virtual network.
type NetworkInfo struct {
	Name      string    `json:"name"`
	UUID      string    `json:"uuid,omitempty"`
	Bridge    string    `json:"bridge"`
	Subnet    string    `json:"subnet"`
	Gateway   string    `json:"gateway"`
	DHCPStart string    `json:"dhcp_start"`
	DHCPEnd   string    `json:"dhcp_end"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// StoragePoolInfo records an observed storage pool.
type StoragePoolInfo struct {
	Name        string    `json:"name"`
	UUID        string    `json:"uuid,omitempty"`
	Path        string    `json:"path"`
	Type        string    `json:"type"`
	CapacityGB  uint64    `json:"capacity_gb"`
	AvailableGB uint64    `json:"available_gb"`
	CreatedAt   time.Time `json:"created_at"`
}

// VolumeInfo records an observed per-VM overlay volume backed by a shared
// base image.
type VolumeInfo struct {
	Name      string    `json:"name"`
	Pool      string    `json:"pool"`
	Path      string    `json:"path"`
	SizeGB    uint64    `json:"size_gb"`
	Format    string    `json:"format"`
	BaseImage string    `json:"base_image"`
	CreatedAt time.Time `json:"created_at"`
}

// ClusterState is the authoritative observed state of one cluster. It is
// plain data owned by the state store; managers receive it as an explicit
// parameter and never hold references back into the store.
type ClusterState struct {
	// guards the VM map during parallel node fan-out; the slices are only
	// touched from serialized phases
	mu sync.RWMutex

	SchemaVersion  string             `json:"schema_version"`
	ClusterName    string             `json:"cluster_name"`
	Kind           ClusterKind        `json:"kind"`
	Status         ClusterStatus      `json:"status"`
	VMs            map[string]*VMInfo `json:"vms"`
	Networks       []*NetworkInfo     `json:"networks"`
	Pools          []*StoragePoolInfo `json:"pools"`
	Volumes        []*VolumeInfo      `json:"volumes"`
	CreatedAt      time.Time          `json:"created_at"`
	CheckpointedAt time.Time          `json:"checkpointed_at"`
}

// NewClusterState creates an empty state for a cluster that has not been
// provisioned yet.
func NewClusterState(name string, kind ClusterKind) *ClusterState {
	now := time.Now()
	return &ClusterState{
		SchemaVersion:  SchemaVersion,
		ClusterName:    name,
		Kind:           kind,
		Status:         ClusterStatusNotStarted,
		VMs:            make(map[string]*VMInfo),
		CreatedAt:      now,
		CheckpointedAt: now,
	}
}

// Lock takes the state's write lock. Held by the store while serializing
// so a checkpoint never observes a half-applied VM update.
func (s *ClusterState) Lock() { s.mu.Lock() }

// Unlock releases the state's write lock.
func (s *ClusterState) Unlock() { s.mu.Unlock() }

// Touch updates the checkpoint timestamp.
func (s *ClusterState) Touch() {
	s.CheckpointedAt = time.Now()
}

// VM returns the VMInfo for name, or nil.
func (s *ClusterState) VM(name string) *VMInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.VMs[name]
}

// PutVM inserts or replaces a VM record.
func (s *ClusterState) PutVM(vm *VMInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.VMs == nil {
		s.VMs = make(map[string]*VMInfo)
	}
	vm.LastModified = time.Now()
	s.VMs[vm.Name] = vm
}

// RemoveVM deletes a VM record. It reports whether the record existed.
func (s *ClusterState) RemoveVM(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.VMs[name]; !ok {
		return false
	}
	delete(s.VMs, name)
	return true
}

// VMNames returns the recorded VM names, sorted.
func (s *ClusterState) VMNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.VMs))
	for name := range s.VMs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Network returns the NetworkInfo for name, or nil.
func (s *ClusterState) Network(name string) *NetworkInfo {
	for _, n := range s.Networks {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// RemoveNetwork deletes a network record by name.
func (s *ClusterState) RemoveNetwork(name string) {
	for i, n := range s.Networks {
		if n.Name == name {
			s.Networks = append(s.Networks[:i], s.Networks[i+1:]...)
			return
		}
	}
}

// Pool returns the StoragePoolInfo for name, or nil.
func (s *ClusterState) Pool(name string) *StoragePoolInfo {
	for _, p := range s.Pools {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// RemovePool deletes a pool record by name.
func (s *ClusterState) RemovePool(name string) {
	for i, p := range s.Pools {
		if p.Name == name {
			s.Pools = append(s.Pools[:i], s.Pools[i+1:]...)
			return
		}
	}
}

// Volume returns the VolumeInfo for name, or nil.
func (s *ClusterState) Volume(name string) *VolumeInfo {
	for _, v := range s.Volumes {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// RemoveVolume deletes a volume record by name. It reports whether the
// record existed.
func (s *ClusterState) RemoveVolume(name string) bool {
	for i, v := range s.Volumes {
		if v.Name == name {
			s.Volumes = append(s.Volumes[:i], s.Volumes[i+1:]...)
			return true
		}
	}
	return false
}

// GPUAddresses returns every GPU PCI address assigned to any VM of this
// cluster.
func (s *ClusterState) GPUAddresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var addrs []string
	for _, vm := range s.VMs {
		addrs = append(addrs, vm.GPUAddresses...)
	}
	return addrs
}

// UpdateVMState transitions a VM record to newState and stamps it.
func (s *ClusterState) UpdateVMState(name string, newState VMState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm := s.VMs[name]
	if vm == nil {
		return false
	}
	vm.State = newState
	vm.LastModified = time.Now()
	return true
}
