package network

import (
	"context"
	"encoding/xml"
	"net"
	"strings"
	"time"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/log"
	"github.com/idoudali/ai-how/pkg/types"
)

// Hypervisor is the slice of the hypervisor client the network manager
// drives.
type Hypervisor interface {
	CreateNetwork(xml string) (libvirt.Network, error)
	NetworkByName(name string) (libvirt.Network, error)
	NetworkXML(net libvirt.Network) (string, error)
	DestroyNetwork(net libvirt.Network) error
	DHCPLeases(net libvirt.Network) ([]libvirt.NetworkDhcpLease, error)
}

// Registry exposes the persisted state of every cluster for cross-cluster
// invariant checks and claims.
type Registry interface {
	LoadAll() ([]*types.ClusterState, error)
	Save(st *types.ClusterState) error
	WithRegistryLock(fn func() error) error
}

// Manager creates and tears down cluster networks. EnsureNetwork is
// idempotent; conflicting definitions for the same name, or subnet and
// bridge collisions with any other recorded cluster, are refused up front.
type Manager struct {
	hv       Hypervisor
	registry Registry
	logger   zerolog.Logger
}

// NewManager creates a network manager.
func NewManager(hv Hypervisor, registry Registry) *Manager {
	return &Manager{
		hv:       hv,
		registry: registry,
		logger:   log.WithComponent("network"),
	}
}

// EnsureNetwork creates the cluster's network if it does not exist,
// records it in st inside the registry-lock critical section so concurrent
// provisions see the subnet and bridge as taken, and returns its
// description. Calling it again with the same spec is a no-op returning
// the existing network; calling it with a different subnet or bridge for
// the same name is a conflict.
func (m *Manager) EnsureNetwork(st *types.ClusterState, spec *types.ClusterSpec) (*types.NetworkInfo, error) {
	cfg := spec.Network
	_, ipnet, err := net.ParseCIDR(cfg.Subnet)
	if err != nil {
		return nil, errdefs.Validation("invalid subnet %q for network %s: %v", cfg.Subnet, cfg.Name, err)
	}

	info, err := m.describe(cfg, ipnet)
	if err != nil {
		return nil, err
	}

	current := st.Network(cfg.Name)
	if current != nil {
		if current.Subnet != info.Subnet || current.Bridge != info.Bridge {
			return nil, errdefs.Conflict(
				"network %s is recorded with subnet %s on bridge %s but the spec now asks for subnet %s on bridge %s",
				cfg.Name, current.Subnet, current.Bridge, info.Subnet, info.Bridge)
		}
		lvNet, err := m.hv.NetworkByName(cfg.Name)
		if err == nil {
			if err := m.checkLiveDefinition(lvNet, current); err != nil {
				return nil, err
			}
			m.logger.Debug().Str("network", cfg.Name).Msg("network already active")
			return current, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
		// recorded but gone from the hypervisor, recreate below
	}

	err = m.registry.WithRegistryLock(func() error {
		// a fresh claim must clear the collision checks; a recreate
		// already holds the recorded claim
		if current == nil {
			if err := m.checkCollisions(spec.Name, cfg, ipnet); err != nil {
				return err
			}
		}

		xmlDef, err := buildNetworkXML(info, netmaskString(ipnet), spec.Nodes())
		if err != nil {
			return err
		}
		lvNet, err := m.hv.CreateNetwork(xmlDef)
		if err != nil {
			return err
		}

		info.UUID = formatUUID(lvNet.UUID)
		info.Active = true
		info.CreatedAt = time.Now().UTC()

		st.RemoveNetwork(info.Name)
		st.Networks = append(st.Networks, info)
		return m.registry.Save(st)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("network", info.Name).
		Str("subnet", info.Subnet).
		Str("bridge", info.Bridge).
		Msg("network created")
	return info, nil
}

// checkLiveDefinition compares the hypervisor's view of a network against
// the recorded one. A bridge rename behind our back means the definition
// was changed out of band.
func (m *Manager) checkLiveDefinition(lvNet libvirt.Network, recorded *types.NetworkInfo) error {
	raw, err := m.hv.NetworkXML(lvNet)
	if err != nil {
		return err
	}
	var live networkXML
	if err := xml.Unmarshal([]byte(raw), &live); err != nil {
		return errdefs.Corruption("unparseable definition for network %s: %v", recorded.Name, err)
	}
	if live.Bridge.Name != recorded.Bridge {
		return errdefs.Conflict(
			"network %s runs on bridge %s but is recorded on bridge %s",
			recorded.Name, live.Bridge.Name, recorded.Bridge)
	}
	return nil
}

// WaitForLease polls the network's DHCP leases until the given MAC holds
// one, and returns the leased address. Used for nodes without a static
// reservation, whose addresses are only known once the guest asks for one.
func (m *Manager) WaitForLease(ctx context.Context, name, mac string, interval time.Duration) (string, error) {
	lvNet, err := m.hv.NetworkByName(name)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		leases, err := m.hv.DHCPLeases(lvNet)
		if err != nil {
			return "", err
		}
		for _, lease := range leases {
			if len(lease.Mac) > 0 && strings.EqualFold(lease.Mac[0], mac) {
				return lease.Ipaddr, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", errdefs.Timeout("no DHCP lease for %s on network %s: %v", mac, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ReleaseNetwork tears down the cluster's network. It refuses while any VM
// in the cluster is still recorded against it, and treats an already-absent
// network as released.
func (m *Manager) ReleaseNetwork(st *types.ClusterState, name string) error {
	for _, vm := range st.VMs {
		if vm.State == types.VMStateRunning || vm.State == types.VMStateDefined {
			return errdefs.Conflict("network %s is still in use by VM %s", name, vm.Name)
		}
	}

	lvNet, err := m.hv.NetworkByName(name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			st.RemoveNetwork(name)
			return nil
		}
		return err
	}
	if err := m.hv.DestroyNetwork(lvNet); err != nil && !errdefs.IsNotFound(err) {
		return err
	}

	st.RemoveNetwork(name)
	m.logger.Info().Str("network", name).Msg("network released")
	return nil
}

// describe derives the gateway and DHCP range for a subnet. The gateway is
// the first usable host address. An explicit DHCP range in the spec wins;
// otherwise the upper half of the subnet is handed to dynamic leases,
// leaving the lower half for static reservations.
func (m *Manager) describe(cfg types.NetworkConfig, ipnet *net.IPNet) (*types.NetworkInfo, error) {
	gateway, err := cidr.Host(ipnet, 1)
	if err != nil {
		return nil, errdefs.Validation("subnet %s is too small for network %s", cfg.Subnet, cfg.Name)
	}

	start, end := cfg.DHCPRange.Start, cfg.DHCPRange.End
	if start == "" || end == "" {
		count := cidr.AddressCount(ipnet)
		startIP, err := cidr.Host(ipnet, int(count/2))
		if err != nil {
			return nil, errdefs.Validation("subnet %s is too small for network %s", cfg.Subnet, cfg.Name)
		}
		endIP, err := cidr.Host(ipnet, int(count-2))
		if err != nil {
			return nil, errdefs.Validation("subnet %s is too small for network %s", cfg.Subnet, cfg.Name)
		}
		start, end = startIP.String(), endIP.String()
	}

	return &types.NetworkInfo{
		Name:      cfg.Name,
		Bridge:    cfg.Bridge,
		Subnet:    ipnet.String(),
		Gateway:   gateway.String(),
		DHCPStart: start,
		DHCPEnd:   end,
	}, nil
}

// checkCollisions scans every recorded cluster for subnet overlap or bridge
// reuse. Runs under the registry lock.
func (m *Manager) checkCollisions(clusterName string, cfg types.NetworkConfig, ipnet *net.IPNet) error {
	states, err := m.registry.LoadAll()
	if err != nil {
		return err
	}
	for _, other := range states {
		if other.ClusterName == clusterName {
			continue
		}
		for _, rec := range other.Networks {
			if rec.Bridge == cfg.Bridge {
				return errdefs.Conflict(
					"bridge %s is already used by network %s of cluster %s",
					cfg.Bridge, rec.Name, other.ClusterName)
			}
			_, otherNet, err := net.ParseCIDR(rec.Subnet)
			if err != nil {
				continue
			}
			if subnetsOverlap(ipnet, otherNet) {
				return errdefs.Conflict(
					"subnet %s overlaps %s used by network %s of cluster %s",
					ipnet, rec.Subnet, rec.Name, other.ClusterName)
			}
		}
	}
	return nil
}

func subnetsOverlap(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// formatUUID renders a raw libvirt UUID in canonical form.
func formatUUID(raw libvirt.UUID) string {
	return uuid.UUID(raw).String()
}
