package types

import (
	"bytes"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/idoudali/ai-how/pkg/errdefs"
)

// ClusterKind selects the flavor of cluster being provisioned.
type ClusterKind string

const (
	// ClusterKindHPC provisions a SLURM-style cluster (controller + compute nodes).
	ClusterKindHPC ClusterKind = "hpc"

	// ClusterKindCloud provisions a Kubernetes-style cluster (control plane + workers).
	ClusterKindCloud ClusterKind = "cloud"
)

// ClusterSpec is the desired state of a cluster. It is immutable once loaded;
// all validation happens in Validate before any provisioning begins.
type ClusterSpec struct {
	Name         string        `yaml:"name"`
	Kind         ClusterKind   `yaml:"kind"`
	Network      NetworkConfig `yaml:"network"`
	Controller   NodeSpec      `yaml:"controller"`
	ComputeNodes []NodeSpec    `yaml:"compute_nodes"`
}

// NodeSpec describes a single VM to be provisioned.
type NodeSpec struct {
	Name      string `yaml:"name"`
	IPAddress string `yaml:"ip_address,omitempty"`
	BaseImage string `yaml:"base_image"`
	CPUCores  int    `yaml:"cpu_cores"`
	MemoryGB  int    `yaml:"memory_gb"`
	DiskGB    int    `yaml:"disk_gb"`
	HasGPU    bool   `yaml:"has_gpu,omitempty"`
	GPUType   string `yaml:"gpu_type,omitempty"`
	GPUCount  int    `yaml:"gpu_count,omitempty"`
}

// NetworkConfig describes the isolated virtual network shared by all nodes
// of one cluster.
type NetworkConfig struct {
	Name      string    `yaml:"name"`
	Bridge    string    `yaml:"bridge"`
	Subnet    string    `yaml:"subnet"`
	DHCPRange DHCPRange `yaml:"dhcp_range"`
}

// DHCPRange bounds the addresses the network's DHCP server hands out.
type DHCPRange struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// LoadClusterSpec reads and validates a cluster spec from a YAML file.
func LoadClusterSpec(path string) (*ClusterSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster spec: %w", err)
	}

	var spec ClusterSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, errdefs.Validation("failed to parse cluster spec %s: %v", path, err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}

// Nodes returns the controller followed by all compute nodes, in provisioning
// order.
func (s *ClusterSpec) Nodes() []NodeSpec {
	nodes := make([]NodeSpec, 0, len(s.ComputeNodes)+1)
	nodes = append(nodes, s.Controller)
	nodes = append(nodes, s.ComputeNodes...)
	return nodes
}

// Node returns the node spec with the given name, if present.
func (s *ClusterSpec) Node(name string) (NodeSpec, bool) {
	for _, n := range s.Nodes() {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// RoleOf reports the role a node plays in this cluster.
func (s *ClusterSpec) RoleOf(name string) string {
	if name == s.Controller.Name {
		return "controller"
	}
	return "compute"
}

// Validate checks the spec invariants: unique node names, a valid non-empty
// subnet, a DHCP range contained in the subnet, and well-formed node sizing.
func (s *ClusterSpec) Validate() error {
	if s.Name == "" {
		return errdefs.Validation("cluster name must not be empty")
	}

	switch s.Kind {
	case ClusterKindHPC, ClusterKindCloud:
	case "":
		return errdefs.Validation("cluster kind must be set (hpc or cloud)")
	default:
		return errdefs.Validation("unknown cluster kind %q", s.Kind)
	}

	if err := s.Network.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, node := range s.Nodes() {
		if node.Name == "" {
			return errdefs.Validation("node name must not be empty")
		}
		if seen[node.Name] {
			return errdefs.Validation("duplicate node name %q", node.Name)
		}
		seen[node.Name] = true

		if err := node.Validate(); err != nil {
			return err
		}

		if node.IPAddress != "" {
			if err := s.Network.containsIP(node.IPAddress); err != nil {
				return fmt.Errorf("node %s: %w", node.Name, err)
			}
		}
	}

	return nil
}

// Validate checks per-node sizing and the GPU request shape.
func (n *NodeSpec) Validate() error {
	if n.BaseImage == "" {
		return errdefs.Validation("node %s: base_image must be set", n.Name)
	}
	if n.CPUCores <= 0 {
		return errdefs.Validation("node %s: cpu_cores must be positive, got %d", n.Name, n.CPUCores)
	}
	if n.MemoryGB <= 0 {
		return errdefs.Validation("node %s: memory_gb must be positive, got %d", n.Name, n.MemoryGB)
	}
	if n.DiskGB <= 0 {
		return errdefs.Validation("node %s: disk_gb must be positive, got %d", n.Name, n.DiskGB)
	}
	if n.GPUCount < 0 {
		return errdefs.Validation("node %s: gpu_count must not be negative, got %d", n.Name, n.GPUCount)
	}
	if n.HasGPU {
		if n.GPUType == "" {
			return errdefs.Validation("node %s: gpu_type must be set when has_gpu is true", n.Name)
		}
		if n.GPUCount == 0 {
			return errdefs.Validation("node %s: gpu_count must be positive when has_gpu is true", n.Name)
		}
	}
	return nil
}

// Validate checks the network invariants: valid CIDR subnet, DHCP range
// within the subnet, start not after end.
func (c *NetworkConfig) Validate() error {
	if c.Name == "" {
		return errdefs.Validation("network name must not be empty")
	}
	if c.Bridge == "" {
		return errdefs.Validation("network bridge must not be empty")
	}
	if c.Subnet == "" {
		return errdefs.Validation("network subnet must not be empty")
	}

	_, ipnet, err := net.ParseCIDR(c.Subnet)
	if err != nil {
		return errdefs.Validation("invalid subnet %q: %v", c.Subnet, err)
	}

	// an omitted range is derived from the subnet at provisioning time
	if c.DHCPRange.Start == "" && c.DHCPRange.End == "" {
		return nil
	}

	start := net.ParseIP(c.DHCPRange.Start)
	if start == nil {
		return errdefs.Validation("invalid dhcp range start %q", c.DHCPRange.Start)
	}
	end := net.ParseIP(c.DHCPRange.End)
	if end == nil {
		return errdefs.Validation("invalid dhcp range end %q", c.DHCPRange.End)
	}
	if !ipnet.Contains(start) {
		return errdefs.Validation("dhcp range start %s outside subnet %s", start, c.Subnet)
	}
	if !ipnet.Contains(end) {
		return errdefs.Validation("dhcp range end %s outside subnet %s", end, c.Subnet)
	}
	if bytes.Compare(start.To16(), end.To16()) > 0 {
		return errdefs.Validation("dhcp range start %s is after end %s", start, end)
	}

	return nil
}

func (c *NetworkConfig) containsIP(addr string) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return errdefs.Validation("invalid ip address %q", addr)
	}
	_, ipnet, err := net.ParseCIDR(c.Subnet)
	if err != nil {
		return errdefs.Validation("invalid subnet %q: %v", c.Subnet, err)
	}
	if !ipnet.Contains(ip) {
		return errdefs.Validation("ip address %s outside subnet %s", addr, c.Subnet)
	}
	return nil
}
