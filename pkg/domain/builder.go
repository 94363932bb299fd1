package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/types"
)

// BuildInput carries everything a domain definition is derived from.
type BuildInput struct {
	Node         types.NodeSpec
	Volume       *types.VolumeInfo
	Network      *types.NetworkInfo
	MAC          string
	GPUAddresses []string
}

// Definition is a rendered domain document plus the checksum recorded in
// cluster state, used later to detect drift between the stored definition
// and what the hypervisor is actually running.
type Definition struct {
	XML      string
	Checksum string
}

// Build renders the libvirt domain definition for one VM. It is a pure
// function of its input: the same input yields byte-identical XML and
// therefore the same checksum.
func Build(in BuildInput) (*Definition, error) {
	if in.Volume == nil {
		return nil, errdefs.Validation("node %s has no volume to boot from", in.Node.Name)
	}
	if in.Network == nil {
		return nil, errdefs.Validation("node %s has no network to attach to", in.Node.Name)
	}

	doc := domainXML{
		Type:   "kvm",
		Name:   in.Node.Name,
		Memory: memoryXML{Unit: "GiB", Value: uint64(in.Node.MemoryGB)},
		VCPU:   uint(in.Node.CPUCores),
		OS: osXML{
			Type: osTypeXML{Arch: "x86_64", Machine: "q35", Value: "hvm"},
			Boot: bootXML{Dev: "hd"},
		},
		Features: featuresXML{ACPI: &struct{}{}, APIC: &struct{}{}},
		CPU:      cpuXML{Mode: "host-passthrough"},
		Devices: devicesXML{
			Disks: []diskXML{{
				Type:   "file",
				Device: "disk",
				Driver: diskDriverXML{Name: "qemu", Type: "qcow2"},
				Source: diskSourceXML{File: in.Volume.Path},
				Target: diskTargetXML{Dev: "vda", Bus: "virtio"},
			}},
			Interfaces: []interfaceXML{{
				Type:   "network",
				MAC:    macXML{Address: in.MAC},
				Source: interfaceSourceXML{Network: in.Network.Name},
				Model:  modelXML{Type: "virtio"},
			}},
			Console: &consoleXML{Type: "pty", Target: consoleTargetXML{Type: "serial", Port: "0"}},
		},
	}

	for _, addr := range in.GPUAddresses {
		hostdev, err := hostdevFor(addr)
		if err != nil {
			return nil, err
		}
		doc.Devices.Hostdevs = append(doc.Devices.Hostdevs, hostdev)
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render domain definition for %s: %w", in.Node.Name, err)
	}

	sum := sha256.Sum256(out)
	return &Definition{
		XML:      string(out),
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// hostdevFor turns a PCI address into a managed passthrough device entry.
func hostdevFor(addr string) (hostdevXML, error) {
	parts := strings.FieldsFunc(addr, func(r rune) bool { return r == ':' || r == '.' })
	if len(parts) != 4 {
		return hostdevXML{}, errdefs.Validation("invalid PCI address %q in gpu assignment", addr)
	}
	for _, part := range parts {
		if _, err := strconv.ParseUint(part, 16, 16); err != nil {
			return hostdevXML{}, errdefs.Validation("invalid PCI address %q in gpu assignment", addr)
		}
	}
	return hostdevXML{
		Mode:    "subsystem",
		Type:    "pci",
		Managed: "yes",
		Source: hostdevSourceXML{
			Address: pciAddressXML{
				Domain:   "0x" + parts[0],
				Bus:      "0x" + parts[1],
				Slot:     "0x" + parts[2],
				Function: "0x" + parts[3],
			},
		},
	}, nil
}
