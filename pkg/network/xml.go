package network

import (
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"net"

	"github.com/idoudali/ai-how/pkg/types"
)

// libvirt network definition document
type networkXML struct {
	XMLName xml.Name   `xml:"network"`
	Name    string     `xml:"name"`
	Bridge  bridgeXML  `xml:"bridge"`
	Forward forwardXML `xml:"forward"`
	IP      ipXML      `xml:"ip"`
}

type bridgeXML struct {
	Name  string `xml:"name,attr"`
	STP   string `xml:"stp,attr"`
	Delay string `xml:"delay,attr"`
}

type forwardXML struct {
	Mode string `xml:"mode,attr"`
}

type ipXML struct {
	Address string   `xml:"address,attr"`
	Netmask string   `xml:"netmask,attr"`
	DHCP    *dhcpXML `xml:"dhcp,omitempty"`
}

type dhcpXML struct {
	Range rangeXML  `xml:"range"`
	Hosts []hostXML `xml:"host"`
}

type rangeXML struct {
	Start string `xml:"start,attr"`
	End   string `xml:"end,attr"`
}

type hostXML struct {
	MAC  string `xml:"mac,attr"`
	Name string `xml:"name,attr"`
	IP   string `xml:"ip,attr"`
}

// MACForVM derives a stable locally-administered MAC address from a VM name.
// The 52:54:00 prefix is the conventional KVM OUI; the low three octets come
// from a hash of the name so re-provisioning a VM keeps its DHCP reservation.
func MACForVM(name string) string {
	sum := sha256.Sum256([]byte(name))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

// buildNetworkXML renders the libvirt definition for a NAT network with
// static DHCP reservations for every node that declares an address.
func buildNetworkXML(info *types.NetworkInfo, netmask string, nodes []types.NodeSpec) (string, error) {
	doc := networkXML{
		Name:    info.Name,
		Bridge:  bridgeXML{Name: info.Bridge, STP: "on", Delay: "0"},
		Forward: forwardXML{Mode: "nat"},
		IP: ipXML{
			Address: info.Gateway,
			Netmask: netmask,
			DHCP: &dhcpXML{
				Range: rangeXML{Start: info.DHCPStart, End: info.DHCPEnd},
			},
		},
	}
	for _, node := range nodes {
		if node.IPAddress == "" {
			continue
		}
		doc.IP.DHCP.Hosts = append(doc.IP.DHCP.Hosts, hostXML{
			MAC:  MACForVM(node.Name),
			Name: node.Name,
			IP:   node.IPAddress,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to render network definition: %w", err)
	}
	return string(out), nil
}

// netmaskString renders an IPNet's mask in dotted-quad form.
func netmaskString(ipnet *net.IPNet) string {
	mask := ipnet.Mask
	if len(mask) != 4 {
		mask = mask[len(mask)-4:]
	}
	return net.IPv4(mask[0], mask[1], mask[2], mask[3]).String()
}
