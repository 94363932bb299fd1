// Package network manages the isolated NAT network each cluster runs on.
//
// A cluster gets one libvirt network with its own bridge, gateway, and DHCP
// range. Nodes with declared addresses receive static DHCP reservations
// keyed by a MAC derived deterministically from the VM name, so a rebuilt
// VM comes back with the same address without touching guest images.
//
// Subnet overlap and bridge reuse are checked against every recorded
// cluster under the store-wide registry lock before anything is created,
// which keeps two concurrent provisions from both passing the same check.
package network
