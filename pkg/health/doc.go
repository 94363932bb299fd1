// Package health probes guest VMs for reachability. A running domain says
// nothing about whether the guest OS has finished booting; probing the SSH
// port, or the API server port on cloud controllers, closes that gap.
package health
