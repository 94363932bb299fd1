// Package pci validates host readiness for PCIe device passthrough.
//
// The validator is strictly read-only. It checks the kernel command line for
// IOMMU support, the loaded module list for the VFIO stack, and each
// candidate device for vfio-pci driver binding and IOMMU group isolation.
// When a check fails it names the condition and the remediation; it never
// rebinds drivers or rewrites kernel parameters itself.
//
// All reads go through an afero.Fs so tests can assemble a synthetic sysfs
// and procfs in memory.
package pci
