// Package gpu assigns physical GPUs to VMs for PCIe passthrough.
//
// Assignment is exclusive across every cluster on the host: the mapper
// scans all recorded cluster states under the registry lock before granting
// devices, and a request is satisfied in full or not at all. Host readiness
// and per-device eligibility come from the pci validator; the mapper never
// rebinds drivers or touches sysfs itself.
package gpu
