package pci

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/log"
)

const (
	sysDevicesPath = "/sys/bus/pci/devices"
	procCmdline    = "/proc/cmdline"
	procModules    = "/proc/modules"

	vfioDriver = "vfio-pci"

	// PCI class prefix for display controllers
	displayClassPrefix = "0x03"
)

// addrPattern matches a full PCI address, domain:bus:device.function.
var addrPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-7]$`)

// conflictingDrivers are host GPU drivers that keep a device from being
// detached for passthrough.
var conflictingDrivers = map[string]bool{
	"nvidia":  true,
	"nouveau": true,
	"radeon":  true,
	"amdgpu":  true,
}

// vfioModules must all be loaded for passthrough to work.
var vfioModules = []string{"vfio", "vfio_pci", "vfio_iommu_type1"}

// Device describes one PCI device as read from sysfs.
type Device struct {
	Address string
	Vendor  string
	Device  string
	Class   string
	Driver  string
}

// IsDisplayController reports whether the device's PCI class marks it as a
// GPU or other display device.
func (d Device) IsDisplayController() bool {
	return strings.HasPrefix(d.Class, displayClassPrefix)
}

// Validator performs read-only host and device checks for PCIe passthrough.
// All filesystem access goes through the supplied afero.Fs so tests can run
// against a synthetic sysfs.
type Validator struct {
	fs     afero.Fs
	logger zerolog.Logger
}

// NewValidator creates a validator over the given filesystem. A nil fs
// uses the host filesystem.
func NewValidator(fs afero.Fs) *Validator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Validator{
		fs:     fs,
		logger: log.WithComponent("pci"),
	}
}

// ValidateHost verifies host-wide passthrough prerequisites: IOMMU enabled
// on the kernel command line and all VFIO modules loaded. It never mutates
// host state; remediation is left to the operator.
func (v *Validator) ValidateHost() error {
	cmdline, err := afero.ReadFile(v.fs, procCmdline)
	if err != nil {
		return errdefs.Validation("failed to read kernel command line: %v", err)
	}
	if !hasIOMMUFlag(string(cmdline)) {
		return errdefs.Validation(
			"IOMMU is not enabled on the kernel command line, add intel_iommu=on or amd_iommu=on and reboot")
	}

	modules, err := afero.ReadFile(v.fs, procModules)
	if err != nil {
		return errdefs.Validation("failed to read loaded kernel modules: %v", err)
	}
	loaded := loadedModules(string(modules))
	for _, mod := range vfioModules {
		if !loaded[mod] {
			return errdefs.Validation("required kernel module %s is not loaded", mod)
		}
	}
	return nil
}

// ValidateDevice checks one PCI device for passthrough eligibility: address
// format, existence, vfio-pci driver binding, and IOMMU group isolation.
// The first disqualifying condition is reported.
func (v *Validator) ValidateDevice(addr string) error {
	if !addrPattern.MatchString(addr) {
		return errdefs.Validation("invalid PCI address %q, expected format 0000:00:00.0", addr)
	}

	devPath := filepath.Join(sysDevicesPath, addr)
	if _, err := v.fs.Stat(devPath); err != nil {
		return errdefs.Validation("PCI device %s not present on host", addr)
	}

	driver, err := v.deviceDriver(addr)
	if err != nil {
		return err
	}
	switch {
	case conflictingDrivers[driver]:
		return errdefs.Validation(
			"PCI device %s is bound to host driver %s, unbind it and bind %s", addr, driver, vfioDriver)
	case driver != vfioDriver:
		return errdefs.Validation(
			"PCI device %s is not bound to %s (current driver: %s)", addr, vfioDriver, driverOrNone(driver))
	}

	return v.validateGroupIsolation(addr)
}

// ValidateDevices checks every address and returns the first failure, so a
// caller can treat a device set as all-or-nothing.
func (v *Validator) ValidateDevices(addrs []string) error {
	for _, addr := range addrs {
		if err := v.ValidateDevice(addr); err != nil {
			return err
		}
	}
	return nil
}

// Discover lists all PCI devices visible in sysfs with their vendor, device,
// class, and bound driver.
func (v *Validator) Discover() ([]Device, error) {
	entries, err := afero.ReadDir(v.fs, sysDevicesPath)
	if err != nil {
		return nil, errdefs.Validation("failed to enumerate PCI devices: %v", err)
	}

	devices := make([]Device, 0, len(entries))
	for _, entry := range entries {
		addr := entry.Name()
		if !addrPattern.MatchString(addr) {
			continue
		}
		dev := Device{
			Address: addr,
			Vendor:  v.readAttr(addr, "vendor"),
			Device:  v.readAttr(addr, "device"),
			Class:   v.readAttr(addr, "class"),
		}
		if driver, err := v.deviceDriver(addr); err == nil {
			dev.Driver = driver
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// validateGroupIsolation verifies that every sibling in the device's IOMMU
// group shares the same domain:bus:device so no unrelated device rides along
// into the guest.
func (v *Validator) validateGroupIsolation(addr string) error {
	groupPath := filepath.Join(sysDevicesPath, addr, "iommu_group", "devices")
	entries, err := afero.ReadDir(v.fs, groupPath)
	if err != nil {
		return errdefs.Validation("PCI device %s has no IOMMU group, IOMMU may be disabled", addr)
	}

	slot := addrSlot(addr)
	for _, entry := range entries {
		if addrSlot(entry.Name()) != slot {
			return errdefs.Validation(
				"PCI device %s shares IOMMU group with unrelated device %s", addr, entry.Name())
		}
	}
	return nil
}

// deviceDriver reads the bound driver name from the device's uevent file.
// An unbound device returns the empty string.
func (v *Validator) deviceDriver(addr string) (string, error) {
	data, err := afero.ReadFile(v.fs, filepath.Join(sysDevicesPath, addr, "uevent"))
	if err != nil {
		return "", errdefs.Validation("failed to read uevent for PCI device %s: %v", addr, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if name, ok := strings.CutPrefix(line, "DRIVER="); ok {
			return strings.TrimSpace(name), nil
		}
	}
	return "", nil
}

func (v *Validator) readAttr(addr, attr string) string {
	data, err := afero.ReadFile(v.fs, filepath.Join(sysDevicesPath, addr, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// addrSlot strips the function suffix, leaving domain:bus:device.
func addrSlot(addr string) string {
	if i := strings.LastIndex(addr, "."); i >= 0 {
		return addr[:i]
	}
	return addr
}

func hasIOMMUFlag(cmdline string) bool {
	for _, field := range strings.Fields(cmdline) {
		if field == "intel_iommu=on" || field == "amd_iommu=on" {
			return true
		}
	}
	return false
}

// loadedModules parses /proc/modules, whose lines start with the module name.
func loadedModules(contents string) map[string]bool {
	loaded := make(map[string]bool)
	for _, line := range strings.Split(contents, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			loaded[fields[0]] = true
		}
	}
	return loaded
}

func driverOrNone(driver string) string {
	if driver == "" {
		return "none"
	}
	return driver
}
