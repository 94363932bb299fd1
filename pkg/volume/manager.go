package volume

import (
	"fmt"
	"os"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/lima-vm/go-qcow2reader/image/qcow2"
	"github.com/rs/zerolog"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/log"
	"github.com/idoudali/ai-how/pkg/types"
)

const bytesPerGB = 1 << 30

// Hypervisor is the slice of the hypervisor client the volume manager
// drives.
type Hypervisor interface {
	CreatePool(xml string) (libvirt.StoragePool, error)
	PoolByName(name string) (libvirt.StoragePool, error)
	RefreshPool(pool libvirt.StoragePool) error
	PoolInfo(pool libvirt.StoragePool) (capacity, allocation, available uint64, err error)
	DestroyPool(pool libvirt.StoragePool) error
	UndefinePool(pool libvirt.StoragePool) error
	CreateVolume(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error)
	VolumeByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error)
	DeleteVolume(vol libvirt.StorageVol) error
	VolumePath(vol libvirt.StorageVol) (string, error)
}

// imageInfo is what the manager needs to know about a base image.
type imageInfo struct {
	format      string
	virtualSize int64
}

// Manager allocates per-VM qcow2 overlay volumes on top of shared read-only
// base images. Base images are validated before use and never written or
// deleted; each VM's writes land in its own overlay.
type Manager struct {
	hv     Hypervisor
	logger zerolog.Logger

	// probe inspects a base image on disk; swapped out in tests
	probe func(path string) (imageInfo, error)
}

// NewManager creates a volume manager.
func NewManager(hv Hypervisor) *Manager {
	return &Manager{
		hv:     hv,
		logger: log.WithComponent("volume"),
		probe:  probeImage,
	}
}

// EnsurePool finds or creates the directory-backed storage pool the
// cluster's volumes live in. Idempotent.
func (m *Manager) EnsurePool(name, path string) (*types.StoragePoolInfo, error) {
	pool, err := m.hv.PoolByName(name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
		xmlDef, err := buildPoolXML(name, path)
		if err != nil {
			return nil, err
		}
		pool, err = m.hv.CreatePool(xmlDef)
		if err != nil {
			return nil, err
		}
		m.logger.Info().Str("pool", name).Str("path", path).Msg("storage pool created")
	}

	if err := m.hv.RefreshPool(pool); err != nil {
		return nil, err
	}
	capacity, _, available, err := m.hv.PoolInfo(pool)
	if err != nil {
		return nil, err
	}

	return &types.StoragePoolInfo{
		Name:        name,
		Path:        path,
		Type:        "dir",
		CapacityGB:  capacity / bytesPerGB,
		AvailableGB: available / bytesPerGB,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// AllocateVolume creates the overlay volume for one node. The base image is
// validated (present, qcow2, virtual size within the requested disk) and the
// pool's free space is checked before the volume is created, so an
// under-provisioned host fails fast instead of mid-boot. Idempotent: an
// existing volume of the same name is adopted.
func (m *Manager) AllocateVolume(clusterName, poolName string, node types.NodeSpec) (*types.VolumeInfo, error) {
	img, err := m.probe(node.BaseImage)
	if err != nil {
		return nil, err
	}
	if img.format != string(qcow2.Type) {
		return nil, errdefs.Validation(
			"base image %s for node %s is %s, only qcow2 base images are supported",
			node.BaseImage, node.Name, img.format)
	}
	requested := uint64(node.DiskGB) * bytesPerGB
	if uint64(img.virtualSize) > requested {
		return nil, errdefs.Validation(
			"base image %s has virtual size %d bytes which exceeds the %dG disk requested for node %s",
			node.BaseImage, img.virtualSize, node.DiskGB, node.Name)
	}

	pool, err := m.hv.PoolByName(poolName)
	if err != nil {
		return nil, err
	}

	volName := fmt.Sprintf("%s-%s.qcow2", clusterName, node.Name)
	if vol, err := m.hv.VolumeByName(pool, volName); err == nil {
		path, err := m.hv.VolumePath(vol)
		if err != nil {
			return nil, err
		}
		m.logger.Debug().Str("volume", volName).Msg("volume already allocated")
		return m.describe(volName, poolName, path, node), nil
	} else if !errdefs.IsNotFound(err) {
		return nil, err
	}

	_, _, available, err := m.hv.PoolInfo(pool)
	if err != nil {
		return nil, err
	}
	if available < requested {
		return nil, errdefs.Validation(
			"storage pool %s has %dG available but node %s needs %dG",
			poolName, available/bytesPerGB, node.Name, node.DiskGB)
	}

	xmlDef, err := buildVolumeXML(volName, uint64(node.DiskGB), node.BaseImage)
	if err != nil {
		return nil, err
	}
	vol, err := m.hv.CreateVolume(pool, xmlDef)
	if err != nil {
		return nil, err
	}
	path, err := m.hv.VolumePath(vol)
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("volume", volName).
		Str("base_image", node.BaseImage).
		Uint64("size_gb", uint64(node.DiskGB)).
		Msg("volume allocated")
	return m.describe(volName, poolName, path, node), nil
}

// ReleaseVolume deletes a VM's overlay volume. The shared base image is
// never touched. Releasing an absent volume is a no-op.
func (m *Manager) ReleaseVolume(poolName, volName string) error {
	pool, err := m.hv.PoolByName(poolName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	vol, err := m.hv.VolumeByName(pool, volName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := m.hv.DeleteVolume(vol); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	m.logger.Info().Str("volume", volName).Msg("volume released")
	return nil
}

// ReleasePool stops the cluster's storage pool once its volumes are gone
// and drops any persistent definition it left behind.
func (m *Manager) ReleasePool(name string) error {
	pool, err := m.hv.PoolByName(name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := m.hv.DestroyPool(pool); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	// pools created transiently have no definition to remove
	if err := m.hv.UndefinePool(pool); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	m.logger.Info().Str("pool", name).Msg("storage pool released")
	return nil
}

func (m *Manager) describe(volName, poolName, path string, node types.NodeSpec) *types.VolumeInfo {
	return &types.VolumeInfo{
		Name:      volName,
		Pool:      poolName,
		Path:      path,
		SizeGB:    uint64(node.DiskGB),
		Format:    "qcow2",
		BaseImage: node.BaseImage,
		CreatedAt: time.Now().UTC(),
	}
}

// probeImage opens a base image and reads its format and virtual size.
func probeImage(path string) (imageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return imageInfo{}, errdefs.Validation("base image %s is not readable: %v", path, err)
	}
	defer f.Close()

	img, err := qcow2reader.Open(f)
	if err != nil {
		return imageInfo{}, errdefs.Validation("base image %s is not a recognized disk image: %v", path, err)
	}
	defer img.Close()

	return imageInfo{
		format:      string(img.Type()),
		virtualSize: img.Size(),
	}, nil
}
