package volume

import (
	"regexp"
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/types"
)

var nameTag = regexp.MustCompile(`<name>([^<]+)</name>`)

type fakeHypervisor struct {
	pools          map[string]libvirt.StoragePool
	volumes        map[string]libvirt.StorageVol
	available      uint64
	createdXML     []string
	deletedVols    []string
	undefinedPools []string
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		pools:     map[string]libvirt.StoragePool{},
		volumes:   map[string]libvirt.StorageVol{},
		available: 500 * bytesPerGB,
	}
}

func (f *fakeHypervisor) CreatePool(xml string) (libvirt.StoragePool, error) {
	pool := libvirt.StoragePool{Name: "cluster-pool"}
	f.pools[pool.Name] = pool
	f.createdXML = append(f.createdXML, xml)
	return pool, nil
}

func (f *fakeHypervisor) PoolByName(name string) (libvirt.StoragePool, error) {
	if pool, ok := f.pools[name]; ok {
		return pool, nil
	}
	return libvirt.StoragePool{}, errdefs.NotFound("no pool %s", name)
}

func (f *fakeHypervisor) RefreshPool(pool libvirt.StoragePool) error { return nil }

func (f *fakeHypervisor) PoolInfo(pool libvirt.StoragePool) (uint64, uint64, uint64, error) {
	return 1000 * bytesPerGB, 1000*bytesPerGB - f.available, f.available, nil
}

func (f *fakeHypervisor) DestroyPool(pool libvirt.StoragePool) error {
	delete(f.pools, pool.Name)
	return nil
}

func (f *fakeHypervisor) UndefinePool(pool libvirt.StoragePool) error {
	f.undefinedPools = append(f.undefinedPools, pool.Name)
	if _, ok := f.pools[pool.Name]; ok {
		return nil
	}
	return errdefs.NotFound("no pool %s", pool.Name)
}

func (f *fakeHypervisor) CreateVolume(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error) {
	f.createdXML = append(f.createdXML, xml)
	name := nameTag.FindStringSubmatch(xml)[1]
	vol := libvirt.StorageVol{Name: name, Pool: pool.Name}
	f.volumes[name] = vol
	return vol, nil
}

func (f *fakeHypervisor) VolumeByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	if vol, ok := f.volumes[name]; ok {
		return vol, nil
	}
	return libvirt.StorageVol{}, errdefs.NotFound("no volume %s", name)
}

func (f *fakeHypervisor) DeleteVolume(vol libvirt.StorageVol) error {
	f.deletedVols = append(f.deletedVols, vol.Name)
	delete(f.volumes, vol.Name)
	return nil
}

func (f *fakeHypervisor) VolumePath(vol libvirt.StorageVol) (string, error) {
	return "/var/lib/cluster/" + vol.Name, nil
}

func newTestManager(hv *fakeHypervisor) *Manager {
	m := NewManager(hv)
	m.probe = func(path string) (imageInfo, error) {
		return imageInfo{format: "qcow2", virtualSize: 10 * bytesPerGB}, nil
	}
	return m
}

func testNode() types.NodeSpec {
	return types.NodeSpec{
		Name:      "compute-0",
		BaseImage: "/var/lib/images/base.qcow2",
		CPUCores:  4,
		MemoryGB:  8,
		DiskGB:    40,
	}
}

func TestEnsurePoolCreatesOnce(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(hv)

	info, err := m.EnsurePool("cluster-pool", "/var/lib/cluster")
	require.NoError(t, err)
	assert.Equal(t, "cluster-pool", info.Name)
	assert.Equal(t, uint64(1000), info.CapacityGB)
	assert.Equal(t, uint64(500), info.AvailableGB)
	require.Len(t, hv.createdXML, 1)
	assert.Contains(t, hv.createdXML[0], `type="dir"`)
	assert.Contains(t, hv.createdXML[0], "<path>/var/lib/cluster</path>")

	_, err = m.EnsurePool("cluster-pool", "/var/lib/cluster")
	require.NoError(t, err)
	assert.Len(t, hv.createdXML, 1, "no second create call")
}

func TestAllocateVolume(t *testing.T) {
	hv := newFakeHypervisor()
	hv.pools["cluster-pool"] = libvirt.StoragePool{Name: "cluster-pool"}
	m := newTestManager(hv)

	info, err := m.AllocateVolume("hpc-dev", "cluster-pool", testNode())
	require.NoError(t, err)
	assert.Equal(t, "hpc-dev-compute-0.qcow2", info.Name)
	assert.Equal(t, uint64(40), info.SizeGB)
	assert.Equal(t, "/var/lib/images/base.qcow2", info.BaseImage)

	require.Len(t, hv.createdXML, 1)
	xml := hv.createdXML[0]
	assert.Contains(t, xml, "<backingStore>")
	assert.Contains(t, xml, "<path>/var/lib/images/base.qcow2</path>")
	assert.Contains(t, xml, `unit="G">40<`)
}

func TestAllocateVolumeIsIdempotent(t *testing.T) {
	hv := newFakeHypervisor()
	hv.pools["cluster-pool"] = libvirt.StoragePool{Name: "cluster-pool"}
	m := newTestManager(hv)

	first, err := m.AllocateVolume("hpc-dev", "cluster-pool", testNode())
	require.NoError(t, err)
	second, err := m.AllocateVolume("hpc-dev", "cluster-pool", testNode())
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name)
	assert.Len(t, hv.createdXML, 1)
}

func TestAllocateVolumeRejectsNonQcow2Base(t *testing.T) {
	hv := newFakeHypervisor()
	hv.pools["cluster-pool"] = libvirt.StoragePool{Name: "cluster-pool"}
	m := NewManager(hv)
	m.probe = func(path string) (imageInfo, error) {
		return imageInfo{format: "raw", virtualSize: 10 * bytesPerGB}, nil
	}

	_, err := m.AllocateVolume("hpc-dev", "cluster-pool", testNode())
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	assert.Contains(t, err.Error(), "only qcow2")
}

func TestAllocateVolumeRejectsOversizedBase(t *testing.T) {
	hv := newFakeHypervisor()
	hv.pools["cluster-pool"] = libvirt.StoragePool{Name: "cluster-pool"}
	m := NewManager(hv)
	m.probe = func(path string) (imageInfo, error) {
		return imageInfo{format: "qcow2", virtualSize: 80 * bytesPerGB}, nil
	}

	_, err := m.AllocateVolume("hpc-dev", "cluster-pool", testNode())
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestAllocateVolumeFailsFastOnFullPool(t *testing.T) {
	hv := newFakeHypervisor()
	hv.pools["cluster-pool"] = libvirt.StoragePool{Name: "cluster-pool"}
	hv.available = 10 * bytesPerGB
	m := newTestManager(hv)

	_, err := m.AllocateVolume("hpc-dev", "cluster-pool", testNode())
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	assert.Empty(t, hv.volumes, "nothing created on capacity failure")
}

func TestReleaseVolume(t *testing.T) {
	hv := newFakeHypervisor()
	hv.pools["cluster-pool"] = libvirt.StoragePool{Name: "cluster-pool"}
	m := newTestManager(hv)

	_, err := m.AllocateVolume("hpc-dev", "cluster-pool", testNode())
	require.NoError(t, err)

	require.NoError(t, m.ReleaseVolume("cluster-pool", "hpc-dev-compute-0.qcow2"))
	assert.Equal(t, []string{"hpc-dev-compute-0.qcow2"}, hv.deletedVols)

	// absent volume and absent pool are both no-ops
	require.NoError(t, m.ReleaseVolume("cluster-pool", "hpc-dev-compute-0.qcow2"))
	require.NoError(t, m.ReleaseVolume("ghost-pool", "anything.qcow2"))
}

func TestReleasePool(t *testing.T) {
	hv := newFakeHypervisor()
	hv.pools["cluster-pool"] = libvirt.StoragePool{Name: "cluster-pool"}
	m := newTestManager(hv)

	require.NoError(t, m.ReleasePool("cluster-pool"))
	assert.Empty(t, hv.pools)
	assert.Equal(t, []string{"cluster-pool"}, hv.undefinedPools, "definition removed with the pool")
	require.NoError(t, m.ReleasePool("cluster-pool"))
}
