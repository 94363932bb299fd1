package vm

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/types"
)

// fakeHypervisor simulates domain state transitions. Graceful shutdown is
// honored only when guestCooperates is set, which is how the forced-stop
// path gets exercised.
var nameTag = regexp.MustCompile(`<name>([^<]+)</name>`)

type fakeHypervisor struct {
	domains         map[string]int32
	guestCooperates bool
	startHangs      bool
	defineCalls     int
	forcedStops     []string
	undefined       []string
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{domains: map[string]int32{}, guestCooperates: true}
}

func (f *fakeHypervisor) DefineDomain(xml string) (libvirt.Domain, error) {
	f.defineCalls++
	name := nameTag.FindStringSubmatch(xml)[1]
	if _, ok := f.domains[name]; !ok {
		f.domains[name] = int32(libvirt.DomainShutoff)
	}
	return libvirt.Domain{Name: name}, nil
}

func (f *fakeHypervisor) StartDomain(dom libvirt.Domain) error {
	if !f.startHangs {
		f.domains[dom.Name] = int32(libvirt.DomainRunning)
	}
	return nil
}

func (f *fakeHypervisor) ShutdownDomain(dom libvirt.Domain) error {
	if f.guestCooperates {
		f.domains[dom.Name] = int32(libvirt.DomainShutoff)
	}
	return nil
}

func (f *fakeHypervisor) ForceStopDomain(dom libvirt.Domain) error {
	f.forcedStops = append(f.forcedStops, dom.Name)
	f.domains[dom.Name] = int32(libvirt.DomainShutoff)
	return nil
}

func (f *fakeHypervisor) UndefineDomain(dom libvirt.Domain) error {
	f.undefined = append(f.undefined, dom.Name)
	delete(f.domains, dom.Name)
	return nil
}

func (f *fakeHypervisor) DomainByName(name string) (libvirt.Domain, error) {
	if _, ok := f.domains[name]; !ok {
		return libvirt.Domain{}, errdefs.NotFound("no domain %s", name)
	}
	return libvirt.Domain{Name: name}, nil
}

func (f *fakeHypervisor) DomainState(dom libvirt.Domain) (int32, error) {
	state, ok := f.domains[dom.Name]
	if !ok {
		return 0, errdefs.NotFound("no domain %s", dom.Name)
	}
	return state, nil
}

func newTestManager(hv Hypervisor) *Manager {
	return NewManager(hv, Config{
		BootTimeout:     200 * time.Millisecond,
		ShutdownTimeout: 100 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	})
}

func definedVM(t *testing.T, m *Manager, st *types.ClusterState, name string) {
	t.Helper()
	info := &types.VMInfo{Name: name, Role: "compute", DefinitionChecksum: "abc123"}
	require.NoError(t, m.Define(st, info, "<domain><name>"+name+"</name></domain>"))
}

func TestDefineRecordsVM(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(hv)
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)

	definedVM(t, m, st, "hpc-dev-compute-0")

	info := st.VM("hpc-dev-compute-0")
	require.NotNil(t, info)
	assert.Equal(t, types.VMStateDefined, info.State)
	assert.False(t, info.CreatedAt.IsZero())
}

func TestDefineIsIdempotentForSameChecksum(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(hv)
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)

	definedVM(t, m, st, "hpc-dev-compute-0")
	definedVM(t, m, st, "hpc-dev-compute-0")
	assert.Equal(t, 1, hv.defineCalls)
}

func TestDefineRedefinesOnChangedChecksum(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(hv)
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)

	definedVM(t, m, st, "hpc-dev-compute-0")
	info := &types.VMInfo{Name: "hpc-dev-compute-0", Role: "compute", DefinitionChecksum: "different"}
	require.NoError(t, m.Define(st, info, "<domain><name>hpc-dev-compute-0</name></domain>"))
	assert.Equal(t, 2, hv.defineCalls)
}

func TestStartAndStopRoundTrip(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(hv)
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)
	ctx := context.Background()

	definedVM(t, m, st, "hpc-dev-compute-0")
	require.NoError(t, m.Start(ctx, st, "hpc-dev-compute-0"))
	assert.Equal(t, types.VMStateRunning, st.VM("hpc-dev-compute-0").State)

	// starting again is a no-op
	require.NoError(t, m.Start(ctx, st, "hpc-dev-compute-0"))

	require.NoError(t, m.Stop(ctx, st, "hpc-dev-compute-0"))
	assert.Equal(t, types.VMStateStopped, st.VM("hpc-dev-compute-0").State)
	assert.Empty(t, hv.forcedStops, "graceful shutdown was enough")

	// stopping again is a no-op
	require.NoError(t, m.Stop(ctx, st, "hpc-dev-compute-0"))
}

func TestStopFallsBackToForce(t *testing.T) {
	hv := newFakeHypervisor()
	hv.guestCooperates = false
	m := newTestManager(hv)
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)
	ctx := context.Background()

	definedVM(t, m, st, "hpc-dev-compute-0")
	require.NoError(t, m.Start(ctx, st, "hpc-dev-compute-0"))

	require.NoError(t, m.Stop(ctx, st, "hpc-dev-compute-0"))
	assert.Equal(t, []string{"hpc-dev-compute-0"}, hv.forcedStops)
	assert.Equal(t, types.VMStateStopped, st.VM("hpc-dev-compute-0").State)
}

func TestStartUnknownVMIsRefused(t *testing.T) {
	m := newTestManager(newFakeHypervisor())
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)

	err := m.Start(context.Background(), st, "ghost")
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
}

func TestStartTimesOutWhenDomainNeverBoots(t *testing.T) {
	hv := newFakeHypervisor()
	hv.startHangs = true
	m := newTestManager(hv)
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)

	definedVM(t, m, st, "hpc-dev-compute-0")

	err := m.Start(context.Background(), st, "hpc-dev-compute-0")
	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err))
}

func TestStartHonorsCanceledContext(t *testing.T) {
	hv := newFakeHypervisor()
	hv.startHangs = true
	m := newTestManager(hv)
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)

	definedVM(t, m, st, "hpc-dev-compute-0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Start(ctx, st, "hpc-dev-compute-0")
	require.Error(t, err)
}

func TestDestroyRefusesRunningVM(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(hv)
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)
	ctx := context.Background()

	definedVM(t, m, st, "hpc-dev-compute-0")
	require.NoError(t, m.Start(ctx, st, "hpc-dev-compute-0"))

	err := m.Destroy(st, "hpc-dev-compute-0")
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	assert.Contains(t, err.Error(), "stop it first")
}

func TestDestroyStoppedVM(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(hv)
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)
	ctx := context.Background()

	definedVM(t, m, st, "hpc-dev-compute-0")
	require.NoError(t, m.Start(ctx, st, "hpc-dev-compute-0"))
	require.NoError(t, m.Stop(ctx, st, "hpc-dev-compute-0"))

	require.NoError(t, m.Destroy(st, "hpc-dev-compute-0"))
	assert.Equal(t, []string{"hpc-dev-compute-0"}, hv.undefined)
	assert.Equal(t, types.VMStateUndefined, st.VM("hpc-dev-compute-0").State)

	// destroying what is already gone is harmless
	require.NoError(t, m.Destroy(st, "hpc-dev-compute-0"))
	require.NoError(t, m.Destroy(st, "ghost"))
}

func TestStatus(t *testing.T) {
	hv := newFakeHypervisor()
	m := newTestManager(hv)
	st := types.NewClusterState("hpc-dev", types.ClusterKindHPC)
	ctx := context.Background()

	state, err := m.Status("ghost")
	require.NoError(t, err)
	assert.Equal(t, types.VMStateUndefined, state)

	definedVM(t, m, st, "hpc-dev-compute-0")
	state, err = m.Status("hpc-dev-compute-0")
	require.NoError(t, err)
	assert.Equal(t, types.VMStateStopped, state)

	require.NoError(t, m.Start(ctx, st, "hpc-dev-compute-0"))
	state, err = m.Status("hpc-dev-compute-0")
	require.NoError(t, err)
	assert.Equal(t, types.VMStateRunning, state)
}
