package hypervisor

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idoudali/ai-how/pkg/errdefs"
)

// fakeAPI implements API with scriptable failures.
type fakeAPI struct {
	connectErrs   []error
	connectCalls  int
	defineCalls   int
	defineErr     error
	lookupErr     error
	disconnected  bool
	destroyCalls  int
	destroyErr    error
}

func (f *fakeAPI) Connect() error {
	f.connectCalls++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeAPI) Disconnect() error {
	f.disconnected = true
	return nil
}

func (f *fakeAPI) ConnectGetLibVersion() (uint64, error) { return 8000000, nil }

func (f *fakeAPI) DomainDefineXML(xml string) (libvirt.Domain, error) {
	f.defineCalls++
	if f.defineErr != nil {
		return libvirt.Domain{}, f.defineErr
	}
	return libvirt.Domain{Name: "test-vm"}, nil
}

func (f *fakeAPI) DomainCreate(dom libvirt.Domain) error   { return nil }
func (f *fakeAPI) DomainShutdown(dom libvirt.Domain) error { return nil }

func (f *fakeAPI) DomainDestroy(dom libvirt.Domain) error {
	f.destroyCalls++
	return f.destroyErr
}

func (f *fakeAPI) DomainUndefine(dom libvirt.Domain) error { return nil }

func (f *fakeAPI) DomainLookupByName(name string) (libvirt.Domain, error) {
	if f.lookupErr != nil {
		return libvirt.Domain{}, f.lookupErr
	}
	return libvirt.Domain{Name: name}, nil
}

func (f *fakeAPI) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	return int32(libvirt.DomainRunning), 0, nil
}

func (f *fakeAPI) NetworkCreateXML(xml string) (libvirt.Network, error) {
	return libvirt.Network{Name: "test-net"}, nil
}

func (f *fakeAPI) NetworkLookupByName(name string) (libvirt.Network, error) {
	if f.lookupErr != nil {
		return libvirt.Network{}, f.lookupErr
	}
	return libvirt.Network{Name: name}, nil
}

func (f *fakeAPI) NetworkGetXMLDesc(net libvirt.Network, flags uint32) (string, error) {
	return "<network/>", nil
}

func (f *fakeAPI) NetworkDestroy(net libvirt.Network) error { return nil }

func (f *fakeAPI) NetworkGetDhcpLeases(net libvirt.Network, mac libvirt.OptString, needResults int32, flags uint32) ([]libvirt.NetworkDhcpLease, uint32, error) {
	return nil, 0, nil
}

func (f *fakeAPI) StoragePoolCreateXML(xml string, flags libvirt.StoragePoolCreateFlags) (libvirt.StoragePool, error) {
	return libvirt.StoragePool{Name: "test-pool"}, nil
}

func (f *fakeAPI) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if f.lookupErr != nil {
		return libvirt.StoragePool{}, f.lookupErr
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (f *fakeAPI) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error { return nil }

func (f *fakeAPI) StoragePoolGetInfo(pool libvirt.StoragePool) (uint8, uint64, uint64, uint64, error) {
	return 2, 500 << 30, 100 << 30, 400 << 30, nil
}

func (f *fakeAPI) StoragePoolDestroy(pool libvirt.StoragePool) error  { return nil }
func (f *fakeAPI) StoragePoolUndefine(pool libvirt.StoragePool) error { return nil }

func (f *fakeAPI) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	return libvirt.StorageVol{Name: "test-vol", Pool: pool.Name}, nil
}

func (f *fakeAPI) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	if f.lookupErr != nil {
		return libvirt.StorageVol{}, f.lookupErr
	}
	return libvirt.StorageVol{Name: name, Pool: pool.Name}, nil
}

func (f *fakeAPI) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	return nil
}

func (f *fakeAPI) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	return "/var/lib/libvirt/images/" + vol.Name + ".qcow2", nil
}

func testConfig() Config {
	return Config{
		Socket:            "/tmp/test-sock",
		MaxConnectRetries: 2,
		InitialBackoff:    time.Millisecond,
	}
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	api := &fakeAPI{connectErrs: []error{io.EOF, io.EOF}}
	c := NewWithAPI(api, testConfig())

	err := c.Connect()
	require.NoError(t, err)
	assert.Equal(t, 3, api.connectCalls)
}

func TestConnectExhaustsRetries(t *testing.T) {
	api := &fakeAPI{connectErrs: []error{io.EOF, io.EOF, io.EOF, io.EOF}}
	c := NewWithAPI(api, testConfig())

	err := c.Connect()
	require.Error(t, err)
	assert.True(t, errdefs.IsConnection(err))
	assert.Equal(t, 3, api.connectCalls)
}

func TestConnectIsIdempotent(t *testing.T) {
	api := &fakeAPI{}
	c := NewWithAPI(api, testConfig())

	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())
	assert.Equal(t, 1, api.connectCalls)
}

func TestNotFoundClassification(t *testing.T) {
	tests := []struct {
		name string
		code uint32
	}{
		{name: "domain", code: errNoDomain},
		{name: "network", code: errNoNetwork},
		{name: "storage pool", code: errNoStoragePool},
		{name: "storage volume", code: errNoStorageVol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{lookupErr: libvirt.Error{Code: tt.code, Message: "not found"}}
			c := NewWithAPI(api, testConfig())

			_, err := c.DomainByName("missing")
			require.Error(t, err)
			assert.True(t, errdefs.IsNotFound(err))
			assert.False(t, errdefs.IsConnection(err))
		})
	}
}

func TestLibvirtFaultIsNotConnectionError(t *testing.T) {
	api := &fakeAPI{defineErr: libvirt.Error{Code: 1, Message: "internal error"}}
	c := NewWithAPI(api, testConfig())

	_, err := c.DefineDomain("<domain/>")
	require.Error(t, err)
	assert.False(t, errdefs.IsConnection(err))
	assert.Contains(t, err.Error(), "internal error")
}

func TestTransportFailureMarksConnectionDead(t *testing.T) {
	api := &fakeAPI{defineErr: errors.New("write unix: broken pipe")}
	c := NewWithAPI(api, testConfig())
	require.NoError(t, c.Connect())

	_, err := c.DefineDomain("<domain/>")
	require.Error(t, err)
	assert.True(t, errdefs.IsConnection(err))

	// next call reconnects before issuing the RPC
	api.defineErr = nil
	_, err = c.DefineDomain("<domain/>")
	require.NoError(t, err)
	assert.Equal(t, 2, api.connectCalls)
}

func TestMutatingCallsAreNotRetried(t *testing.T) {
	api := &fakeAPI{defineErr: errors.New("write unix: broken pipe")}
	c := NewWithAPI(api, testConfig())
	require.NoError(t, c.Connect())

	_, err := c.DefineDomain("<domain/>")
	require.Error(t, err)
	assert.Equal(t, 1, api.defineCalls)
}

func TestCloseIsIdempotent(t *testing.T) {
	api := &fakeAPI{}
	c := NewWithAPI(api, testConfig())
	require.NoError(t, c.Connect())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, api.disconnected)
}
