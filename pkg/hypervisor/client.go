package hypervisor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/rs/zerolog"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/log"
	"github.com/idoudali/ai-how/pkg/metrics"
)

const (
	// DefaultSocket is the local libvirt management socket
	DefaultSocket = "/var/run/libvirt/libvirt-sock"

	// DefaultMaxConnectRetries bounds connection establishment attempts
	DefaultMaxConnectRetries = 4

	// DefaultInitialBackoff is the first reconnect delay; subsequent delays
	// grow exponentially
	DefaultInitialBackoff = time.Second
)

// libvirt error codes for "no such resource" faults
const (
	errNoDomain      = 42
	errNoNetwork     = 43
	errNoStoragePool = 49
	errNoStorageVol  = 50
)

// API is the subset of the libvirt RPC surface the orchestrator drives.
// *libvirt.Libvirt satisfies it; tests substitute a fake.
type API interface {
	Connect() error
	Disconnect() error
	ConnectGetLibVersion() (uint64, error)

	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainCreate(dom libvirt.Domain) error
	DomainShutdown(dom libvirt.Domain) error
	DomainDestroy(dom libvirt.Domain) error
	DomainUndefine(dom libvirt.Domain) error
	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error)

	NetworkCreateXML(xml string) (libvirt.Network, error)
	NetworkLookupByName(name string) (libvirt.Network, error)
	NetworkGetXMLDesc(net libvirt.Network, flags uint32) (string, error)
	NetworkDestroy(net libvirt.Network) error
	NetworkGetDhcpLeases(net libvirt.Network, mac libvirt.OptString, needResults int32, flags uint32) ([]libvirt.NetworkDhcpLease, uint32, error)

	StoragePoolCreateXML(xml string, flags libvirt.StoragePoolCreateFlags) (libvirt.StoragePool, error)
	StoragePoolLookupByName(name string) (libvirt.StoragePool, error)
	StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error
	StoragePoolGetInfo(pool libvirt.StoragePool) (uint8, uint64, uint64, uint64, error)
	StoragePoolDestroy(pool libvirt.StoragePool) error
	StoragePoolUndefine(pool libvirt.StoragePool) error

	StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error)
	StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error
	StorageVolGetPath(vol libvirt.StorageVol) (string, error)
}

// Config holds hypervisor connection configuration. Backoff and retry bounds
// are policy, configurable per deployment.
type Config struct {
	Socket            string
	MaxConnectRetries uint64
	InitialBackoff    time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Socket == "" {
		out.Socket = DefaultSocket
	}
	if out.MaxConnectRetries == 0 {
		out.MaxConnectRetries = DefaultMaxConnectRetries
	}
	if out.InitialBackoff == 0 {
		out.InitialBackoff = DefaultInitialBackoff
	}
	return out
}

// Client maintains the single per-process connection to the local
// hypervisor. Connection establishment retries with bounded exponential
// backoff; mutating calls are never retried automatically since replaying a
// define against a partially-applied domain can duplicate resources.
type Client struct {
	mu        sync.Mutex
	api       API
	cfg       Config
	connected bool
	logger    zerolog.Logger
}

// New creates a client for the libvirt socket named in cfg.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	lv := libvirt.NewWithDialer(dialers.NewLocal(dialers.WithSocket(cfg.Socket)))
	return &Client{
		api:    lv,
		cfg:    cfg,
		logger: log.WithComponent("hypervisor"),
	}
}

// NewWithAPI creates a client over an existing API implementation. Used by
// tests.
func NewWithAPI(api API, cfg Config) *Client {
	return &Client{
		api:    api,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("hypervisor"),
	}
}

// Connect establishes the hypervisor connection, retrying with exponential
// backoff up to the configured bound before surfacing a fatal connection
// error.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			metrics.HypervisorReconnects.Inc()
		}
		c.logger.Debug().Int("attempt", attempt).Str("socket", c.cfg.Socket).Msg("connecting to hypervisor")
		return c.api.Connect()
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, c.cfg.MaxConnectRetries)); err != nil {
		return errdefs.Connection(err, "failed to connect to hypervisor at %s after %d attempts",
			c.cfg.Socket, attempt)
	}

	if version, err := c.api.ConnectGetLibVersion(); err == nil {
		c.logger.Debug().Uint64("version", version).Msg("connected to hypervisor")
	}

	c.connected = true
	return nil
}

// Close tears down the hypervisor connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	return c.api.Disconnect()
}

// ensure guarantees a live connection before a call.
func (c *Client) ensure() error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.Connect()
}

// wrap translates a backend fault: remote libvirt faults pass through as
// resource-specific errors (not-found mapped to errdefs.ErrNotFound),
// anything else is a transport failure and becomes a connection error.
func (c *Client) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var lverr libvirt.Error
	if errors.As(err, &lverr) {
		switch lverr.Code {
		case errNoDomain, errNoNetwork, errNoStoragePool, errNoStorageVol:
			return errdefs.NotFound("%s: %s", op, lverr.Message)
		}
		return fmt.Errorf("%s: %s", op, lverr.Message)
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return errdefs.Connection(err, "%s", op)
}

// Domain operations

// DefineDomain defines (but does not start) a domain from its XML definition.
func (c *Client) DefineDomain(xml string) (libvirt.Domain, error) {
	if err := c.ensure(); err != nil {
		return libvirt.Domain{}, err
	}
	dom, err := c.api.DomainDefineXML(xml)
	return dom, c.wrap("define domain", err)
}

// StartDomain boots a defined domain.
func (c *Client) StartDomain(dom libvirt.Domain) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.wrap(fmt.Sprintf("start domain %s", dom.Name), c.api.DomainCreate(dom))
}

// ShutdownDomain requests a graceful guest shutdown.
func (c *Client) ShutdownDomain(dom libvirt.Domain) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.wrap(fmt.Sprintf("shutdown domain %s", dom.Name), c.api.DomainShutdown(dom))
}

// ForceStopDomain hard-stops a running domain.
func (c *Client) ForceStopDomain(dom libvirt.Domain) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.wrap(fmt.Sprintf("force stop domain %s", dom.Name), c.api.DomainDestroy(dom))
}

// UndefineDomain removes a domain definition.
func (c *Client) UndefineDomain(dom libvirt.Domain) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.wrap(fmt.Sprintf("undefine domain %s", dom.Name), c.api.DomainUndefine(dom))
}

// DomainByName looks up a domain. Missing domains surface as
// errdefs.ErrNotFound.
func (c *Client) DomainByName(name string) (libvirt.Domain, error) {
	if err := c.ensure(); err != nil {
		return libvirt.Domain{}, err
	}
	dom, err := c.api.DomainLookupByName(name)
	return dom, c.wrap(fmt.Sprintf("lookup domain %s", name), err)
}

// DomainState returns the raw hypervisor state code for a domain.
func (c *Client) DomainState(dom libvirt.Domain) (int32, error) {
	if err := c.ensure(); err != nil {
		return 0, err
	}
	state, _, err := c.api.DomainGetState(dom, 0)
	return state, c.wrap(fmt.Sprintf("get state of domain %s", dom.Name), err)
}

// Network operations

// CreateNetwork creates and starts a transient network from XML.
func (c *Client) CreateNetwork(xml string) (libvirt.Network, error) {
	if err := c.ensure(); err != nil {
		return libvirt.Network{}, err
	}
	net, err := c.api.NetworkCreateXML(xml)
	return net, c.wrap("create network", err)
}

// NetworkByName looks up a network by name.
func (c *Client) NetworkByName(name string) (libvirt.Network, error) {
	if err := c.ensure(); err != nil {
		return libvirt.Network{}, err
	}
	net, err := c.api.NetworkLookupByName(name)
	return net, c.wrap(fmt.Sprintf("lookup network %s", name), err)
}

// NetworkXML returns the live XML description of a network.
func (c *Client) NetworkXML(net libvirt.Network) (string, error) {
	if err := c.ensure(); err != nil {
		return "", err
	}
	xml, err := c.api.NetworkGetXMLDesc(net, 0)
	return xml, c.wrap(fmt.Sprintf("describe network %s", net.Name), err)
}

// DestroyNetwork stops and removes a network.
func (c *Client) DestroyNetwork(net libvirt.Network) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.wrap(fmt.Sprintf("destroy network %s", net.Name), c.api.NetworkDestroy(net))
}

// DHCPLeases returns the current DHCP leases of a network.
func (c *Client) DHCPLeases(net libvirt.Network) ([]libvirt.NetworkDhcpLease, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	leases, _, err := c.api.NetworkGetDhcpLeases(net, nil, 1, 0)
	return leases, c.wrap(fmt.Sprintf("get dhcp leases of network %s", net.Name), err)
}

// Storage pool operations

// CreatePool creates and starts a storage pool from XML.
func (c *Client) CreatePool(xml string) (libvirt.StoragePool, error) {
	if err := c.ensure(); err != nil {
		return libvirt.StoragePool{}, err
	}
	pool, err := c.api.StoragePoolCreateXML(xml, 0)
	return pool, c.wrap("create storage pool", err)
}

// PoolByName looks up a storage pool by name.
func (c *Client) PoolByName(name string) (libvirt.StoragePool, error) {
	if err := c.ensure(); err != nil {
		return libvirt.StoragePool{}, err
	}
	pool, err := c.api.StoragePoolLookupByName(name)
	return pool, c.wrap(fmt.Sprintf("lookup storage pool %s", name), err)
}

// RefreshPool rescans a pool's contents.
func (c *Client) RefreshPool(pool libvirt.StoragePool) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.wrap(fmt.Sprintf("refresh storage pool %s", pool.Name), c.api.StoragePoolRefresh(pool, 0))
}

// PoolInfo returns capacity, allocation, and available bytes of a pool.
func (c *Client) PoolInfo(pool libvirt.StoragePool) (capacity, allocation, available uint64, err error) {
	if err := c.ensure(); err != nil {
		return 0, 0, 0, err
	}
	_, capacity, allocation, available, err = c.api.StoragePoolGetInfo(pool)
	return capacity, allocation, available, c.wrap(fmt.Sprintf("get info of storage pool %s", pool.Name), err)
}

// DestroyPool stops a storage pool.
func (c *Client) DestroyPool(pool libvirt.StoragePool) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.wrap(fmt.Sprintf("destroy storage pool %s", pool.Name), c.api.StoragePoolDestroy(pool))
}

// UndefinePool removes a storage pool definition.
func (c *Client) UndefinePool(pool libvirt.StoragePool) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.wrap(fmt.Sprintf("undefine storage pool %s", pool.Name), c.api.StoragePoolUndefine(pool))
}

// Volume operations

// CreateVolume creates a volume inside a pool from XML.
func (c *Client) CreateVolume(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error) {
	if err := c.ensure(); err != nil {
		return libvirt.StorageVol{}, err
	}
	vol, err := c.api.StorageVolCreateXML(pool, xml, 0)
	return vol, c.wrap(fmt.Sprintf("create volume in pool %s", pool.Name), err)
}

// VolumeByName looks up a volume by name inside a pool.
func (c *Client) VolumeByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	if err := c.ensure(); err != nil {
		return libvirt.StorageVol{}, err
	}
	vol, err := c.api.StorageVolLookupByName(pool, name)
	return vol, c.wrap(fmt.Sprintf("lookup volume %s in pool %s", name, pool.Name), err)
}

// DeleteVolume removes a volume and its backing file.
func (c *Client) DeleteVolume(vol libvirt.StorageVol) error {
	if err := c.ensure(); err != nil {
		return err
	}
	return c.wrap(fmt.Sprintf("delete volume %s", vol.Name), c.api.StorageVolDelete(vol, 0))
}

// VolumePath returns the host filesystem path of a volume.
func (c *Client) VolumePath(vol libvirt.StorageVol) (string, error) {
	if err := c.ensure(); err != nil {
		return "", err
	}
	path, err := c.api.StorageVolGetPath(vol)
	return path, c.wrap(fmt.Sprintf("get path of volume %s", vol.Name), err)
}
