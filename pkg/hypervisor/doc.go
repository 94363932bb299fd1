// Package hypervisor wraps the libvirt RPC client behind a typed facade.
//
// A single Client per process owns the connection to the local libvirtd
// socket. Connection establishment retries with bounded exponential backoff;
// once established, individual calls are never retried automatically because
// define and create calls are not idempotent at the RPC level.
//
// Backend faults are classified on the way out: libvirt "no such resource"
// faults map to errdefs.ErrNotFound, other libvirt faults pass through with
// their message, and transport failures mark the connection dead and map to
// errdefs.ErrConnection so the next call reconnects.
package hypervisor
