// Package domain renders libvirt domain definitions and keeps an audit
// trail of every document submitted to the hypervisor.
//
// Build is a pure function: a node spec plus its allocated volume, network
// attachment, and GPU assignment map to byte-identical XML every time, and
// the sha256 checksum of that XML is stored in cluster state so drift
// between the recorded definition and a later rebuild is detectable.
//
// The Tracer writes one folder per operation run with sequence-numbered
// definition files and a trace_metadata.json summary. Tracing is best
// effort; a full disk degrades the audit trail, not the operation.
package domain
