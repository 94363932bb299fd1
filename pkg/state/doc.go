// Package state persists cluster state as one versioned JSON document per
// cluster.
//
// The on-disk layout under the state directory is:
//
//	clusters/<name>.json   the cluster's state document
//	clusters/<name>.lock   per-cluster advisory lock
//	registry.lock          store-wide lock for cross-cluster invariant checks
//
// Documents carry a schema_version field and the serializer refuses any
// version it does not know, reporting state corruption instead of guessing.
// Writes go through a temp file and rename so readers never observe a
// partial document. The JSON files double as the hand-off surface for the
// configuration management layer that provisions software inside the VMs.
package state
