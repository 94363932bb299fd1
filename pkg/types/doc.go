/*
Package types defines the data model shared by every component of the
orchestrator: the desired state (ClusterSpec and its nested NodeSpec and
NetworkConfig, loaded from YAML and validated entirely at load time) and the
observed state (ClusterState and the per-resource info records persisted by
the state store).

ClusterSpec is immutable once loaded. ClusterState is plain data owned by the
state store; resource managers take it as an explicit parameter, return
new or updated records, and never hold references back to the store.
*/
package types
