// Package orchestrator coordinates cluster provisioning end to end.
//
// Apply drives the ordered step chain (network, storage pool, then per-node
// volume, GPU assignment, domain definition, define, start) with bounded
// parallelism across nodes. Every step checkpoints cluster state before the
// next begins, so a crashed or canceled run resumes by re-running Apply:
// idempotent managers skip what already exists.
//
// A step failure triggers rollback: compensating actions recorded during
// the run execute in reverse creation order, releasing only what this run
// created. Shared infrastructure that predates the run is never torn down
// by rollback. If a compensation itself fails, the cluster is marked failed
// and the error names every resource whose state is no longer known.
package orchestrator
