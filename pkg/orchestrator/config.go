package orchestrator

import (
	"path/filepath"
	"time"
)

const (
	// DefaultNodeParallelism bounds the per-node provisioning fan-out
	DefaultNodeParallelism = 4

	// DefaultLeaseTimeout bounds the wait for a guest's DHCP lease
	DefaultLeaseTimeout = 2 * time.Minute

	// leasePollInterval is how often lease tables are re-read while waiting
	leasePollInterval = 2 * time.Second
)

// Config holds orchestration policy and filesystem layout.
type Config struct {
	// DataDir is the root for pools, traces, and generated artifacts
	DataDir string

	// NodeParallelism bounds how many nodes are provisioned concurrently
	NodeParallelism int

	// LeaseTimeout bounds the wait for a DHCP lease on nodes without a
	// static address
	LeaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/ai-how"
	}
	if c.NodeParallelism == 0 {
		c.NodeParallelism = DefaultNodeParallelism
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	return c
}

// PoolPath is where a cluster's volume pool lives on disk.
func (c Config) PoolPath(clusterName string) string {
	return filepath.Join(c.DataDir, "pools", clusterName)
}

// TraceDir is where definition audit runs are recorded.
func (c Config) TraceDir() string {
	return filepath.Join(c.DataDir, "traces")
}

// ArtifactsDir is where inventories and kubeconfigs are written.
func (c Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}
