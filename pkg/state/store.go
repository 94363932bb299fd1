package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/log"
	"github.com/idoudali/ai-how/pkg/types"
)

const (
	clustersDir      = "clusters"
	registryLockFile = "registry.lock"
	stateFileSuffix  = ".json"
	lockFileSuffix   = ".lock"
)

// Store persists one JSON document per cluster under
// <dir>/clusters/<name>.json. Writes are atomic (temp file plus rename on
// the same filesystem) so a crash mid-write leaves the previous document
// intact. Cross-process exclusion uses flock on sibling lock files; the
// in-process mutex covers goroutines sharing one Store.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger zerolog.Logger
}

// NewStore opens (creating if needed) the state directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, clustersDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: log.WithComponent("state"),
	}, nil
}

// Dir returns the root state directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) statePath(name string) string {
	return filepath.Join(s.dir, clustersDir, name+stateFileSuffix)
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.dir, clustersDir, name+lockFileSuffix)
}

// Load reads and decodes a cluster's state. A missing file maps to
// errdefs.ErrNotFound so callers can distinguish "never provisioned" from a
// broken document.
func (s *Store) Load(name string) (*types.ClusterState, error) {
	data, err := os.ReadFile(s.statePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFound("no state recorded for cluster %s", name)
		}
		return nil, fmt.Errorf("failed to read state for cluster %s: %w", name, err)
	}
	st, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("cluster %s: %w", name, err)
	}
	return st, nil
}

// Save atomically replaces a cluster's state document.
func (s *Store) Save(st *types.ClusterState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// keep concurrent VM updates from interleaving with serialization
	st.Lock()
	data, err := Marshal(st)
	st.Unlock()
	if err != nil {
		return err
	}

	target := s.statePath(st.ClusterName)
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+st.ClusterName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file for cluster %s: %w", st.ClusterName, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state for cluster %s: %w", st.ClusterName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state for cluster %s: %w", st.ClusterName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file for cluster %s: %w", st.ClusterName, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to publish state for cluster %s: %w", st.ClusterName, err)
	}

	s.logger.Debug().Str("cluster", st.ClusterName).Str("status", string(st.Status)).Msg("state saved")
	return nil
}

// Delete removes a cluster's state document and its lock file. Deleting
// absent state is a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.statePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state for cluster %s: %w", name, err)
	}
	if err := os.Remove(s.lockPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete lock for cluster %s: %w", name, err)
	}
	return nil
}

// List returns the names of all clusters with recorded state, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, clustersDir))
	if err != nil {
		return nil, fmt.Errorf("failed to list state directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateFileSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, stateFileSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// LoadAll reads every cluster's state. A corrupt document fails the whole
// read since cross-cluster invariant checks cannot reason over records they
// cannot parse.
func (s *Store) LoadAll() ([]*types.ClusterState, error) {
	names, err := s.List()
	if err != nil {
		return nil, err
	}
	states := make([]*types.ClusterState, 0, len(names))
	for _, name := range names {
		st, err := s.Load(name)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// WithLock runs fn while holding the cluster's exclusive advisory lock,
// serializing operations on one cluster across processes.
func (s *Store) WithLock(name string, fn func() error) error {
	return s.withFlock(s.lockPath(name), fn)
}

// WithRegistryLock runs fn while holding the store-wide lock. Taken by
// operations that read every cluster's state to check global invariants
// such as subnet overlap and GPU exclusivity, so two concurrent provisions
// cannot both pass the same check.
func (s *Store) WithRegistryLock(fn func() error) error {
	return s.withFlock(filepath.Join(s.dir, registryLockFile), fn)
}

func (s *Store) withFlock(path string, fn func() error) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}
