package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idoudali/ai-how/pkg/errdefs"
	"github.com/idoudali/ai-how/pkg/types"
)

func testState(name string) *types.ClusterState {
	st := types.NewClusterState(name, types.ClusterKindHPC)
	st.Status = types.ClusterStatusRunning
	st.PutVM(&types.VMInfo{
		Name:  name + "-controller",
		State: types.VMStateRunning,
		Role:  "controller",
	})
	return st
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	st := testState("hpc-dev")

	require.NoError(t, s.Save(st))

	loaded, err := s.Load("hpc-dev")
	require.NoError(t, err)
	assert.Equal(t, types.SchemaVersion, loaded.SchemaVersion)
	assert.Equal(t, "hpc-dev", loaded.ClusterName)
	assert.Equal(t, types.ClusterStatusRunning, loaded.Status)
	require.NotNil(t, loaded.VM("hpc-dev-controller"))
	assert.Equal(t, types.VMStateRunning, loaded.VM("hpc-dev-controller").State)
}

func TestLoadMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load("ghost")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestLoadRejectsCorruptDocument(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.Dir(), clustersDir, "bad.json")

	tests := []struct {
		name    string
		payload string
	}{
		{name: "truncated json", payload: `{"schema_version": "2.0", "cluster_na`},
		{name: "missing schema version", payload: `{"cluster_name": "bad"}`},
		{name: "future schema version", payload: `{"schema_version": "9.0", "cluster_name": "bad"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(tt.payload), 0o644))

			_, err := s.Load("bad")
			require.Error(t, err)
			assert.True(t, errdefs.IsCorruption(err))
		})
	}
}

func TestSaveIsAtomic(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testState("hpc-dev")))

	// no temp files left behind after a successful write
	entries, err := os.ReadDir(filepath.Join(s.Dir(), clustersDir))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, entry.Name()[0] == '.', "leftover temp file %s", entry.Name())
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testState("hpc-dev")))

	require.NoError(t, s.Delete("hpc-dev"))
	require.NoError(t, s.Delete("hpc-dev"))

	_, err := s.Load("hpc-dev")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListAndLoadAll(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testState("beta")))
	require.NoError(t, s.Save(testState("alpha")))

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)

	states, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "alpha", states[0].ClusterName)
}

func TestListIgnoresLockFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(testState("hpc-dev")))
	require.NoError(t, s.WithLock("hpc-dev", func() error { return nil }))

	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"hpc-dev"}, names)
}

func TestWithLockSerializesWriters(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithLock("hpc-dev", func() error {
				counter++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, counter)
}

func TestWithRegistryLock(t *testing.T) {
	s := newTestStore(t)
	called := false
	require.NoError(t, s.WithRegistryLock(func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}
