package models

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// writeTestModel writes a loadable linear model version under root.
func writeTestModel(t *testing.T, root, version string) {
	t.Helper()
	data, err := EncodeWeights(ArchLinear, 8, 8, linearTestLayers(64, 3))
	require.NoError(t, err)
	dir := filepath.Join(root, version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.weights"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "labels.txt"), []byte("healthy\ndiseased\nstressed\n"), 0o644))
}

// countingStore wraps a Store and counts weight reads.
type countingStore struct {
	Store
	reads atomic.Int64
}

func (s *countingStore) ReadWeights(ctx context.Context, version string) ([]byte, error) {
	s.reads.Add(1)
	return s.Store.ReadWeights(ctx, version)
}

func newTestRegistry(t *testing.T, store Store, capacity int) *Registry {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return NewRegistry(log, store, RegistryConfig{
		Capacity:   capacity,
		WarmupRuns: 1,
		Device:     DeviceCPU,
	})
}

func TestRegistryLoad(t *testing.T) {
	root := t.TempDir()
	writeTestModel(t, root, "v1")
	registry := newTestRegistry(t, NewFileStore(root), 3)

	handle, err := registry.Load(context.Background(), "v1", false)
	require.NoError(t, err)
	defer handle.Release()

	require.Equal(t, "v1", handle.Version())
	require.Equal(t, ArchLinear, handle.Architecture())
	require.Equal(t, []string{"healthy", "diseased", "stressed"}, handle.Labels())
	require.Equal(t, int64(64*3+3), handle.ParamCount())
	require.NotEmpty(t, handle.Checksum())
	require.NotNil(t, handle.Network())
}

func TestRegistryLoadNotFound(t *testing.T) {
	registry := newTestRegistry(t, NewFileStore(t.TempDir()), 3)

	_, err := registry.Load(context.Background(), "missing", false)
	require.ErrorIs(t, err, ErrModelNotFound)

	_, err = registry.Load(context.Background(), "", false)
	require.ErrorIs(t, err, ErrModelNotFound)
}

func TestRegistryLoadCorrupt(t *testing.T) {
	root := t.TempDir()
	writeTestModel(t, root, "v1")
	// Damage the payload after writing.
	path := filepath.Join(root, "v1", "model.weights")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	registry := newTestRegistry(t, NewFileStore(root), 3)
	_, err = registry.Load(context.Background(), "v1", false)
	require.ErrorIs(t, err, ErrModelCorrupt)

	// A failed load caches nothing.
	require.Zero(t, registry.Health().Size)
}

func TestRegistryConcurrentLoadsShareOneRead(t *testing.T) {
	root := t.TempDir()
	writeTestModel(t, root, "v1")
	store := &countingStore{Store: NewFileStore(root)}
	registry := newTestRegistry(t, store, 3)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := registry.Load(context.Background(), "v1", false)
			errs[i] = err
			if err == nil {
				handle.Release()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), store.reads.Load())
}

func TestRegistryCachedLoadSkipsStore(t *testing.T) {
	root := t.TempDir()
	writeTestModel(t, root, "v1")
	store := &countingStore{Store: NewFileStore(root)}
	registry := newTestRegistry(t, store, 3)

	for i := 0; i < 3; i++ {
		handle, err := registry.Load(context.Background(), "v1", false)
		require.NoError(t, err)
		handle.Release()
	}
	require.Equal(t, int64(1), store.reads.Load())

	// Force reloads from the store even when cached.
	handle, err := registry.Load(context.Background(), "v1", true)
	require.NoError(t, err)
	handle.Release()
	require.Equal(t, int64(2), store.reads.Load())
}

func TestRegistryEvictsLeastRecentlyUsed(t *testing.T) {
	root := t.TempDir()
	writeTestModel(t, root, "v1")
	writeTestModel(t, root, "v2")
	writeTestModel(t, root, "v3")
	registry := newTestRegistry(t, NewFileStore(root), 2)

	for _, version := range []string{"v1", "v2"} {
		handle, err := registry.Load(context.Background(), version, false)
		require.NoError(t, err)
		handle.Release()
	}

	// Touch v1 so v2 becomes the eviction candidate.
	handle, err := registry.Load(context.Background(), "v1", false)
	require.NoError(t, err)
	handle.Counters().Record(0, false)
	handle.Release()

	handle, err = registry.Load(context.Background(), "v3", false)
	require.NoError(t, err)
	handle.Release()

	health := registry.Health()
	require.Equal(t, 2, health.Size)
	require.Contains(t, health.Models, "v1")
	require.Contains(t, health.Models, "v3")
	require.NotContains(t, health.Models, "v2")
}

func TestRegistryEvictionSparesHeldHandles(t *testing.T) {
	root := t.TempDir()
	writeTestModel(t, root, "v1")
	registry := newTestRegistry(t, NewFileStore(root), 3)

	handle, err := registry.Load(context.Background(), "v1", false)
	require.NoError(t, err)

	require.True(t, registry.Evict("v1"))
	require.NotContains(t, registry.Health().Models, "v1")

	// The in-flight reference keeps the network alive until released.
	require.NotNil(t, handle.Network())
	handle.Release()
	require.Nil(t, handle.Network())

	// Evicting again is a no-op.
	require.False(t, registry.Evict("v1"))
}

func TestRegistryLoadable(t *testing.T) {
	root := t.TempDir()
	writeTestModel(t, root, "v1")
	registry := newTestRegistry(t, NewFileStore(root), 3)

	require.True(t, registry.Loadable("v1"))
	require.False(t, registry.Loadable("missing"))

	handle, err := registry.Load(context.Background(), "v1", false)
	require.NoError(t, err)
	handle.Release()
	require.True(t, registry.Loadable("v1"))
}

func TestRegistryCorruptVersionNotLoadable(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "v1")
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "model.weights"), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "labels.txt"), []byte("healthy\n"), 0o644))

	registry := newTestRegistry(t, NewFileStore(root), 3)
	require.True(t, registry.Loadable("v1"))

	// A version whose artifact cannot parse must report unloadable even
	// though the file exists on disk.
	_, err := registry.Load(context.Background(), "v1", false)
	require.ErrorIs(t, err, ErrModelCorrupt)
	require.False(t, registry.Loadable("v1"))

	// Repairing the artifact clears the failure on the next load.
	writeTestModel(t, root, "v1")
	handle, err := registry.Load(context.Background(), "v1", false)
	require.NoError(t, err)
	handle.Release()
	require.True(t, registry.Loadable("v1"))
}

func TestRegistryLabelCountMismatch(t *testing.T) {
	root := t.TempDir()
	writeTestModel(t, root, "v1")
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "v1", "labels.txt"),
		[]byte("healthy\ndiseased\n"),
		0o644,
	))
	registry := newTestRegistry(t, NewFileStore(root), 3)

	_, err := registry.Load(context.Background(), "v1", false)
	require.ErrorIs(t, err, ErrModelCorrupt)
}
