package models

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/aquasense/inference-runner/pkg/logging"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Capacity is the maximum number of versions held in memory. Loading
	// beyond it synchronously evicts the least-recently-used version.
	Capacity int
	// WarmupRuns is the number of synthetic inferences run after a load to
	// force lazy initialization before the handle is considered ready.
	WarmupRuns int
	// Device is the resolved tensor placement for all loads.
	Device Device
}

// Registry owns every loaded model instance. It loads versions on demand,
// deduplicates concurrent loads of the same version behind a single loader,
// enforces the cache capacity with least-recently-used eviction, and hands out
// reference-counted handles. One registry instance is constructed by the
// composition root and shared by the inference engine, the task dispatcher,
// and the stream router.
type Registry struct {
	log   logging.Logger
	store Store
	cfg   RegistryConfig

	// loads deduplicates in-flight loads per version so concurrent requests
	// for the same uncached version block behind one store read.
	loads singleflight.Group

	// mu guards handles and failed. Load holds it only for map operations,
	// never across store I/O or warm-up.
	mu      sync.RWMutex
	handles map[string]*Handle
	// failed remembers the last fatal load error per version (corrupt
	// artifact, unsupported architecture). Such versions cannot load until
	// their artifact changes and must report as unloadable.
	failed map[string]error
}

// NewRegistry creates a model registry over the given store.
func NewRegistry(log logging.Logger, store Store, cfg RegistryConfig) *Registry {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	return &Registry{
		log:     log,
		store:   store,
		cfg:     cfg,
		handles: make(map[string]*Handle, cfg.Capacity),
		failed:  make(map[string]error),
	}
}

// Load returns a ready-to-use handle for a version, loading it from the store
// if it is not cached. When force is set, any cached instance is replaced by a
// fresh load. The returned handle carries one reference that the caller must
// drop with Release.
func (r *Registry) Load(ctx context.Context, version string, force bool) (*Handle, error) {
	if version == "" {
		return nil, fmt.Errorf("%w: empty version", ErrModelNotFound)
	}

	for {
		if !force {
			r.mu.RLock()
			cached := r.handles[version]
			r.mu.RUnlock()
			if cached != nil && cached.tryAcquire() {
				return cached, nil
			}
		}

		handle, err := r.loadShared(ctx, version, force)
		if err != nil {
			return nil, err
		}
		if handle.tryAcquire() {
			return handle, nil
		}

		// The freshly loaded handle was evicted before we could take a
		// reference (a burst of loads beyond capacity). Retry with a fresh
		// load.
		force = false
	}
}

// loadShared funnels concurrent loads of one version through a single loader.
// Exactly one store read occurs per flight; every waiter shares its result.
func (r *Registry) loadShared(ctx context.Context, version string, force bool) (*Handle, error) {
	v, err, _ := r.loads.Do(version, func() (any, error) {
		if !force {
			// Double-check under the flight: another loader may have finished
			// between our cache miss and acquiring the flight.
			r.mu.RLock()
			cached := r.handles[version]
			r.mu.RUnlock()
			if cached != nil {
				return cached, nil
			}
		}
		handle, err := r.loadFromStore(ctx, version)
		if err != nil {
			r.recordLoadFailure(version, err)
			return nil, err
		}
		r.insert(handle)
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// loadFromStore performs one full load: store reads, checksum validation,
// architecture reconstruction, label attach, and warm-up.
func (r *Registry) loadFromStore(ctx context.Context, version string) (*Handle, error) {
	started := time.Now()

	raw, err := r.store.ReadWeights(ctx, version)
	if err != nil {
		return nil, err
	}
	weights, err := parseWeights(version, raw)
	if err != nil {
		return nil, err
	}
	network, err := buildNetwork(version, weights)
	if err != nil {
		return nil, err
	}
	labels, err := r.store.ReadLabels(ctx, version)
	if err != nil {
		return nil, err
	}
	if len(labels) != network.OutputDim() {
		return nil, &CorruptError{
			Version: version,
			Reason: fmt.Sprintf(
				"label count %d does not match output dimension %d",
				len(labels), network.OutputDim(),
			),
		}
	}

	handle := &Handle{
		version:      version,
		architecture: network.Architecture(),
		checksum:     weights.declared,
		paramCount:   weights.paramCount(),
		labels:       labels,
		device:       r.cfg.Device,
		loadedAt:     time.Now(),
		counters:     &Counters{},
		pipeline:     newPipeline(weights.inputWidth, weights.inputHeight),
		network:      network,
	}

	if err := r.warmUp(ctx, handle); err != nil {
		return nil, fmt.Errorf("warm-up failed for %s: %w", version, err)
	}

	r.log.Infof(
		"Loaded model %s (%s, %d params, %s, device %s) in %v",
		version, handle.architecture,
		handle.paramCount,
		units.HumanSize(float64(len(raw))),
		handle.device, time.Since(started).Round(time.Millisecond),
	)
	return handle, nil
}

// warmUp runs synthetic inferences through the freshly built network to force
// any lazy initialization before real traffic arrives.
func (r *Registry) warmUp(ctx context.Context, handle *Handle) error {
	synthetic := make([]float64, handle.network.InputDim())
	for i := range synthetic {
		synthetic[i] = 0.5
	}
	for i := 0; i < r.cfg.WarmupRuns; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := handle.network.Forward(synthetic); err != nil {
			return err
		}
	}
	return nil
}

// insert registers a freshly loaded handle, replacing any previous instance of
// the same version and synchronously evicting least-recently-used versions
// while the cache exceeds capacity.
func (r *Registry) insert(handle *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if previous := r.handles[handle.version]; previous != nil {
		previous.markEvicted()
	}
	r.handles[handle.version] = handle
	delete(r.failed, handle.version)

	for len(r.handles) > r.cfg.Capacity {
		victim := r.leastRecentlyUsedLocked(handle.version)
		if victim == "" {
			break
		}
		r.log.Infof("Evicting least-recently-used model %s", victim)
		r.handles[victim].markEvicted()
		delete(r.handles, victim)
	}
}

// leastRecentlyUsedLocked picks the eviction victim: the version with the
// oldest last-used time, falling back to load time for versions that have
// never served a call. The version being inserted is exempt. The caller must
// hold mu.
func (r *Registry) leastRecentlyUsedLocked(exempt string) string {
	var victim string
	var oldest time.Time
	for version, handle := range r.handles {
		if version == exempt {
			continue
		}
		used := handle.counters.lastUsedTime()
		if used.IsZero() {
			used = handle.loadedAt
		}
		if victim == "" || used.Before(oldest) {
			victim = version
			oldest = used
		}
	}
	return victim
}

// Evict removes a version from the cache and releases its memory once no
// in-flight call holds a reference. It reports whether the version was cached.
func (r *Registry) Evict(version string) bool {
	r.mu.Lock()
	handle := r.handles[version]
	delete(r.handles, version)
	r.mu.Unlock()

	if handle == nil {
		return false
	}
	handle.markEvicted()
	r.log.Infof("Evicted model %s", version)
	return true
}

// ModelStatus describes one cached model in a health snapshot.
type ModelStatus struct {
	Architecture string          `json:"architecture"`
	Checksum     digest.Digest   `json:"checksum"`
	ParamCount   int64           `json:"param_count"`
	Device       Device          `json:"device"`
	LoadedAt     time.Time       `json:"loaded_at"`
	Labels       []string        `json:"labels"`
	Counters     CounterSnapshot `json:"counters"`
}

// HealthSnapshot is a point-in-time view of the registry.
type HealthSnapshot struct {
	Size     int                    `json:"size"`
	Capacity int                    `json:"capacity"`
	Device   Device                 `json:"device"`
	Models   map[string]ModelStatus `json:"models"`
}

// Health returns a snapshot of every cached model's counters plus cache size
// and device info. It holds the registry lock only to copy the handle set, so
// it never blocks other readers for long.
func (r *Registry) Health() HealthSnapshot {
	r.mu.RLock()
	handles := make(map[string]*Handle, len(r.handles))
	for version, handle := range r.handles {
		handles[version] = handle
	}
	r.mu.RUnlock()

	snapshot := HealthSnapshot{
		Size:     len(handles),
		Capacity: r.cfg.Capacity,
		Device:   r.cfg.Device,
		Models:   make(map[string]ModelStatus, len(handles)),
	}
	for version, handle := range handles {
		snapshot.Models[version] = handle.Status()
	}
	return snapshot
}

// recordLoadFailure remembers errors that make a version permanently
// unloadable. Transient failures (cancellation, I/O) are not recorded; a later
// load attempt may succeed.
func (r *Registry) recordLoadFailure(version string, err error) {
	if !errors.Is(err, ErrModelCorrupt) && !errors.Is(err, ErrUnsupportedArchitecture) {
		return
	}
	r.mu.Lock()
	r.failed[version] = err
	r.mu.Unlock()
}

// Loadable reports whether a version is cached or could plausibly load: it has
// an artifact in the store and its last load attempt did not fail fatally. It
// is intentionally cheap: health reporting calls it for every required
// version.
func (r *Registry) Loadable(version string) bool {
	r.mu.RLock()
	_, cached := r.handles[version]
	_, fatal := r.failed[version]
	r.mu.RUnlock()
	if cached {
		return true
	}
	if fatal {
		return false
	}
	return r.store.Exists(version)
}
