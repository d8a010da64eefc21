package models

import (
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
)

// Handle is a reference-counted, ready-to-use model instance: the
// reconstructed network, its preprocessing pipeline, its label list, and its
// performance counters. Handles returned by Registry.Load carry one reference
// that the caller must drop with Release once the inference completes.
// Eviction never tears down a handle that in-flight calls still reference; the
// weights are released when the last reference drops.
type Handle struct {
	version      string
	architecture string
	checksum     digest.Digest
	paramCount   int64
	labels       []string
	device       Device
	loadedAt     time.Time
	counters     *Counters
	pipeline     *Pipeline

	mu      sync.Mutex
	network *Network
	refs    uint
	evicted bool
}

// Version returns the model's version tag.
func (h *Handle) Version() string {
	return h.version
}

// Architecture returns the model's architecture name.
func (h *Handle) Architecture() string {
	return h.architecture
}

// Checksum returns the validated artifact digest.
func (h *Handle) Checksum() digest.Digest {
	return h.checksum
}

// ParamCount returns the model's total parameter count.
func (h *Handle) ParamCount() int64 {
	return h.paramCount
}

// Labels returns the class label list in class-index order.
func (h *Handle) Labels() []string {
	return h.labels
}

// Device returns where the model's tensors are placed.
func (h *Handle) Device() Device {
	return h.device
}

// LoadedAt returns when this version was loaded.
func (h *Handle) LoadedAt() time.Time {
	return h.loadedAt
}

// Counters returns the handle's performance counter set.
func (h *Handle) Counters() *Counters {
	return h.counters
}

// Pipeline returns the handle's preprocessing pipeline.
func (h *Handle) Pipeline() *Pipeline {
	return h.pipeline
}

// Status summarizes the handle for health and model-list responses.
func (h *Handle) Status() ModelStatus {
	return ModelStatus{
		Architecture: h.architecture,
		Checksum:     h.checksum,
		ParamCount:   h.paramCount,
		Device:       h.device,
		LoadedAt:     h.loadedAt,
		Labels:       h.labels,
		Counters:     h.counters.Snapshot(),
	}
}

// Network returns the reconstructed network. It remains valid until Release is
// called; callers must not retain it past that point.
func (h *Handle) Network() *Network {
	return h.pipelineNetwork()
}

// pipelineNetwork reads the network under the handle lock.
func (h *Handle) pipelineNetwork() *Network {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.network
}

// tryAcquire takes a reference on the handle. It fails if the handle has
// already been evicted, in which case the caller must retry its lookup.
func (h *Handle) tryAcquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evicted {
		return false
	}
	h.refs++
	return true
}

// Release drops one reference. The weights are freed once the handle has been
// evicted and the last in-flight reference is gone.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return
	}
	h.refs--
	if h.evicted && h.refs == 0 {
		h.network = nil
	}
}

// markEvicted removes the handle from service. In-flight references complete
// normally; the network is freed immediately only when nothing holds one.
func (h *Handle) markEvicted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evicted {
		return
	}
	h.evicted = true
	if h.refs == 0 {
		h.network = nil
	}
}
