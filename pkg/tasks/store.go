package tasks

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTaskNotFound is returned when a task id has no record, either because it
// never existed or because its record aged out of retention.
var ErrTaskNotFound = errors.New("task not found")

// ErrTerminalState is returned for transitions out of SUCCESS or FAILURE, and
// for any transition back to PENDING.
var ErrTerminalState = errors.New("task is in a terminal state")

// Store holds task status records in memory with bounded retention. Terminal
// records stay visible to status polling until the cleanup task purges
// records older than the retention window.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Status
}

// NewStore creates an empty task store.
func NewStore() *Store {
	return &Store{records: make(map[string]*Status)}
}

// Create registers a new task record in PENDING state.
func (s *Store) Create(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return fmt.Errorf("task %s already exists", id)
	}
	s.records[id] = &Status{State: StatePending, UpdatedAt: time.Now()}
	return nil
}

// Get returns a copy of a task's status.
func (s *Store) Get(id string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return *record, nil
}

// Update transitions a task's status. Transitions are monotonic: terminal
// records reject every update, and no record ever returns to PENDING.
func (s *Store) Update(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if record.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, id, record.State)
	}
	if status.State < record.State {
		return fmt.Errorf(
			"%w: cannot transition %s from %s back to %s",
			ErrTerminalState, id, record.State, status.State,
		)
	}
	status.UpdatedAt = time.Now()
	s.records[id] = &status
	return nil
}

// Purge removes records not updated within the retention window and returns
// how many were removed. Only terminal records are purged; a stuck PROCESSING
// record stays visible for diagnosis.
func (s *Store) Purge(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, record := range s.records {
		if record.State.Terminal() && record.UpdatedAt.Before(cutoff) {
			delete(s.records, id)
			purged++
		}
	}
	return purged
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
