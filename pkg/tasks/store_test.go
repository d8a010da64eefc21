package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreLifecycle(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create("task-1"))

	status, err := s.Get("task-1")
	require.NoError(t, err)
	require.Equal(t, StatePending, status.State)

	require.NoError(t, s.Update("task-1", Status{State: StateProcessing}))
	require.NoError(t, s.Update("task-1", Status{
		State:    StateProcessing,
		Progress: &Progress{Completed: 16, Total: 64},
	}))
	require.NoError(t, s.Update("task-1", Status{State: StateSuccess}))

	status, err = s.Get("task-1")
	require.NoError(t, err)
	require.Equal(t, StateSuccess, status.State)
}

func TestStoreCreateDuplicate(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create("task-1"))
	require.Error(t, s.Create("task-1"))
}

func TestStoreGetUnknown(t *testing.T) {
	s := NewStore()
	_, err := s.Get("nope")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestStoreRejectsBackwardTransitions(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create("task-1"))
	require.NoError(t, s.Update("task-1", Status{State: StateProcessing}))

	// No way back to PENDING.
	require.ErrorIs(t, s.Update("task-1", Status{State: StatePending}), ErrTerminalState)

	// Terminal states reject every further update.
	require.NoError(t, s.Update("task-1", Status{State: StateFailure, Failure: &Failure{Kind: FailureKindInternal}}))
	require.ErrorIs(t, s.Update("task-1", Status{State: StateProcessing}), ErrTerminalState)
	require.ErrorIs(t, s.Update("task-1", Status{State: StateSuccess}), ErrTerminalState)

	status, err := s.Get("task-1")
	require.NoError(t, err)
	require.Equal(t, StateFailure, status.State)
}

func TestStorePurge(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Create("done"))
	require.NoError(t, s.Update("done", Status{State: StateSuccess}))
	require.NoError(t, s.Create("running"))
	require.NoError(t, s.Update("running", Status{State: StateProcessing}))

	// Nothing is old enough yet.
	require.Zero(t, s.Purge(time.Hour))
	require.Equal(t, 2, s.Len())

	time.Sleep(10 * time.Millisecond)

	// Only the terminal record is purged; the stuck one stays visible.
	require.Equal(t, 1, s.Purge(time.Millisecond))
	require.Equal(t, 1, s.Len())
	_, err := s.Get("done")
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = s.Get("running")
	require.NoError(t, err)
}
