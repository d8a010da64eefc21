// Package tasks turns inference requests into durable, retryable,
// independently observable units of work executed by a worker pool.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aquasense/inference-runner/pkg/bus"
	"github.com/aquasense/inference-runner/pkg/inference"
	"github.com/aquasense/inference-runner/pkg/models"
)

// State is a task's lifecycle state. Transitions are monotonic: a task never
// returns to Pending, and terminal states accept no further transitions.
type State uint8

const (
	// StatePending means the task is enqueued but no worker has picked it up.
	StatePending State = iota
	// StateProcessing means a worker is executing the task.
	StateProcessing
	// StateSuccess is terminal: the task completed with results attached.
	StateSuccess
	// StateFailure is terminal: the task failed with the error attached.
	StateFailure
)

// String implements Stringer.String for State.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateProcessing:
		return "PROCESSING"
	case StateSuccess:
		return "SUCCESS"
	case StateFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the state as its string name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

// UnmarshalJSON decodes a state from its string name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	switch name {
	case "PENDING":
		*s = StatePending
	case "PROCESSING":
		*s = StateProcessing
	case "SUCCESS":
		*s = StateSuccess
	case "FAILURE":
		*s = StateFailure
	default:
		return fmt.Errorf("unknown task state %q", name)
	}
	return nil
}

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Progress is optional intermediate progress attached to Processing updates.
// Consumers polling task status must tolerate any number of such updates.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Failure describes a terminal task failure.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Failure kinds attached to failed tasks.
const (
	FailureKindModelNotFound = "model_not_found"
	FailureKindModelCorrupt  = "model_corrupt"
	FailureKindArchitecture  = "unsupported_architecture"
	FailureKindInvalidImage  = "invalid_image"
	FailureKindBatchTooLarge = "batch_too_large"
	FailureKindInference     = "inference_error"
	FailureKindTimeout       = "timeout"
	FailureKindBroker        = "broker_error"
	FailureKindInternal      = "internal"
)

// Payload is the unit of work: one or more encoded images plus the requested
// model version. A single image runs through the single-prediction path; more
// than one runs through the batched path.
type Payload struct {
	Images  [][]byte `json:"images"`
	Version string   `json:"version,omitempty"`
}

// Task is one queued unit of asynchronous inference work.
type Task struct {
	ID          string    `json:"id"`
	Payload     Payload   `json:"payload"`
	Attempt     int       `json:"attempt"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Status is a task's externally visible state: the lifecycle state plus
// whichever of progress, results, or failure applies to it.
type Status struct {
	State     State                        `json:"state"`
	Progress  *Progress                    `json:"progress,omitempty"`
	Results   []inference.PredictionResult `json:"results,omitempty"`
	Failure   *Failure                     `json:"failure,omitempty"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// classify maps an execution error to a failure kind and whether the
// dispatcher may retry it. Client input errors and load-time model errors are
// never retried; broker connectivity and forward-pass failures are transient.
func classify(err error) (kind string, retryable bool) {
	switch {
	case errors.Is(err, models.ErrModelNotFound):
		return FailureKindModelNotFound, false
	case errors.Is(err, models.ErrModelCorrupt):
		return FailureKindModelCorrupt, false
	case errors.Is(err, models.ErrUnsupportedArchitecture):
		return FailureKindArchitecture, false
	case errors.Is(err, models.ErrInvalidImage):
		return FailureKindInvalidImage, false
	case errors.Is(err, inference.ErrBatchTooLarge):
		return FailureKindBatchTooLarge, false
	case errors.Is(err, bus.ErrBroker):
		return FailureKindBroker, true
	case errors.Is(err, context.DeadlineExceeded):
		return FailureKindTimeout, false
	default:
		var inferenceErr *inference.InferenceError
		if errors.As(err, &inferenceErr) {
			return FailureKindInference, true
		}
		return FailureKindInternal, false
	}
}
