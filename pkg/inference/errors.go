package inference

import (
	"errors"
	"fmt"
)

// ErrBatchTooLarge is a sentinel error matched by BatchTooLargeError. Like an
// invalid image, an oversized batch is a client error and is never retried.
var ErrBatchTooLarge = errors.New("batch too large")

// BatchTooLargeError indicates that a batched prediction exceeded the
// configured maximum batch size. It is surfaced before any work begins.
type BatchTooLargeError struct {
	Size  int
	Limit int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("batch of %d images exceeds the maximum batch size %d", e.Size, e.Limit)
}

// Is implements error matching for BatchTooLargeError.
func (e *BatchTooLargeError) Is(target error) bool {
	return target == ErrBatchTooLarge
}

// InferenceError wraps a runtime failure from a model forward pass. The task
// dispatcher treats it as transient and retries it up to the policy limit;
// synchronous callers receive it directly.
type InferenceError struct {
	Version string
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed for model %q: %v", e.Version, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
