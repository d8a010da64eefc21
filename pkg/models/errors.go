package models

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrModelNotFound is a sentinel error returned when a model version has no
// artifact in the store. If returned in conjunction with an HTTP request, it
// should be paired with a 404 response status.
var ErrModelNotFound = errors.New("model not found")

// ErrModelCorrupt is a sentinel error matched by CorruptError.
var ErrModelCorrupt = errors.New("model corrupt")

// ErrUnsupportedArchitecture is a sentinel error matched by ArchitectureError.
var ErrUnsupportedArchitecture = errors.New("unsupported model architecture")

// ErrInvalidImage is a sentinel error matched by InvalidImageError. It
// indicates a client input problem, never a transient condition, and must not
// be retried.
var ErrInvalidImage = errors.New("invalid image")

// CorruptError indicates that a model artifact failed integrity validation.
type CorruptError struct {
	Version  string
	Declared digest.Digest
	Computed digest.Digest
	Reason   string
}

func (e *CorruptError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("model %q corrupt: %s", e.Version, e.Reason)
	}
	return fmt.Sprintf(
		"model %q corrupt: checksum mismatch (declared %s, computed %s)",
		e.Version, e.Declared, e.Computed,
	)
}

// Is implements error matching for CorruptError.
func (e *CorruptError) Is(target error) bool {
	return target == ErrModelCorrupt
}

// ArchitectureError indicates that a model artifact declares an architecture
// this runner cannot reconstruct.
type ArchitectureError struct {
	Version      string
	Architecture string
}

func (e *ArchitectureError) Error() string {
	return fmt.Sprintf("model %q declares unsupported architecture %q", e.Version, e.Architecture)
}

// Is implements error matching for ArchitectureError.
func (e *ArchitectureError) Is(target error) bool {
	return target == ErrUnsupportedArchitecture
}

// InvalidImageError indicates that an input image could not be decoded or is
// below the minimum pixel dimensions.
type InvalidImageError struct {
	Reason string
	Err    error
}

func (e *InvalidImageError) Error() string {
	return "invalid image: " + e.Reason
}

func (e *InvalidImageError) Unwrap() error {
	return e.Err
}

// Is implements error matching for InvalidImageError.
func (e *InvalidImageError) Is(target error) bool {
	return target == ErrInvalidImage
}
