package occurrence

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnauthorized is returned when a non-privileged actor attempts a
	// guarded mutation. Nothing has been read or written when it is returned.
	ErrUnauthorized = errors.New("actor lacks administrative privilege")

	ErrNotFound          = errors.New("occurrence not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTerminal          = errors.New("occurrence is in a terminal state")
	ErrVersionConflict   = errors.New("occurrence was modified by another request")
	ErrDuplicateProtocol = errors.New("protocol already exists")
)

// ValidationError carries every violation found for a rejected mutation.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	codes := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		codes = append(codes, string(v.Code))
	}
	return "validation failed: " + strings.Join(codes, ", ")
}

// UnknownOriginError is a programmer or configuration error: the origin table
// has no registered attachment binding.
type UnknownOriginError struct {
	OriginTable string
}

func (e *UnknownOriginError) Error() string {
	return fmt.Sprintf("unknown origin table %q", e.OriginTable)
}

// UploadPartialFailure means the object was stored but its database row could
// not be written. The stored object has already been removed (or removal was
// attempted, see CleanupErr).
type UploadPartialFailure struct {
	Path       string
	Err        error
	CleanupErr error
}

func (e *UploadPartialFailure) Error() string {
	if e.CleanupErr != nil {
		return fmt.Sprintf("attachment row insert failed for %s: %v (cleanup failed: %v)", e.Path, e.Err, e.CleanupErr)
	}
	return fmt.Sprintf("attachment row insert failed for %s: %v", e.Path, e.Err)
}

func (e *UploadPartialFailure) Unwrap() error { return e.Err }

// ExternalServiceError wraps a failure of the PDF or webhook collaborators.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }
