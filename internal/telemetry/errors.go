package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks caller mistakes. Never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound covers both a missing device and a device owned by someone
	// else; callers must not be able to tell the two apart.
	ErrNotFound = errors.New("not found")
)

// StorageError wraps a failure of the underlying storage. The operation may
// succeed if retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Retryable() bool { return true }

func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err carries a retryable storage failure.
func IsRetryable(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Retryable()
}
