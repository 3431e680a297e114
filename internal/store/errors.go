package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document does not exist.
// Callers use it to implement "does not exist yet" logic; it is never
// folded into transport failures.
var ErrNotFound = errors.New("document not found")

// ErrConflict is returned when a conditional put targets a stale revision.
// Callers must retry via UpdateWithRetry, not blindly resubmit.
var ErrConflict = errors.New("revision conflict")

// ErrClosed is returned when an operation is issued against a closed replica
var ErrClosed = errors.New("replica closed")

// TransportError wraps a network or remote failure for a single request.
// The replication driver retries these; every other caller surfaces them once.
type TransportError struct {
	Op    string
	Cause error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying error
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// IsTransport reports whether err is (or wraps) a TransportError
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
