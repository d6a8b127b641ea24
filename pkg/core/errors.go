// Package core provides the GraphMem engine: the ingestion, projection, and
// retrieval facade over the ledger, graph, vector, and affinity components.
package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotStarted indicates that a dispatcher operation was requested
	// before Start.
	ErrNotStarted = errors.New("dispatcher not started")
)

// EngineError wraps errors with operation context.
//
// It provides additional context about which operation failed,
// making error messages more informative for debugging.
//
// Example:
//
//	err := &EngineError{
//	    Op:  "AddTurn",
//	    Err: ErrInvalidInput,
//	}
//	// Error() returns: "graphmem: AddTurn: invalid input"
type EngineError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "graphmem: <Op>: <Err>"
func (e *EngineError) Error() string {
	return fmt.Sprintf("graphmem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
//
// This allows using errors.Is() and errors.As() with EngineError.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewEngineError("AddTurn", err)
//	}
//
// Parameters:
//   - op: Name of the operation (e.g., "AddTurn", "Ask", "Requeue")
//   - err: The underlying error to wrap
//
// Returns an EngineError, or nil if err is nil.
func NewEngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{
		Op:  op,
		Err: err,
	}
}
