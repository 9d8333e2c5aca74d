package logging

import (
	"errors"
	"fmt"
)

// OperationError annotates an error with the operation that failed and the
// entity it was acting on (request, attempt, transaction or user id).
type OperationError struct {
	Operation string
	Ref       string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.Ref != "" {
		return fmt.Sprintf("%s (ref=%s): %v", e.Operation, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
func NewOperationError(operation, ref string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, Ref: ref, Err: err}
}

// OperationOf reports the innermost operation name attached to err, if any.
func OperationOf(err error) string {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Operation
	}
	return ""
}
