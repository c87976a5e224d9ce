package tools

import (
	"errors"
	"fmt"
)

// ErrInvalidArguments is returned when a tool call's arguments do not
// match the tool's schema.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// ErrToolUnavailable is returned when a tool call names a tool outside
// the closed set this package defines. It indicates a model
// hallucination rather than a transient failure; the call is dropped.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ExecutionError reports a tool that was recognised but failed to run.
type ExecutionError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}
