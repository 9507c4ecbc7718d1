package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotRunning indicates an exec/shell target whose container is not
	// currently running.
	ErrNotRunning = errors.New("container not running")

	// ErrNoTestCommand indicates a test invocation with neither a test
	// label nor a command argument.
	ErrNoTestCommand = errors.New("no test command")

	// ErrRuntimeOperation wraps failures reported by the container runtime.
	ErrRuntimeOperation = errors.New("runtime operation failed")
)

// NotRunningError names the service whose container was expected to run.
type NotRunningError struct {
	Ref   string
	State ContainerState
}

func (e *NotRunningError) Error() string {
	return fmt.Sprintf("%s has no running container (state: %s)", e.Ref, e.State)
}

func (e *NotRunningError) Unwrap() error {
	return ErrNotRunning
}

// OperationError wraps one runtime failure with the verb and unit it hit.
type OperationError struct {
	Op  string
	Ref string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *OperationError) Unwrap() error {
	return ErrRuntimeOperation
}

// AggregateError summarizes the failed units of one lifecycle operation.
// Units that succeeded stay succeeded; there is no rollback.
type AggregateError struct {
	Op     string
	Failed []Outcome
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, outcome := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s (%v)", outcome.Ref, outcome.Err))
	}
	return fmt.Sprintf("%s: %d unit(s) failed: %s", e.Op, len(e.Failed), strings.Join(parts, "; "))
}

func (e *AggregateError) Unwrap() error {
	return ErrRuntimeOperation
}
