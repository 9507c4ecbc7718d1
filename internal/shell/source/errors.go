// Package source manages external source trees: cloning declared
// repositories into the project state directory and tracking which aliases
// are live-mounted into containers.
package source

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrUnknownAlias is returned for an alias the sources file does not
	// declare.
	ErrUnknownAlias = errors.New("unknown source alias")

	// ErrCloneFailed is returned when cloning a source repository fails.
	ErrCloneFailed = errors.New("source clone failed")

	// ErrStateFailed is returned when reading or writing mount state fails.
	ErrStateFailed = errors.New("source state operation failed")
)

// SourceError wraps errors with the alias and operation that hit them.
type SourceError struct {
	Op      string
	Alias   string
	Message string
	Err     error
}

func (e *SourceError) Error() string {
	if e.Alias != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Alias, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewSourceError creates a new SourceError.
func NewSourceError(op, alias, message string, err error) *SourceError {
	return &SourceError{Op: op, Alias: alias, Message: message, Err: err}
}
