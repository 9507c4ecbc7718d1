// Package mergetree implements the tagged-variant configuration tree that
// pod definitions are parsed into, and the deterministic merge over it.
// This is part of the Functional Core - all functions are pure with no I/O.
package mergetree

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrMalformedConfig indicates input that could not be parsed as YAML.
	ErrMalformedConfig = errors.New("malformed configuration")

	// ErrConflictingType indicates base and overlay disagree on node kind
	// at the same key.
	ErrConflictingType = errors.New("conflicting node kinds")
)

// ParseError wraps a YAML decoding failure with the file it came from.
type ParseError struct {
	File    string
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ConflictError reports a kind mismatch between base and overlay at a path.
type ConflictError struct {
	Path        string // e.g., "services.web.environment"
	BaseKind    Kind
	OverlayKind Kind
	File        string // overlay file, when known
	Line        int
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s: cannot merge %s over %s", e.Path, e.OverlayKind, e.BaseKind)
	if e.File != "" {
		return fmt.Sprintf("%s (%s:%d)", msg, e.File, e.Line)
	}
	return msg
}

func (e *ConflictError) Unwrap() error {
	return ErrConflictingType
}
