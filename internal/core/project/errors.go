// Package project contains the data model for a cage project and the pure
// composition logic that layers base pods, target overlays, source mounts,
// and default tags into one effective configuration.
package project

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrConfigNotFound indicates no pods directory was found for the project.
	ErrConfigNotFound = errors.New("project configuration not found")

	// ErrMalformedConfig indicates a pod definition that parsed as YAML but
	// is not a usable pod file.
	ErrMalformedConfig = errors.New("malformed pod definition")

	// ErrUnresolvedDependency indicates a dependency reference that does not
	// resolve to any service in the merged configuration.
	ErrUnresolvedDependency = errors.New("unresolved dependency")

	// ErrNotFound indicates a user-supplied token that matches no pod or
	// service.
	ErrNotFound = errors.New("no such pod or service")

	// ErrAmbiguousReference indicates a bare service name that exists in
	// more than one pod.
	ErrAmbiguousReference = errors.New("ambiguous reference")
)

// PodError wraps an error with the pod (and file, when known) it came from.
type PodError struct {
	Pod     string
	File    string
	Message string
	Err     error
}

func (e *PodError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("pod %s (%s): %s", e.Pod, e.File, e.Message)
	}
	return fmt.Sprintf("pod %s: %s", e.Pod, e.Message)
}

func (e *PodError) Unwrap() error {
	return e.Err
}

// UnresolvedDependencyError names the service whose dependency reference
// cannot be resolved.
type UnresolvedDependencyError struct {
	Service string // "pod/service" of the declaring service
	Ref     string // the unresolvable reference
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("%s depends on %s, which does not exist", e.Service, e.Ref)
}

func (e *UnresolvedDependencyError) Unwrap() error {
	return ErrUnresolvedDependency
}

// NotFoundError reports a token that resolved to nothing.
type NotFoundError struct {
	Token string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no pod or service named %q", e.Token)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// AmbiguousReferenceError enumerates every candidate for an ambiguous token.
// Candidates are never picked implicitly.
type AmbiguousReferenceError struct {
	Token      string
	Candidates []string // "pod/service" for each match
}

func (e *AmbiguousReferenceError) Error() string {
	return fmt.Sprintf("%q is ambiguous: could be %s",
		e.Token, strings.Join(e.Candidates, ", "))
}

func (e *AmbiguousReferenceError) Unwrap() error {
	return ErrAmbiguousReference
}
