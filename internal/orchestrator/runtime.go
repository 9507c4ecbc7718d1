// Package orchestrator sequences container lifecycle operations over a
// resolved service selection, in dependency-respecting order, through an
// external container runtime.
package orchestrator

import (
	"context"
	"io"

	"github.com/cage-dev/cage/internal/core/project"
)

// =============================================================================
// Container Runtime Collaborator
// =============================================================================

// ContainerState is the runtime's view of a service's container.
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
	StateAbsent  ContainerState = "absent"
)

// RunOptions carries CLI-level overrides for ephemeral runs.
type RunOptions struct {
	Entrypoint  string
	Environment map[string]string
	User        string
	Detached    bool
	TTY         bool
}

// ExecOptions carries overrides for exec in a running container.
type ExecOptions struct {
	User       string
	TTY        bool
	Privileged bool
}

// LogOptions controls log streaming.
type LogOptions struct {
	Follow bool
	Tail   string // "" or "all" for full backlog, otherwise a line count
}

// Runtime is the container runtime collaborator. Every method is a
// suspension point: implementations must honor context cancellation so an
// interrupt during a long build, start, or log stream propagates promptly.
type Runtime interface {
	BuildImage(ctx context.Context, svc *project.Service) error
	PullImage(ctx context.Context, svc *project.Service) error
	StartContainer(ctx context.Context, svc *project.Service) error
	StopContainer(ctx context.Context, svc *project.Service) error
	RemoveContainer(ctx context.Context, svc *project.Service) error

	// RunEphemeral launches a new container from the service definition,
	// waits for it unless detached, and returns its exit code. The command
	// vector is passed through verbatim.
	RunEphemeral(ctx context.Context, svc *project.Service, command []string, opts RunOptions) (int, error)

	// ExecInContainer runs a command in the service's running container and
	// returns its exit code.
	ExecInContainer(ctx context.Context, svc *project.Service, command []string, opts ExecOptions) (int, error)

	// StreamLogs copies the container's log stream to out, staying open
	// when following until the context is cancelled.
	StreamLogs(ctx context.Context, svc *project.Service, opts LogOptions, out io.Writer) error

	ContainerStatus(ctx context.Context, svc *project.Service) (ContainerState, error)
}
