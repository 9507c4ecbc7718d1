package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	shellwords "github.com/mattn/go-shellwords"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cage-dev/cage/internal/core/graph"
	"github.com/cage-dev/cage/internal/core/project"
)

// =============================================================================
// Orchestrator
// =============================================================================

// DefaultJobs bounds concurrent runtime operations when no limit is given.
const DefaultJobs = 4

// Options tunes one orchestrator instance.
type Options struct {
	// Jobs is the maximum number of in-flight runtime operations.
	Jobs int

	// FailFast cancels remaining units after the first failure instead of
	// letting independent branches finish.
	FailFast bool
}

// Orchestrator drives the container runtime through lifecycle operations
// for one composed configuration.
type Orchestrator struct {
	runtime  Runtime
	graph    *graph.Graph
	logger   *slog.Logger
	jobs     int64
	failFast bool
}

// New creates an orchestrator over a validated dependency graph.
func New(runtime Runtime, g *graph.Graph, logger *slog.Logger, opts Options) *Orchestrator {
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = DefaultJobs
	}
	return &Orchestrator{
		runtime:  runtime,
		graph:    g,
		logger:   logger,
		jobs:     int64(jobs),
		failFast: opts.FailFast,
	}
}

// =============================================================================
// Batch Operations
// =============================================================================

// Up starts the selection plus its transitive dependencies in dependency
// order. A failure partway through surfaces in the result but started units
// stay running; there is no rollback.
func (o *Orchestrator) Up(ctx context.Context, selection []*project.Service) (*Result, error) {
	ordered := o.graph.StartOrder(selection)
	return o.runForward(ctx, "up", ordered, o.runtime.StartContainer)
}

// Build builds images for the selected services that declare a build
// context, in dependency order.
func (o *Orchestrator) Build(ctx context.Context, selection []*project.Service) (*Result, error) {
	buildable := make([]*project.Service, 0, len(selection))
	for _, svc := range selection {
		if svc.Build != "" {
			buildable = append(buildable, svc)
		}
	}
	ordered := o.graph.Order(buildable)
	return o.runForward(ctx, "build", ordered, o.runtime.BuildImage)
}

// Pull fetches images for the selected services that reference one.
func (o *Orchestrator) Pull(ctx context.Context, selection []*project.Service) (*Result, error) {
	pullable := make([]*project.Service, 0, len(selection))
	for _, svc := range selection {
		if svc.Image != "" {
			pullable = append(pullable, svc)
		}
	}
	ordered := o.graph.Order(pullable)
	return o.runForward(ctx, "pull", ordered, o.runtime.PullImage)
}

// Stop stops the selection in reverse dependency order, dependents first,
// continuing past individual failures.
func (o *Orchestrator) Stop(ctx context.Context, selection []*project.Service) (*Result, error) {
	ordered := o.graph.StopOrder(selection)
	return o.runReverse(ctx, "stop", ordered, o.runtime.StopContainer)
}

// Remove removes the selection's containers in reverse dependency order.
func (o *Orchestrator) Remove(ctx context.Context, selection []*project.Service) (*Result, error) {
	ordered := o.graph.StopOrder(selection)
	return o.runReverse(ctx, "rm", ordered, o.runtime.RemoveContainer)
}

// =============================================================================
// Scheduling
// =============================================================================

// runForward dispatches units concurrently, bounded by the jobs limit. A
// unit waits for every scheduled dependency to succeed before starting;
// when a dependency fails or is skipped the unit is skipped, transitively.
func (o *Orchestrator) runForward(ctx context.Context, op string, ordered []*project.Service, fn func(context.Context, *project.Service) error) (*Result, error) {
	return o.dispatch(ctx, op, ordered, fn, func(res *Result, svc *project.Service, done map[string]chan struct{}) error {
		for _, dep := range o.graph.Dependencies(svc.Ref()) {
			ch, scheduled := done[dep]
			if !scheduled {
				continue
			}
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			if status := res.status(dep); status != StatusSucceeded {
				return fmt.Errorf("dependency %s %s", dep, status)
			}
		}
		return nil
	})
}

// runReverse dispatches units so a unit waits for its scheduled dependents
// to reach a terminal state first, but proceeds whatever that state is:
// stop and rm keep going past failures.
func (o *Orchestrator) runReverse(ctx context.Context, op string, ordered []*project.Service, fn func(context.Context, *project.Service) error) (*Result, error) {
	inSet := map[string]struct{}{}
	for _, svc := range ordered {
		inSet[svc.Ref()] = struct{}{}
	}
	dependents := map[string][]string{}
	for _, svc := range ordered {
		for _, dep := range o.graph.Dependencies(svc.Ref()) {
			if _, ok := inSet[dep]; ok {
				dependents[dep] = append(dependents[dep], svc.Ref())
			}
		}
	}
	return o.dispatch(ctx, op, ordered, fn, func(res *Result, svc *project.Service, done map[string]chan struct{}) error {
		for _, dependent := range dependents[svc.Ref()] {
			select {
			case <-done[dependent]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}

// dispatch runs one goroutine per unit. The wait hook decides when a unit
// may start; a non-nil wait error marks the unit skipped.
func (o *Orchestrator) dispatch(ctx context.Context, op string, ordered []*project.Service, fn func(context.Context, *project.Service) error, wait func(*Result, *project.Service, map[string]chan struct{}) error) (*Result, error) {
	res := newResult(op, ordered)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(map[string]chan struct{}, len(ordered))
	for _, svc := range ordered {
		done[svc.Ref()] = make(chan struct{})
	}

	sem := semaphore.NewWeighted(o.jobs)
	var wg sync.WaitGroup
	for _, svc := range ordered {
		wg.Add(1)
		go func(svc *project.Service) {
			ref := svc.Ref()
			defer wg.Done()
			defer close(done[ref])

			if err := wait(res, svc, done); err != nil {
				res.skip(ref, err)
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				res.skip(ref, err)
				return
			}
			defer sem.Release(1)
			if ctx.Err() != nil {
				res.skip(ref, ctx.Err())
				return
			}

			res.start(ref)
			o.logger.Debug("runtime operation", "op", op, "unit", ref)
			if err := fn(ctx, svc); err != nil {
				res.fail(ref, &OperationError{Op: op, Ref: ref, Err: err})
				o.logger.Warn("runtime operation failed", "op", op, "unit", ref, "error", err)
				if o.failFast {
					cancel()
				}
				return
			}
			res.succeed(ref)
		}(svc)
	}
	wg.Wait()
	return res, res.Err()
}

// =============================================================================
// Single-Unit Operations
// =============================================================================

// Run launches a new ephemeral container from one service definition. The
// command vector is passed through verbatim; the container's exit code is
// returned for the caller to propagate.
func (o *Orchestrator) Run(ctx context.Context, svc *project.Service, command []string, opts RunOptions) (int, error) {
	code, err := o.runtime.RunEphemeral(ctx, svc, command, opts)
	if err != nil {
		return code, &OperationError{Op: "run", Ref: svc.Ref(), Err: err}
	}
	return code, nil
}

// Exec runs a command in the service's already-running container.
func (o *Orchestrator) Exec(ctx context.Context, svc *project.Service, command []string, opts ExecOptions) (int, error) {
	if err := o.requireRunning(ctx, svc); err != nil {
		return 1, err
	}
	code, err := o.runtime.ExecInContainer(ctx, svc, command, opts)
	if err != nil {
		return code, &OperationError{Op: "exec", Ref: svc.Ref(), Err: err}
	}
	return code, nil
}

// Shell is exec with a fixed interactive shell entrypoint and TTY forced on.
func (o *Orchestrator) Shell(ctx context.Context, svc *project.Service, opts ExecOptions) (int, error) {
	opts.TTY = true
	return o.Exec(ctx, svc, []string{"/bin/sh"}, opts)
}

// Test runs the service's test command in an ephemeral container. Command
// arguments replace the io.cage.test label's default command entirely.
func (o *Orchestrator) Test(ctx context.Context, svc *project.Service, command []string) (int, error) {
	if len(command) == 0 {
		label := svc.TestCommand()
		if label == "" {
			return 1, fmt.Errorf("%w: %s has no %s label and no command was given",
				ErrNoTestCommand, svc.Ref(), project.LabelTestCommand)
		}
		parsed, err := shellwords.Parse(label)
		if err != nil {
			return 1, fmt.Errorf("parse %s label of %s: %w", project.LabelTestCommand, svc.Ref(), err)
		}
		command = parsed
	}
	return o.Run(ctx, svc, command, RunOptions{})
}

// Logs streams logs for every selected service to out. With follow the
// streams stay open until the context is cancelled.
func (o *Orchestrator) Logs(ctx context.Context, selection []*project.Service, opts LogOptions, out io.Writer) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, svc := range selection {
		g.Go(func() error {
			if err := o.runtime.StreamLogs(ctx, svc, opts, out); err != nil {
				return &OperationError{Op: "logs", Ref: svc.Ref(), Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// UnitStatus pairs a service with its container state for status output.
type UnitStatus struct {
	Service *project.Service
	State   ContainerState
}

// Status queries the runtime state of every selected service.
func (o *Orchestrator) Status(ctx context.Context, selection []*project.Service) ([]UnitStatus, error) {
	out := make([]UnitStatus, 0, len(selection))
	for _, svc := range selection {
		state, err := o.runtime.ContainerStatus(ctx, svc)
		if err != nil {
			return nil, &OperationError{Op: "status", Ref: svc.Ref(), Err: err}
		}
		out = append(out, UnitStatus{Service: svc, State: state})
	}
	return out, nil
}

func (o *Orchestrator) requireRunning(ctx context.Context, svc *project.Service) error {
	state, err := o.runtime.ContainerStatus(ctx, svc)
	if err != nil {
		return &OperationError{Op: "status", Ref: svc.Ref(), Err: err}
	}
	if state != StateRunning {
		return &NotRunningError{Ref: svc.Ref(), State: state}
	}
	return nil
}
