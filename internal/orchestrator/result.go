package orchestrator

import (
	"sync"

	"github.com/cage-dev/cage/internal/core/project"
)

// =============================================================================
// Lifecycle Tasks
// =============================================================================

// TaskStatus is the state of one unit of lifecycle work.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusSucceeded TaskStatus = "succeeded"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the status is an end state.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Outcome is the final record for one unit. Attempted distinguishes units
// whose runtime operation actually started from units never reached, which
// matters when reporting the state after a cancellation.
type Outcome struct {
	Ref       string
	Status    TaskStatus
	Attempted bool
	Err       error
}

// =============================================================================
// Result
// =============================================================================

// Result tracks per-unit outcomes for one lifecycle operation. It is safe
// for concurrent updates from the dispatch goroutines.
type Result struct {
	op    string
	mu    sync.Mutex
	order []string
	tasks map[string]*Outcome
}

func newResult(op string, units []*project.Service) *Result {
	r := &Result{op: op, tasks: map[string]*Outcome{}}
	for _, svc := range units {
		ref := svc.Ref()
		r.order = append(r.order, ref)
		r.tasks[ref] = &Outcome{Ref: ref, Status: StatusPending}
	}
	return r
}

func (r *Result) start(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[ref].Status = StatusRunning
	r.tasks[ref].Attempted = true
}

func (r *Result) succeed(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[ref].Status = StatusSucceeded
}

func (r *Result) fail(ref string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[ref].Status = StatusFailed
	r.tasks[ref].Err = err
}

func (r *Result) skip(ref string, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[ref].Status = StatusSkipped
	r.tasks[ref].Err = reason
}

func (r *Result) status(ref string) TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[ref].Status
}

// Outcomes returns every unit's outcome in schedule order.
func (r *Result) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outcome, 0, len(r.order))
	for _, ref := range r.order {
		out = append(out, *r.tasks[ref])
	}
	return out
}

// Failed returns the units that failed, in schedule order.
func (r *Result) Failed() []Outcome {
	var out []Outcome
	for _, outcome := range r.Outcomes() {
		if outcome.Status == StatusFailed {
			out = append(out, outcome)
		}
	}
	return out
}

// Succeeded returns the units that completed, in schedule order.
func (r *Result) Succeeded() []Outcome {
	var out []Outcome
	for _, outcome := range r.Outcomes() {
		if outcome.Status == StatusSucceeded {
			out = append(out, outcome)
		}
	}
	return out
}

// Err returns an aggregate error naming every failed unit, or nil when
// nothing failed.
func (r *Result) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	return &AggregateError{Op: r.op, Failed: failed}
}
