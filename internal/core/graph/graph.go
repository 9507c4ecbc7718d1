// Package graph derives ordering constraints between services from their
// declared dependency references and produces deterministic schedules for
// lifecycle operations. This is part of the Functional Core - no I/O.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cage-dev/cage/internal/core/project"
)

// =============================================================================
// Error Types
// =============================================================================

// ErrDependencyCycle indicates services that depend on each other, directly
// or transitively.
var ErrDependencyCycle = errors.New("dependency cycle")

// CycleError names the cycle that was found, first member repeated last.
type CycleError struct {
	Cycle []string // "pod/service" refs
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrDependencyCycle
}

// =============================================================================
// Graph
// =============================================================================

// Graph is a validated, acyclic dependency graph over every service in an
// effective configuration. It is immutable and safe for concurrent reads.
type Graph struct {
	cfg *project.EffectiveConfiguration

	// declaration index per ref; the deterministic tie-breaker whenever
	// multiple orderings are valid.
	index map[string]int

	deps       map[string][]string
	dependents map[string][]string
}

// Build constructs the graph and rejects dependency cycles. Dependency
// references are assumed to resolve; Compose validates that earlier.
func Build(cfg *project.EffectiveConfiguration) (*Graph, error) {
	g := &Graph{
		cfg:        cfg,
		index:      map[string]int{},
		deps:       map[string][]string{},
		dependents: map[string][]string{},
	}
	for i, svc := range cfg.Services() {
		ref := svc.Ref()
		g.index[ref] = i
		g.deps[ref] = svc.DependsOn
		for _, dep := range svc.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], ref)
		}
	}
	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	return g, nil
}

// findCycle runs a DFS in declaration order and returns the first cycle
// found as a ref path, or nil. Declaration-order iteration keeps the
// reported cycle reproducible across runs.
func (g *Graph) findCycle() []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := map[string]int{}
	var stack []string

	var visit func(ref string) []string
	visit = func(ref string) []string {
		state[ref] = inStack
		stack = append(stack, ref)
		for _, dep := range g.deps[ref] {
			switch state[dep] {
			case inStack:
				// Slice the stack from the first occurrence of dep.
				for i, r := range stack {
					if r == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[ref] = done
		return nil
	}

	for _, svc := range g.cfg.Services() {
		if state[svc.Ref()] == unvisited {
			if cycle := visit(svc.Ref()); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Dependencies returns the direct dependency refs of a service.
func (g *Graph) Dependencies(ref string) []string {
	return g.deps[ref]
}

// =============================================================================
// Schedules
// =============================================================================

// Closure expands a selection with its transitive dependencies.
func (g *Graph) Closure(selection []*project.Service) []*project.Service {
	included := map[string]struct{}{}
	var grow func(ref string)
	grow = func(ref string) {
		if _, ok := included[ref]; ok {
			return
		}
		included[ref] = struct{}{}
		for _, dep := range g.deps[ref] {
			grow(dep)
		}
	}
	for _, svc := range selection {
		grow(svc.Ref())
	}
	return g.inDeclarationOrder(included)
}

// StartOrder returns the dependency-respecting start sequence for a
// selection plus its transitive dependencies. When several orderings are
// valid, ties break by declaration order in the merged configuration.
func (g *Graph) StartOrder(selection []*project.Service) []*project.Service {
	return g.topoSort(g.Closure(selection))
}

// Order returns the selection in dependency order without expanding it,
// for operations like build and pull that act on exactly what was asked.
func (g *Graph) Order(selection []*project.Service) []*project.Service {
	return g.topoSort(selection)
}

// StopOrder returns the selection in reverse dependency order, dependents
// before dependencies, so still-live links are never broken underneath a
// running dependent. The selection is not expanded.
func (g *Graph) StopOrder(selection []*project.Service) []*project.Service {
	ordered := g.topoSort(selection)
	out := make([]*project.Service, len(ordered))
	for i, svc := range ordered {
		out[len(ordered)-1-i] = svc
	}
	return out
}

// topoSort is Kahn's algorithm restricted to the given set, picking the
// lowest declaration index among ready services each round.
func (g *Graph) topoSort(set []*project.Service) []*project.Service {
	inSet := map[string]struct{}{}
	for _, svc := range set {
		inSet[svc.Ref()] = struct{}{}
	}

	indegree := map[string]int{}
	for _, svc := range set {
		ref := svc.Ref()
		for _, dep := range g.deps[ref] {
			if _, ok := inSet[dep]; ok {
				indegree[ref]++
			}
		}
	}

	remaining := append([]*project.Service(nil), set...)
	out := make([]*project.Service, 0, len(set))
	for len(remaining) > 0 {
		// remaining is kept in declaration order, so the first ready entry
		// is the deterministic pick.
		picked := -1
		for i, svc := range remaining {
			if indegree[svc.Ref()] == 0 {
				picked = i
				break
			}
		}
		if picked < 0 {
			// Unreachable once Build has rejected cycles.
			break
		}
		svc := remaining[picked]
		remaining = append(remaining[:picked], remaining[picked+1:]...)
		out = append(out, svc)
		for _, dependent := range g.dependents[svc.Ref()] {
			if _, ok := inSet[dependent]; ok {
				indegree[dependent]--
			}
		}
	}
	return out
}

func (g *Graph) inDeclarationOrder(set map[string]struct{}) []*project.Service {
	out := make([]*project.Service, 0, len(set))
	for _, svc := range g.cfg.Services() {
		if _, ok := set[svc.Ref()]; ok {
			out = append(out, svc)
		}
	}
	return out
}
