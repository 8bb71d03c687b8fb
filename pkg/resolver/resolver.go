// Package resolver computes installation plans from a package index.
//
// Resolution is a backtracking search. Requirements are processed first in,
// first out, starting with the requested packages in name order. For each
// requirement the candidates are tried highest version first, then by name,
// so the result is the newest consistent selection. A selection whose
// dependency graph contains a cycle is rejected and the search continues.
package resolver

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dodos-os/dodos/pkg/engine"
	"github.com/dodos-os/dodos/pkg/index"
	"github.com/dodos-os/dodos/pkg/version"
)

// DefaultStepLimit bounds the number of candidate selections per search.
const DefaultStepLimit = 100000

// Resolver resolves requested packages against an index.
type Resolver struct {
	idx       *index.Index
	stepLimit int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStepLimit overrides DefaultStepLimit.
func WithStepLimit(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.stepLimit = n
		}
	}
}

// New creates a resolver over idx.
func New(idx *index.Index, opts ...Option) *Resolver {
	r := &Resolver{idx: idx, stepLimit: DefaultStepLimit}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve is shorthand for New(idx).Resolve(requested, constraints).
func Resolve(idx *index.Index, requested []version.Constraint, constraints map[string]version.Range) (*engine.Plan, error) {
	return New(idx).Resolve(requested, constraints)
}

// Resolve computes a plan installing every requested package. constraints
// restricts the acceptable versions of any package by name, requested or
// pulled in transitively. On failure the error is an *engine.ResolutionError
// naming a minimal subset of requested packages that cannot be installed
// together.
func (r *Resolver) Resolve(requested []version.Constraint, constraints map[string]version.Range) (*engine.Plan, error) {
	roots := mergeRequested(requested)
	if len(roots) == 0 {
		return &engine.Plan{}, nil
	}

	s := r.search(roots, constraints)
	if s.solved {
		return s.result, nil
	}

	minimal := r.minimise(roots, constraints)
	final := s
	if len(minimal) < len(roots) {
		final = r.search(minimal, constraints)
	}
	names := make([]string, len(minimal))
	for i, c := range minimal {
		names[i] = c.Name
	}
	return nil, &engine.ResolutionError{Requested: names, Conflicts: final.conflicts()}
}

// minimise drops requested packages one at a time, in name order, keeping
// each removal after which the remainder still fails.
func (r *Resolver) minimise(roots []version.Constraint, constraints map[string]version.Range) []version.Constraint {
	current := slices.Clone(roots)
	for i := 0; i < len(current) && len(current) > 1; {
		candidate := slices.Delete(slices.Clone(current), i, i+1)
		if !r.search(candidate, constraints).solved {
			current = candidate
			continue
		}
		i++
	}
	return current
}

// mergeRequested sorts requests by name and folds duplicates into one
// constraint whose range is the conjunction.
func mergeRequested(requested []version.Constraint) []version.Constraint {
	byName := make(map[string]version.Range)
	for _, c := range requested {
		byName[c.Name] = append(byName[c.Name], c.Range...)
	}
	out := make([]version.Constraint, 0, len(byName))
	for name, rng := range byName {
		out = append(out, version.Constraint{Name: name, Range: rng})
	}
	slices.SortFunc(out, func(a, b version.Constraint) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// requirement is a constraint waiting to be satisfied and the package that
// introduced it, nil for requested packages.
type requirement struct {
	constraint version.Constraint
	from       *engine.Package
}

type search struct {
	idx         *index.Index
	constraints map[string]version.Range
	stepLimit   int
	steps       int
	exhausted   bool

	selected   map[string]*engine.Package
	selection  []*engine.Package
	selectedBy map[string]version.Constraint

	found  map[string]engine.Conflict
	solved bool
	result *engine.Plan
	roots  []string
}

func (r *Resolver) search(roots []version.Constraint, constraints map[string]version.Range) *search {
	s := &search{
		idx:         r.idx,
		constraints: constraints,
		stepLimit:   r.stepLimit,
		selected:    make(map[string]*engine.Package),
		selectedBy:  make(map[string]version.Constraint),
		found:       make(map[string]engine.Conflict),
	}
	queue := make([]requirement, len(roots))
	for i, c := range roots {
		queue[i] = requirement{constraint: c}
		s.roots = append(s.roots, c.Name)
	}
	s.solved = s.solve(queue)
	return s
}

func (s *search) solve(queue []requirement) bool {
	for len(queue) > 0 && s.satisfied(queue[0].constraint) {
		queue = queue[1:]
	}
	if len(queue) == 0 {
		return s.complete()
	}

	req := queue[0]
	candidates := s.candidates(req)
	if len(candidates) == 0 {
		return false
	}

	for _, cand := range candidates {
		if s.steps >= s.stepLimit {
			s.exhausted = true
			s.record(engine.Conflict{
				Kind:        engine.ConflictSearchLimit,
				Packages:    []string{req.constraint.Name},
				Constraints: []string{fmt.Sprintf("%d steps", s.stepLimit)},
			})
			return false
		}
		s.steps++

		if !s.admissible(cand, req) {
			continue
		}

		s.selected[cand.ID.Name] = cand
		s.selection = append(s.selection, cand)
		s.selectedBy[cand.ID.Name] = req.constraint

		next := make([]requirement, 0, len(queue)-1+len(cand.Depends))
		next = append(next, queue[1:]...)
		for _, dep := range cand.Depends {
			next = append(next, requirement{constraint: dep, from: cand})
		}
		if s.solve(next) {
			return true
		}

		delete(s.selected, cand.ID.Name)
		delete(s.selectedBy, cand.ID.Name)
		s.selection = s.selection[:len(s.selection)-1]
		if s.exhausted {
			return false
		}
	}
	return false
}

// satisfied reports whether a selected package already answers c.
func (s *search) satisfied(c version.Constraint) bool {
	for _, p := range s.idx.Providers(c.Name) {
		if s.selected[p.ID.Name] == p && p.Satisfies(c) {
			return true
		}
	}
	return false
}

// candidates returns the packages that may answer req, highest version
// first and then by name. An empty result is recorded as a conflict.
func (s *search) candidates(req requirement) []*engine.Package {
	c := req.constraint
	providers := s.idx.Providers(c.Name)
	if len(providers) == 0 {
		s.record(engine.Conflict{
			Kind:        engine.ConflictNotFound,
			Packages:    []string{c.Name},
			Constraints: []string{c.String()},
		})
		return nil
	}

	var out []*engine.Package
	for _, p := range providers {
		if !p.Satisfies(c) {
			continue
		}
		if rng, ok := s.constraints[p.ID.Name]; ok && !rng.Matches(p.ID.Version) {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		constraints := []string{c.String()}
		if rng, ok := s.constraints[c.Name]; ok && !rng.IsAny() {
			constraints = append(constraints, version.Constraint{Name: c.Name, Range: rng}.String())
		}
		s.record(engine.Conflict{
			Kind:        engine.ConflictNoMatchingVersion,
			Packages:    []string{c.Name},
			Constraints: constraints,
		})
		return nil
	}

	slices.SortStableFunc(out, func(a, b *engine.Package) int {
		if v := b.ID.Version.Compare(a.ID.Version); v != 0 {
			return v
		}
		return strings.Compare(a.ID.Name, b.ID.Name)
	})
	return out
}

// admissible reports whether cand can join the selection, recording the
// reason when it cannot.
func (s *search) admissible(cand *engine.Package, req requirement) bool {
	if other, ok := s.selected[cand.ID.Name]; ok && other != cand {
		s.record(engine.Conflict{
			Kind:        engine.ConflictNoMatchingVersion,
			Packages:    []string{cand.ID.Name},
			Constraints: sortedStrings(s.selectedBy[cand.ID.Name].String(), req.constraint.String()),
		})
		return false
	}
	for _, other := range s.selection {
		if cand.ConflictsWith(other) {
			s.record(engine.Conflict{
				Kind:     engine.ConflictPackages,
				Packages: sortedStrings(cand.ID.Name, other.ID.Name),
			})
			return false
		}
	}
	return true
}

// complete checks a full selection for cycles and builds the plan.
func (s *search) complete() bool {
	g := newGraph(s.selection)
	if cycle := g.findCycle(); cycle != nil {
		s.record(engine.Conflict{
			Kind:     engine.ConflictCycle,
			Packages: sortedStrings(cycle[:len(cycle)-1]...),
			Cycle:    cycle,
		})
		return false
	}
	s.result = g.plan(slices.Clone(s.roots))
	return true
}

func (s *search) record(c engine.Conflict) {
	key := string(c.Kind) + "|" + strings.Join(c.Packages, ",") + "|" +
		strings.Join(c.Constraints, ",") + "|" + formatCycle(c.Cycle)
	if _, ok := s.found[key]; !ok {
		s.found[key] = c
	}
}

// conflicts returns the recorded dead ends in a stable order.
func (s *search) conflicts() []engine.Conflict {
	keys := make([]string, 0, len(s.found))
	for k := range s.found {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]engine.Conflict, len(keys))
	for i, k := range keys {
		out[i] = s.found[k]
	}
	return out
}

func sortedStrings(in ...string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
