// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the operator descriptors of the formula language:
// name, callable, declared signature, capability flags, and the optional
// per-operator overrides (dependency finder, history and insertion-dates
// providers, argument-scope keywords).
//
// A Registry is an explicit value passed through the engine, not a process
// singleton. Test-local overrides use Overlay, which shadows without
// mutating the parent.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/series"
	"github.com/AleutianAI/tideline/services/formula/types"
)

// Resolver gives operators access to the storage collaborator: stored
// series under the ambient query, and name lookups for dynamic finders.
type Resolver interface {
	GetSeries(ctx context.Context, name string, q series.Query) (*series.Series, error)
	FindNames(prefix string) ([]string, error)
}

// Invocation carries one operator call at evaluation time.
type Invocation struct {
	Ctx   context.Context
	Query series.Query

	// Tree is the call node being evaluated.
	Tree *expr.Node

	// Args and Kwargs hold the evaluated arguments. For RawArgs
	// operators both are nil and the callable works from Tree, using
	// EvalSub to evaluate what it needs under a query of its choosing.
	Args   []any
	Kwargs map[string]any

	Resolver Resolver

	// EvalSub evaluates a sub-tree under the given query, going through
	// the caller's memoization cache. The cache is owned by the
	// orchestrating goroutine, so EvalSub is nil on dispatched calls:
	// only operators running inline (RawArgs) may use it.
	EvalSub func(ctx context.Context, tree *expr.Node, q series.Query) (any, error)
}

// Arg returns the evaluated positional argument at i, nil when absent.
func (inv *Invocation) Arg(i int) any {
	if i >= len(inv.Args) {
		return nil
	}
	return inv.Args[i]
}

// Kwarg returns the evaluated keyword argument, nil when omitted.
func (inv *Invocation) Kwarg(name string) any {
	return inv.Kwargs[name]
}

// HistoryProvider computes the revision-indexed history of an autotrophic
// call from its literal arguments.
type HistoryProvider func(ctx context.Context, tree *expr.Node, r Resolver, from, to *time.Time) (series.History, error)

// IDatesProvider computes just the insertion dates of an autotrophic call.
type IDatesProvider func(ctx context.Context, tree *expr.Node, r Resolver, from, to *time.Time) ([]time.Time, error)

// Finder lists the stored-series names one call node references. Most
// operators have none; `series` contributes its literal name and dynamic
// operators compute a set from the resolver.
type Finder func(tree *expr.Node, r Resolver) ([]string, error)

// Operator is one entry of the registry.
type Operator struct {
	Name string
	Sig  *types.Signature

	// Call executes the operator. Never nil.
	Call func(inv *Invocation) (any, error)

	// Dispatchable marks an I/O-bound leaf: the evaluator offloads the
	// call to its worker pool and joins the result just in time.
	Dispatchable bool

	// RawArgs suppresses argument pre-evaluation: the callable receives
	// the raw tree and drives EvalSub itself. Used by operators that
	// rebind the ambient query for their subtree.
	RawArgs bool

	// Autotrophic marks an operator needing no named series input, only
	// the ambient query context.
	Autotrophic bool

	// PinsRevision marks a manual time-travel operator: its subtree does
	// not move with the ambient revision. The history reconstructor
	// replays such trees live per candidate date and excludes the pinned
	// leaves from candidate discovery.
	PinsRevision bool

	// History and IDates are the optional reconstruction providers of
	// an autotrophic operator. Absent a History provider, the leaf is
	// treated as timeless.
	History HistoryProvider
	IDates  IDatesProvider

	// Finder overrides dependency discovery for this operator.
	Finder Finder

	// ArgScope lists keyword names that must be re-wrapped around the
	// expanded definition when inlining pulls a named formula out from
	// under this operator.
	ArgScope []string
}

// Registry maps operator names to descriptors.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	parent *Registry
	ops    map[string]*Operator
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{ops: map[string]*Operator{}}
}

// NewWithBuiltins returns a registry carrying the built-in operators.
func NewWithBuiltins() *Registry {
	r := New()
	RegisterBuiltins(r)
	return r
}

// Register installs op. A later registration for the same name replaces
// the earlier one.
func (r *Registry) Register(op *Operator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.Name] = op
}

// Lookup resolves an operator by name, consulting parents of overlays.
func (r *Registry) Lookup(name string) (*Operator, bool) {
	r.mu.RLock()
	op, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok && r.parent != nil {
		return r.parent.Lookup(name)
	}
	return op, ok
}

// Signature implements types.Lookup.
func (r *Registry) Signature(name string) (*types.Signature, bool) {
	op, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	return op.Sig, true
}

// Names lists every registered operator, ascending.
func (r *Registry) Names() []string {
	set := map[string]bool{}
	for reg := r; reg != nil; reg = reg.parent {
		reg.mu.RLock()
		for n := range reg.ops {
			set[n] = true
		}
		reg.mu.RUnlock()
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Overlay returns a child registry that shadows r without mutating it.
// Registrations on the overlay are invisible to the parent.
func (r *Registry) Overlay() *Registry {
	return &Registry{parent: r, ops: map[string]*Operator{}}
}

var _ types.Lookup = (*Registry)(nil)
