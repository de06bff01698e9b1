// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package expand inlines named-formula references into their definitions.
//
// Expansion rewrites every `(series "x" ...)` node where x names a stored
// formula into the (recursively expanded) definition of x, until only
// primaries and autotrophic leaves remain. Stop-names suppress inlining,
// show-names restrict it to branches that can reach a target, and a depth
// bound stops after N rounds. When the series call carried argument-scope
// keywords (fill, limit, weight) the expanded definition is re-wrapped in
// an `(options ...)` call so those options are not lost.
package expand

import (
	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/registry"
)

// Definitions resolves formula names to their parsed definitions. The
// engine implements it over the store; tests use literal maps.
type Definitions interface {
	Definition(name string) (*expr.Node, bool)
}

// DefMap is a trivial Definitions for tests.
type DefMap map[string]*expr.Node

func (m DefMap) Definition(name string) (*expr.Node, bool) {
	def, ok := m[name]
	return def, ok
}

// Options tunes one expansion pass.
type Options struct {
	// StopNames suppresses inlining for the given formula names.
	StopNames map[string]bool

	// ShowNames, when non-empty, restricts inlining to nodes that can
	// reach one of the given names through the definition graph.
	// Unrelated siblings stay un-expanded.
	ShowNames map[string]bool

	// Level bounds the number of inlining rounds. Negative means
	// unlimited.
	Level int
}

// Unlimited is the default full expansion.
func Unlimited() Options { return Options{Level: -1} }

// Expander performs formula inlining against a definition source and the
// operator registry (consulted for argument-scope keywords).
type Expander struct {
	Defs     Definitions
	Registry *registry.Registry
}

// Expand returns the expansion of tree under opts. The input tree is never
// mutated.
func (e *Expander) Expand(tree *expr.Node, opts Options) (*expr.Node, error) {
	w := &walker{
		Expander:  e,
		opts:      opts,
		expanding: map[string]bool{},
		wrapped:   map[*expr.Node]bool{},
		reachMemo: map[string]bool{},
	}
	return w.expand(tree, opts.Level)
}

type walker struct {
	*Expander
	opts Options

	// expanding guards against self-referential definitions: a name
	// being inlined further up the walk is left as a leaf.
	expanding map[string]bool

	// wrapped records, by node identity, option wrappers this walk
	// already produced, so re-walking expanded content cannot apply the
	// argument-scope rewrite twice.
	wrapped map[*expr.Node]bool

	reachMemo map[string]bool
}

func (w *walker) expand(node *expr.Node, level int) (*expr.Node, error) {
	if node.Kind != expr.KindCall {
		return node, nil
	}
	if w.wrapped[node] {
		return node, nil
	}

	if name, ok := inlineTarget(node); ok && level != 0 {
		if def, found := w.Defs.Definition(name); found && w.shouldInline(name) {
			return w.inline(node, name, def, level)
		}
	}

	out := expr.Call(node.Op)
	for _, arg := range node.Args {
		ex, err := w.expand(arg, level)
		if err != nil {
			return nil, err
		}
		out.Args = append(out.Args, ex)
	}
	return out, nil
}

// inlineTarget reports whether node is a series reference to a literal
// name.
func inlineTarget(node *expr.Node) (string, bool) {
	if !node.IsCall("series") {
		return "", false
	}
	pos, _, err := node.SplitArgs()
	if err != nil || len(pos) == 0 || pos[0].Kind != expr.KindString {
		return "", false
	}
	return pos[0].Str, true
}

func (w *walker) shouldInline(name string) bool {
	if w.expanding[name] || w.opts.StopNames[name] {
		return false
	}
	if len(w.opts.ShowNames) == 0 {
		return true
	}
	return w.opts.ShowNames[name] || w.reaches(name)
}

// reaches reports whether the definition graph under name can reach one of
// the show-names.
func (w *walker) reaches(name string) bool {
	if hit, done := w.reachMemo[name]; done {
		return hit
	}
	w.reachMemo[name] = false // cycle guard
	def, found := w.Defs.Definition(name)
	hit := false
	if found {
		def.Walk(func(n *expr.Node) bool {
			if hit {
				return false
			}
			if ref, ok := inlineTarget(n); ok && ref != name {
				if w.opts.ShowNames[ref] || w.reaches(ref) {
					hit = true
					return false
				}
			}
			return true
		})
	}
	w.reachMemo[name] = hit
	return hit
}

func (w *walker) inline(node *expr.Node, name string, def *expr.Node, level int) (*expr.Node, error) {
	w.expanding[name] = true
	expanded, err := w.expand(def.Clone(), level-1)
	delete(w.expanding, name)
	if err != nil {
		return nil, err
	}

	scoped, err := w.rewrapScope(node, expanded)
	if err != nil {
		return nil, err
	}
	return scoped, nil
}

// rewrapScope re-attaches argument-scope keywords of the original series
// call around the expanded definition.
func (w *walker) rewrapScope(node, expanded *expr.Node) (*expr.Node, error) {
	op, ok := w.Registry.Lookup(node.Op)
	if !ok || len(op.ArgScope) == 0 {
		return expanded, nil
	}
	_, kw, err := node.SplitArgs()
	if err != nil {
		return nil, err
	}
	wrapper := expr.Call("options", expanded)
	carried := false
	for _, scope := range op.ArgScope {
		if arg, present := kw[scope]; present {
			wrapper.Args = append(wrapper.Args, expr.Keyword(scope), arg.Clone())
			carried = true
		}
	}
	if !carried {
		return expanded, nil
	}
	w.wrapped[wrapper] = true
	return wrapper, nil
}

// FindCalls lists, in depth-first order, every distinct series reference
// left in tree. Helper for diagnostics and the components view.
func FindCalls(tree *expr.Node) []string {
	var names []string
	seen := map[string]bool{}
	tree.Walk(func(n *expr.Node) bool {
		if name, ok := inlineTarget(n); ok && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return true
	})
	return names
}

// Depth measures the maximum number of chained formula references under
// tree: a tree referencing only primaries has depth 0.
func Depth(tree *expr.Node, defs Definitions) int {
	return depthWalk(tree, defs, map[string]bool{})
}

func depthWalk(tree *expr.Node, defs Definitions, active map[string]bool) int {
	max := 0
	tree.Walk(func(n *expr.Node) bool {
		name, ok := inlineTarget(n)
		if !ok || active[name] {
			return true
		}
		def, found := defs.Definition(name)
		if !found {
			return true
		}
		active[name] = true
		if d := 1 + depthWalk(def, defs, active); d > max {
			max = d
		}
		delete(active, name)
		return true
	})
	return max
}
