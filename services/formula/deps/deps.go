// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deps tracks what a formula depends on: the named series leaves
// collected through per-operator finders, the content hash identifying the
// effective computation, and the dependency edges enabling rename and
// delete cascades.
package deps

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/registry"
)

// FindSeries collects every named leaf reference of tree, keyed by series
// name, using each operator's registered finder. Operators with a dynamic
// finder (filter-driven lookups) resolve their name set through r at call
// time.
func FindSeries(tree *expr.Node, reg *registry.Registry, r registry.Resolver) (map[string]*expr.Node, error) {
	found := map[string]*expr.Node{}
	var walkErr error
	tree.Walk(func(n *expr.Node) bool {
		if walkErr != nil || n.Kind != expr.KindCall {
			return walkErr == nil
		}
		op, ok := reg.Lookup(n.Op)
		if !ok || op.Finder == nil {
			return true
		}
		names, err := op.Finder(n, r)
		if err != nil {
			walkErr = err
			return false
		}
		for _, name := range names {
			found[name] = n
		}
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return found, nil
}

// Names returns the sorted keys of a FindSeries result.
func Names(found map[string]*expr.Node) []string {
	names := make([]string, 0, len(found))
	for n := range found {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ContentHash fingerprints the effective computation of an expanded tree.
// Two formulas with the same hash compute the same thing regardless of how
// their definitions were factored. Computed at registration time so "did
// the computation change" never requires re-expansion later.
func ContentHash(expanded *expr.Node) string {
	sum := sha256.Sum256([]byte(expanded.String()))
	return hex.EncodeToString(sum[:])
}

// NameOfExpr forges a stable pseudo-name for a nameless (autotrophic) call
// so reconstruction can key its precomputed history like any other leaf.
func NameOfExpr(tree *expr.Node) string {
	sum := sha256.Sum256([]byte(tree.String()))
	return tree.Op + "-" + hex.EncodeToString(sum[:6])
}

// EdgeSource exposes the stored direct reverse-dependency edges.
type EdgeSource interface {
	Dependents(name string) ([]string, error)
}

// TransitiveDependents lists every formula that directly or indirectly
// depends on name, sorted. The direct set is the store's edge set.
func TransitiveDependents(src EdgeSource, name string) ([]string, error) {
	seen := map[string]bool{}
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		direct, err := src.Dependents(current)
		if err != nil {
			return nil, err
		}
		for _, dep := range direct {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// RenameReferences returns a copy of tree with every series reference to
// oldName rewritten to newName. Other nodes are shared, not copied.
func RenameReferences(tree *expr.Node, oldName, newName string) *expr.Node {
	if tree == nil || tree.Kind != expr.KindCall {
		return tree
	}
	out := expr.Call(tree.Op)
	for i, arg := range tree.Args {
		// The name position of a series call is its first positional
		// argument.
		if tree.IsCall("series") && i == 0 &&
			arg.Kind == expr.KindString && arg.Str == oldName {
			out.Args = append(out.Args, expr.String(newName))
			continue
		}
		out.Args = append(out.Args, RenameReferences(arg, oldName, newName))
	}
	return out
}
