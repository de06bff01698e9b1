// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history synthesizes the revision timeline of a derived formula.
//
// A formula has no stored revisions of its own: its history is built by
// merging the independent revision timelines of its leaves. The
// reconstructor collects each leaf's history (primaries from the store,
// autotrophic calls from their registered providers), unions the revision
// dates, and replays the formula once per candidate date against resolvers
// that answer "as of that date" from the precomputed maps instead of live
// storage. Formulas carrying a manual revision pin take a slow path: one
// full live evaluation per candidate date.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/tideline/services/formula/deps"
	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/interp"
	"github.com/AleutianAI/tideline/services/formula/registry"
	"github.com/AleutianAI/tideline/services/formula/series"
	"github.com/AleutianAI/tideline/services/formula/store"
)

var tracer = otel.Tracer("tideline.history")

// Request bounds one reconstruction.
type Request struct {
	FromInsertionDate *time.Time
	ToInsertionDate   *time.Time
	FromValueDate     *time.Time
	ToValueDate       *time.Time

	// DiffMode converts the snapshot sequence into successive deltas
	// against the immediately preceding snapshot; the value just before
	// the first snapshot is the implicit baseline.
	DiffMode bool
}

func (r Request) valueWindow() (from, to *time.Time) {
	return r.FromValueDate, r.ToValueDate
}

// Reconstructor synthesizes formula histories. Trees handed to it must be
// fully expanded: only primary and autotrophic leaves remain.
type Reconstructor struct {
	Store    store.Store
	Registry *registry.Registry

	// Resolver is the live resolver, used for slow-path evaluations,
	// gap-filling re-queries and the diffmode baseline.
	Resolver registry.Resolver

	Workers int
	Logger  *slog.Logger
}

func (rc *Reconstructor) logger() *slog.Logger {
	if rc.Logger != nil {
		return rc.Logger
	}
	return slog.Default()
}

func (rc *Reconstructor) evaluator(resolver registry.Resolver, intercept interp.Intercept) *interp.Evaluator {
	return &interp.Evaluator{
		Registry:  rc.Registry,
		Resolver:  resolver,
		Workers:   rc.Workers,
		Logger:    rc.Logger,
		Intercept: intercept,
	}
}

// History reconstructs the revision timeline of an expanded tree.
func (rc *Reconstructor) History(ctx context.Context, tree *expr.Node, req Request) (series.History, error) {
	ctx, span := tracer.Start(ctx, "history.Reconstruct")
	span.SetAttributes(attribute.Bool("diffmode", req.DiffMode))
	defer span.End()

	out, err := rc.history(ctx, tree, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.AddEvent("snapshots synthesized",
		trace.WithAttributes(attribute.Int("count", len(out))))
	return out, nil
}

func (rc *Reconstructor) history(ctx context.Context, tree *expr.Node, req Request) (series.History, error) {
	if hasRevisionPin(tree, rc.Registry) {
		return rc.slowPath(ctx, tree, req)
	}

	leaves, err := rc.collectLeaves(ctx, tree, req)
	if err != nil {
		return nil, err
	}

	candidates := leaves.candidateDates()
	if len(candidates) == 0 {
		return series.History{}, nil
	}

	if req.FromInsertionDate != nil {
		if err := rc.fillStarts(ctx, leaves, candidates[0], req); err != nil {
			return nil, err
		}
	}

	out := series.History{}
	for _, d := range candidates {
		snap, err := rc.replayAt(ctx, tree, leaves, d, req)
		if err != nil {
			return nil, fmt.Errorf("replay at %s: %w", d.Format(time.RFC3339), err)
		}
		if snap.Empty() {
			continue
		}
		out[d] = snap
	}

	if req.DiffMode {
		return rc.diffs(ctx, tree, out, req)
	}
	return out, nil
}

// hasRevisionPin reports whether the tree contains a revision-pinning
// operator, which breaks leaf-independence.
func hasRevisionPin(tree *expr.Node, reg *registry.Registry) bool {
	found := false
	tree.Walk(func(n *expr.Node) bool {
		if n.Kind == expr.KindCall {
			if op, ok := reg.Lookup(n.Op); ok && op.PinsRevision {
				found = true
			}
		}
		return !found
	})
	return found
}

// leafSet holds the precomputed timelines of every leaf of one tree.
type leafSet struct {
	// primaries maps series names to their revision histories.
	primaries map[string]series.History

	// autotrophic maps serialized call nodes to provider histories;
	// nodes holds the matching trees for gap-filling re-queries.
	autotrophic map[string]series.History
	nodes       map[string]*expr.Node
}

func (ls *leafSet) candidateDates() []time.Time {
	set := map[time.Time]bool{}
	for _, h := range ls.primaries {
		for d := range h {
			set[d] = true
		}
	}
	for _, h := range ls.autotrophic {
		for d := range h {
			set[d] = true
		}
	}
	dates := make([]time.Time, 0, len(set))
	for d := range set {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

// collectLeaves fetches every leaf timeline, in parallel across leaves.
func (rc *Reconstructor) collectLeaves(ctx context.Context, tree *expr.Node, req Request) (*leafSet, error) {
	found, err := deps.FindSeries(tree, rc.Registry, rc.Resolver)
	if err != nil {
		return nil, err
	}

	ls := &leafSet{
		primaries:   map[string]series.History{},
		autotrophic: map[string]series.History{},
		nodes:       map[string]*expr.Node{},
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(1, rc.Workers))
	var mu sync.Mutex

	for name := range found {
		name := name
		group.Go(func() error {
			h, err := rc.Store.History(name, req.FromInsertionDate, req.ToInsertionDate)
			if err != nil {
				return err
			}
			mu.Lock()
			ls.primaries[name] = h
			mu.Unlock()
			return nil
		})
	}

	for _, node := range autotrophicNodes(tree, rc.Registry) {
		node := node
		key := node.String()
		if _, seen := ls.nodes[key]; seen {
			continue
		}
		ls.nodes[key] = node
		op, _ := rc.Registry.Lookup(node.Op)
		group.Go(func() error {
			h, err := op.History(gctx, node, rc.Resolver, req.FromInsertionDate, req.ToInsertionDate)
			if err != nil {
				return err
			}
			mu.Lock()
			ls.autotrophic[key] = h
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return ls, nil
}

// autotrophicNodes lists the calls with a registered history provider.
// Operators without one are timeless: they contribute no revision dates
// and evaluate live during replay.
func autotrophicNodes(tree *expr.Node, reg *registry.Registry) []*expr.Node {
	var nodes []*expr.Node
	tree.Walk(func(n *expr.Node) bool {
		if n.Kind != expr.KindCall {
			return true
		}
		if op, ok := reg.Lookup(n.Op); ok && op.Autotrophic && op.History != nil {
			nodes = append(nodes, n)
			return false
		}
		return true
	})
	return nodes
}

// fillStarts completes leaf timelines truncated by the insertion-date
// floor: a leaf whose earliest windowed entry is later than the global
// minimum candidate date (or absent entirely) is re-queried as of that
// date, so the first synthesized snapshot never spuriously omits a
// component.
func (rc *Reconstructor) fillStarts(ctx context.Context, ls *leafSet, globalMin time.Time, req Request) error {
	needsFill := func(h series.History) bool {
		if len(h) == 0 {
			return true
		}
		dates := h.RevisionDates()
		return dates[0].After(globalMin)
	}

	for name, h := range ls.primaries {
		if !needsFill(h) {
			continue
		}
		snap, err := rc.Store.Get(name, series.Query{}.WithRevision(globalMin))
		if err != nil {
			return err
		}
		if !snap.Empty() {
			h[globalMin] = snap
		}
	}

	for key, h := range ls.autotrophic {
		if !needsFill(h) {
			continue
		}
		op, _ := rc.Registry.Lookup(ls.nodes[key].Op)
		full, err := op.History(ctx, ls.nodes[key], rc.Resolver, nil, nil)
		if err != nil {
			return err
		}
		if snap := full.AsOf(globalMin); !snap.Empty() {
			h[globalMin] = snap
		}
	}
	return nil
}

// replayAt evaluates the tree as of one candidate date, resolving leaves
// from the precomputed maps.
func (rc *Reconstructor) replayAt(ctx context.Context, tree *expr.Node, ls *leafSet, d time.Time, req Request) (*series.Series, error) {
	resolver := &replayResolver{date: d, leaves: ls, live: rc.Resolver}
	intercept := func(n *expr.Node, q series.Query) (any, bool) {
		h, ok := ls.autotrophic[n.String()]
		if !ok {
			return nil, false
		}
		rev := d
		if q.RevisionDate != nil {
			rev = *q.RevisionDate
		}
		snap := h.AsOf(rev)
		if snap == nil {
			snap = &series.Series{}
		}
		return snap.Slice(q.FromValueDate, q.ToValueDate), true
	}

	ev := rc.evaluator(resolver, intercept)
	from, to := req.valueWindow()
	v, err := ev.Eval(ctx, tree, series.Query{
		RevisionDate:  &d,
		FromValueDate: from,
		ToValueDate:   to,
	})
	if err != nil {
		return nil, err
	}
	s, ok := v.(*series.Series)
	if !ok {
		return nil, fmt.Errorf("history replay produced %T, want a series", v)
	}
	return s, nil
}

// replayResolver serves stored-series lookups from precomputed leaf
// histories. Name discovery still goes to the live resolver.
type replayResolver struct {
	date   time.Time
	leaves *leafSet
	live   registry.Resolver
}

func (r *replayResolver) GetSeries(_ context.Context, name string, q series.Query) (*series.Series, error) {
	h, ok := r.leaves.primaries[name]
	if !ok {
		return nil, fmt.Errorf("no precomputed history for %q", name)
	}
	rev := r.date
	if q.RevisionDate != nil {
		rev = *q.RevisionDate
	}
	snap := h.AsOf(rev)
	if snap == nil {
		return &series.Series{Name: name}, nil
	}
	return snap.Slice(q.FromValueDate, q.ToValueDate), nil
}

func (r *replayResolver) FindNames(prefix string) ([]string, error) {
	return r.live.FindNames(prefix)
}

// diffs rewrites snapshots into successive deltas. The baseline is the
// formula's value one second before the first snapshot, evaluated live.
func (rc *Reconstructor) diffs(ctx context.Context, tree *expr.Node, snaps series.History, req Request) (series.History, error) {
	if len(snaps) == 0 {
		return snaps, nil
	}
	dates := snaps.RevisionDates()

	baselineDate := dates[0].Add(-time.Second)
	from, to := req.valueWindow()
	v, err := rc.evaluator(rc.Resolver, nil).Eval(ctx, tree, series.Query{
		RevisionDate:  &baselineDate,
		FromValueDate: from,
		ToValueDate:   to,
	})
	if err != nil {
		return nil, err
	}
	prev, _ := v.(*series.Series)

	out := series.History{}
	for _, d := range dates {
		out[d] = series.Diff(prev, snaps[d])
		prev = snaps[d]
	}
	return out, nil
}

// slowPath handles trees with a pinned revision: one live evaluation per
// candidate date, with candidates drawn from the leaves outside the
// pinned subtrees.
func (rc *Reconstructor) slowPath(ctx context.Context, tree *expr.Node, req Request) (series.History, error) {
	rc.logger().Debug("formula pins a revision, taking the per-date evaluation path")

	candidates, err := rc.InsertionDates(ctx, tree, req.FromInsertionDate, req.ToInsertionDate)
	if err != nil {
		return nil, err
	}

	out := series.History{}
	from, to := req.valueWindow()
	var prev *series.Series
	if req.DiffMode && len(candidates) > 0 {
		baselineDate := candidates[0].Add(-time.Second)
		v, err := rc.evaluator(rc.Resolver, nil).Eval(ctx, tree, series.Query{
			RevisionDate: &baselineDate, FromValueDate: from, ToValueDate: to,
		})
		if err != nil {
			return nil, err
		}
		prev, _ = v.(*series.Series)
	}

	for _, d := range candidates {
		v, err := rc.evaluator(rc.Resolver, nil).Eval(ctx, tree, series.Query{
			RevisionDate: &d, FromValueDate: from, ToValueDate: to,
		})
		if err != nil {
			return nil, fmt.Errorf("evaluate at %s: %w", d.Format(time.RFC3339), err)
		}
		snap, _ := v.(*series.Series)
		if snap.Empty() {
			continue
		}
		if req.DiffMode {
			out[d] = series.Diff(prev, snap)
			prev = snap
		} else {
			out[d] = snap
		}
	}
	return out, nil
}

// InsertionDates unions the leaf insertion dates within the window:
// primaries from the store, autotrophic calls from their dates provider,
// falling back to the keys of their full history when only that is
// registered. Leaves under a revision pin are excluded: they do not move
// with the ambient revision.
func (rc *Reconstructor) InsertionDates(ctx context.Context, tree *expr.Node, from, to *time.Time) ([]time.Time, error) {
	set := map[time.Time]bool{}

	unpinned := pruneRevisionPins(tree, rc.Registry)
	found, err := deps.FindSeries(unpinned, rc.Registry, rc.Resolver)
	if err != nil {
		return nil, err
	}
	for name := range found {
		dates, err := rc.Store.InsertionDates(name, from, to)
		if err != nil {
			return nil, err
		}
		for _, d := range dates {
			set[d] = true
		}
	}

	for _, node := range autotrophicDateNodes(unpinned, rc.Registry) {
		op, _ := rc.Registry.Lookup(node.Op)
		var dates []time.Time
		switch {
		case op.IDates != nil:
			dates, err = op.IDates(ctx, node, rc.Resolver, from, to)
		case op.History != nil:
			var h series.History
			h, err = op.History(ctx, node, rc.Resolver, from, to)
			if err == nil {
				dates = h.RevisionDates()
			}
		}
		if err != nil {
			return nil, err
		}
		for _, d := range dates {
			set[d] = true
		}
	}

	out := make([]time.Time, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// pruneRevisionPins removes pinned subtrees so their leaves do not
// contribute candidate dates.
func pruneRevisionPins(tree *expr.Node, reg *registry.Registry) *expr.Node {
	if tree.Kind != expr.KindCall {
		return tree
	}
	if op, ok := reg.Lookup(tree.Op); ok && op.PinsRevision {
		return expr.Nil()
	}
	out := expr.Call(tree.Op)
	for _, arg := range tree.Args {
		out.Args = append(out.Args, pruneRevisionPins(arg, reg))
	}
	return out
}

// autotrophicDateNodes mirrors autotrophicNodes but also accepts operators
// exposing only a dates provider.
func autotrophicDateNodes(tree *expr.Node, reg *registry.Registry) []*expr.Node {
	var nodes []*expr.Node
	seen := map[string]bool{}
	tree.Walk(func(n *expr.Node) bool {
		if n.Kind != expr.KindCall {
			return true
		}
		op, ok := reg.Lookup(n.Op)
		if ok && op.Autotrophic && (op.IDates != nil || op.History != nil) {
			if !seen[n.String()] {
				seen[n.String()] = true
				nodes = append(nodes, n)
			}
			return false
		}
		return true
	})
	return nodes
}
