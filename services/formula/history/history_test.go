// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/registry"
	"github.com/AleutianAI/tideline/services/formula/series"
	"github.com/AleutianAI/tideline/services/formula/store"
	"github.com/AleutianAI/tideline/services/formula/types"
)

func day(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
}

// liveResolver resolves stored primaries directly, the way the engine does
// outside reconstruction.
type liveResolver struct {
	st store.Store
}

func (r *liveResolver) GetSeries(_ context.Context, name string, q series.Query) (*series.Series, error) {
	return r.st.Get(name, q)
}

func (r *liveResolver) FindNames(prefix string) ([]string, error) {
	return r.st.FindNames(prefix)
}

func newReconstructor(st store.Store) *Reconstructor {
	return &Reconstructor{
		Store:    st,
		Registry: registry.NewWithBuiltins(),
		Resolver: &liveResolver{st: st},
		Workers:  2,
	}
}

func insert(t *testing.T, st store.Store, name string, idate time.Time, pts ...series.Point) {
	t.Helper()
	require.NoError(t, st.Insert(name, series.New(name, pts), idate))
}

func TestHistory_Consistency(t *testing.T) {
	st := store.NewMemory()
	i1, i2 := day(10), day(12)
	insert(t, st, "a", i1, series.Point{T: day(1), V: 1})
	insert(t, st, "b", i2, series.Point{T: day(2), V: 2})
	rc := newReconstructor(st)

	tree := expr.MustParse(`(priority (series "a") (series "b"))`)
	h, err := rc.History(context.Background(), tree, Request{})
	require.NoError(t, err)
	require.Len(t, h, 2, "one snapshot per leaf revision date")

	// Each snapshot equals a live evaluation pinned to that date.
	for _, idate := range []time.Time{i1, i2} {
		snap, ok := h[idate]
		require.True(t, ok, "missing snapshot at %s", idate)

		live, err := rc.evaluator(rc.Resolver, nil).Eval(context.Background(),
			tree, series.Query{}.WithRevision(idate))
		require.NoError(t, err)
		assert.True(t, series.Equal(live.(*series.Series), snap),
			"history[%s] must match get(revision_date=%s)", idate, idate)
	}

	assert.Equal(t, 1, h[i1].Len(), "before i2 only leaf a contributes")
	assert.Equal(t, 2, h[i2].Len())
}

func TestHistory_GapFilling(t *testing.T) {
	st := store.NewMemory()
	i1, i2, i3 := day(10), day(12), day(14)
	insert(t, st, "a", i1, series.Point{T: day(1), V: 1})
	insert(t, st, "a", i3, series.Point{T: day(1), V: 1}, series.Point{T: day(3), V: 3})
	insert(t, st, "b", i2, series.Point{T: day(2), V: 2})
	rc := newReconstructor(st)

	tree := expr.MustParse(`(priority (series "a") (series "b"))`)

	h, err := rc.History(context.Background(), tree, Request{FromInsertionDate: &i2})
	require.NoError(t, err)
	require.Len(t, h, 2)

	// The first snapshot reflects a's i1-sourced contribution even though
	// i1 lies before the window floor.
	first := h[i2]
	require.NotNil(t, first)
	assert.Equal(t, 2, first.Len(), "a's old value must not be omitted")
	v, ok := first.At(day(1))
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestHistory_DiffMode(t *testing.T) {
	st := store.NewMemory()
	i1, i2 := day(10), day(12)
	insert(t, st, "a", i1, series.Point{T: day(1), V: 1})
	insert(t, st, "a", i2, series.Point{T: day(1), V: 1}, series.Point{T: day(2), V: 2})
	rc := newReconstructor(st)

	tree := expr.MustParse(`(* 2 (series "a"))`)
	h, err := rc.History(context.Background(), tree, Request{DiffMode: true})
	require.NoError(t, err)
	require.Len(t, h, 2)

	// First delta is against the empty implicit baseline.
	require.Equal(t, 1, h[i1].Len())
	assert.Equal(t, 2.0, h[i1].Points[0].V)

	// Second delta carries only the new point.
	require.Equal(t, 1, h[i2].Len())
	assert.Equal(t, day(2), h[i2].Points[0].T)
	assert.Equal(t, 4.0, h[i2].Points[0].V)
}

func TestHistory_RevisionPinSlowPath(t *testing.T) {
	st := store.NewMemory()
	i1, i2 := day(10), day(12)
	insert(t, st, "a", i1, series.Point{T: day(1), V: 1})
	insert(t, st, "a", i2, series.Point{T: day(1), V: 10})
	rc := newReconstructor(st)

	// One branch pinned to i1, the other following the ambient revision.
	tree := expr.MustParse(`(+ (series "a") (asof (date "2025-01-10") (series "a")))`)
	require.True(t, hasRevisionPin(tree, rc.Registry))

	h, err := rc.History(context.Background(), tree, Request{})
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, 2.0, h[i1].Points[0].V, "1 ambient + 1 pinned")
	assert.Equal(t, 11.0, h[i2].Points[0].V, "10 ambient + 1 pinned")
}

func TestHistory_RevisionPinIsCapabilityDriven(t *testing.T) {
	st := store.NewMemory()
	i1, i2 := day(10), day(12)
	insert(t, st, "a", i1, series.Point{T: day(1), V: 1})
	insert(t, st, "a", i2, series.Point{T: day(1), V: 10})

	// A user-registered time-shifting operator carries the same flag as
	// asof; the reconstructor must not fast-path it by name.
	reg := registry.NewWithBuiltins().Overlay()
	reg.Register(&registry.Operator{
		Name:         "frozen",
		Sig:          types.NewSignature(types.Series()).Pos("expr", types.Series()),
		RawArgs:      true,
		PinsRevision: true,
		Call: func(inv *registry.Invocation) (any, error) {
			pos, _, err := inv.Tree.SplitArgs()
			if err != nil {
				return nil, err
			}
			return inv.EvalSub(inv.Ctx, pos[0], inv.Query.WithRevision(day(10)))
		},
	})
	rc := &Reconstructor{
		Store:    st,
		Registry: reg,
		Resolver: &liveResolver{st: st},
		Workers:  2,
	}

	tree := expr.MustParse(`(+ (series "a") (frozen (series "a")))`)
	require.True(t, hasRevisionPin(tree, reg))

	h, err := rc.History(context.Background(), tree, Request{})
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, 2.0, h[i1].Points[0].V, "1 ambient + 1 pinned")
	assert.Equal(t, 11.0, h[i2].Points[0].V, "10 ambient + 1 pinned")
}

func TestHistory_AutotrophicProvider(t *testing.T) {
	st := store.NewMemory()
	i1 := day(10)
	insert(t, st, "a", i1, series.Point{T: day(1), V: 1})
	rc := newReconstructor(st)

	// The constant revises at i2 = 2025-01-12.
	tree := expr.MustParse(
		`(priority (series "a") (constant 5.0 (date "2025-01-02") (date "2025-01-03") "D" (date "2025-01-12")))`)

	h, err := rc.History(context.Background(), tree, Request{})
	require.NoError(t, err)
	require.Len(t, h, 2)

	assert.Equal(t, 1, h[i1].Len(), "the constant does not exist yet at i1")
	assert.Equal(t, 3, h[day(12)].Len(), "constant points appear at its revision date")

	dates, err := rc.InsertionDates(context.Background(), tree, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{i1, day(12)}, dates)
}

func TestHistory_EmptySnapshotsPruned(t *testing.T) {
	st := store.NewMemory()
	i1, i2 := day(10), day(12)
	insert(t, st, "a", i1, series.Point{T: day(1), V: 1})
	insert(t, st, "b", i2, series.Point{T: day(1), V: 2})
	rc := newReconstructor(st)

	// Intersection semantics: before b exists, add yields an empty
	// frame, which must be pruned rather than reported.
	tree := expr.MustParse(`(add (series "a") (series "b"))`)
	h, err := rc.History(context.Background(), tree, Request{})
	require.NoError(t, err)
	require.Len(t, h, 1)
	snap, ok := h[i2]
	require.True(t, ok)
	require.Equal(t, 1, snap.Len())
	assert.Equal(t, 3.0, snap.Points[0].V)

	// Leaves that never share a value date prune to nothing.
	insert(t, st, "c", i2, series.Point{T: day(2), V: 2})
	h, err = rc.History(context.Background(),
		expr.MustParse(`(add (series "a") (series "c"))`), Request{})
	require.NoError(t, err)
	assert.Empty(t, h)
}

func TestHistory_InsertionDatesWindow(t *testing.T) {
	st := store.NewMemory()
	insert(t, st, "a", day(10), series.Point{T: day(1), V: 1})
	insert(t, st, "a", day(12), series.Point{T: day(1), V: 2})
	insert(t, st, "a", day(14), series.Point{T: day(1), V: 3})
	rc := newReconstructor(st)

	from, to := day(11), day(13)
	dates, err := rc.InsertionDates(context.Background(),
		expr.MustParse(`(series "a")`), &from, &to)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day(12)}, dates)
}
