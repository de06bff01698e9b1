// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package formula

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/history"
	"github.com/AleutianAI/tideline/services/formula/series"
	"github.com/AleutianAI/tideline/services/formula/store"
)

func day(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	return New(nil, store.NewMemory(), nil, nil)
}

func insert(t *testing.T, e *Engine, name string, idate time.Time, pts ...series.Point) {
	t.Helper()
	require.NoError(t, e.Insert(name, series.New(name, pts), idate))
}

func register(t *testing.T, e *Engine, name, text string) {
	t.Helper()
	require.NoError(t, e.Register(context.Background(), name, text, nil))
}

func TestRegister_CanonicalText(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10), series.Point{T: day(1), V: 1})
	insert(t, e, "b", day(10), series.Point{T: day(1), V: 2})

	// Cosmetically messy input is stored canonically.
	register(t, e, "f", "( add (series  \"a\")\n\t(series \"b\" ) )")
	rec, err := e.Formula("f")
	require.NoError(t, err)
	assert.Equal(t, `(add (series "a") (series "b"))`, rec.Text)

	// Re-serializing the canonical form is a no-op.
	tree := expr.MustParse(rec.Text)
	assert.Equal(t, rec.Text, tree.String())
	assert.True(t, rec.Meta["tzaware"] == false)
}

func TestRegister_Rejections(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10), series.Point{T: day(1), V: 1})

	tests := []struct {
		name string
		text string
		want error
	}{
		{"a", `(series "a")`, ErrNameCollision},
		{"bad-syntax", `(add (series "a")`, ErrSyntax},
		{"bad-op", `(frobnicate (series "a"))`, ErrUnknownOperator},
		{"bad-leaf", `(series "nonexistent")`, ErrUnknownSeries},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Register(context.Background(), tt.name, tt.text, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			// Fail-fast: nothing was written.
			if tt.name != "a" {
				kind, kerr := e.store.Kind(tt.name)
				require.NoError(t, kerr)
				assert.Equal(t, store.KindNone, kind)
			}
		})
	}
}

func TestRegister_TypeRejectionNamesType(t *testing.T) {
	e := newEngine(t)

	err := e.Register(context.Background(), "scalar", `(+ 1 2)`, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadReturnType))
	assert.Contains(t, err.Error(), "int", "the concrete scalar type is named")
}

func TestRegister_AllowUnknownAndCycles(t *testing.T) {
	e := newEngine(t)

	// Forward reference is allowed when explicitly requested.
	err := e.Register(context.Background(), "b", `(* 2 (series "a-formula"))`,
		&RegisterOptions{AllowUnknown: true})
	require.NoError(t, err)

	// Closing the loop is not.
	err = e.Register(context.Background(), "a-formula", `(* 2 (series "b"))`, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircularReference), "got %v", err)
}

func TestRegister_TimezoneIncompatible(t *testing.T) {
	e := newEngine(t)
	aware := series.New("utc", []series.Point{{T: day(1), V: 1}})
	aware.TZAware = true
	require.NoError(t, e.Insert("utc", aware, day(10)))
	insert(t, e, "local", day(10), series.Point{T: day(1), V: 2})

	err := e.Register(context.Background(), "mixed", `(add (series "utc") (series "local"))`, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimezoneIncompatible))
	assert.Contains(t, err.Error(), "utc")
	assert.Contains(t, err.Error(), "local")

	// A naive wrapper reconciles the paths.
	register(t, e, "mixed", `(add (naive (series "utc")) (series "local"))`)
	rec, err := e.Formula("mixed")
	require.NoError(t, err)
	assert.Equal(t, false, rec.Meta["tzaware"])
}

func TestContentHash_Stability(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10), series.Point{T: day(1), V: 1})
	insert(t, e, "b", day(10), series.Point{T: day(1), V: 2})

	register(t, e, "child", `(series "a")`)
	register(t, e, "parent", `(* 2 (series "child"))`)

	h1, err := e.ContentHash("parent")
	require.NoError(t, err)

	// Re-registering identical text keeps the hash.
	register(t, e, "parent", `(* 2 (series "child"))`)
	h2, err := e.ContentHash("parent")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// A cosmetic rewrite keeps it too.
	register(t, e, "parent", "(* 2\n  (series \"child\"))")
	h3, err := e.ContentHash("parent")
	require.NoError(t, err)
	assert.Equal(t, h1, h3)

	// Editing the referenced definition changes the parent's stored hash
	// even though the parent's text is untouched.
	register(t, e, "child", `(add (series "a") (series "b"))`)
	h4, err := e.ContentHash("parent")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestRename_Cascade(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "bottom", day(10), series.Point{T: day(1), V: 1})
	register(t, e, "mid", `(* 2 (series "bottom"))`)
	register(t, e, "top", `(* 3 (series "mid"))`)

	all, err := e.Dependents("bottom", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid", "top"}, all)
	direct, err := e.Dependents("bottom", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid"}, direct)

	topHash, err := e.ContentHash("top")
	require.NoError(t, err)

	require.NoError(t, e.Rename("bottom", "base"))

	rec, err := e.Formula("mid")
	require.NoError(t, err)
	assert.Equal(t, `(* 2 (series "base"))`, rec.Text)

	all, err = e.Dependents("base", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid", "top"}, all)

	// The effective computation of top changed with the leaf name.
	newTopHash, err := e.ContentHash("top")
	require.NoError(t, err)
	assert.NotEqual(t, topHash, newTopHash)

	// Values flow through the new name.
	got, err := e.Get(context.Background(), "top", series.Query{})
	require.NoError(t, err)
	assert.Equal(t, 6.0, got.Points[0].V)
}

func TestRename_Rejections(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10), series.Point{T: day(1), V: 1})
	insert(t, e, "b", day(10), series.Point{T: day(1), V: 2})
	register(t, e, "f", `(series "a")`)

	assert.Error(t, e.Rename("missing", "x"))
	err := e.Rename("a", "b")
	assert.True(t, errors.Is(err, ErrNameCollision))

	// The target name is free but something already points at it.
	require.NoError(t, e.Register(context.Background(), "g", `(* 2 (series "future"))`,
		&RegisterOptions{AllowUnknown: true}))
	err = e.Rename("a", "future")
	assert.True(t, errors.Is(err, ErrNameCollision), "got %v", err)
}

func TestDelete_Guard(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10), series.Point{T: day(1), V: 1})
	register(t, e, "f", `(* 2 (series "a"))`)

	err := e.Delete("a")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHasDependents))
	assert.Contains(t, err.Error(), "f")

	require.NoError(t, e.Delete("f"))
	require.NoError(t, e.Delete("a"))
}

func TestGet_FormulaRecursion(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10),
		series.Point{T: day(1), V: 1}, series.Point{T: day(2), V: 2})
	register(t, e, "double", `(* 2 (series "a"))`)
	register(t, e, "quad", `(* 2 (series "double"))`)

	got, err := e.Get(context.Background(), "quad", series.Query{})
	require.NoError(t, err)
	assert.Equal(t, "quad", got.Name)
	assert.Equal(t, 4.0, got.Points[0].V)
	assert.Equal(t, 8.0, got.Points[1].V)

	from := day(2)
	got, err = e.Get(context.Background(), "quad", series.Query{FromValueDate: &from})
	require.NoError(t, err)
	require.Equal(t, 1, got.Len())
	assert.Equal(t, 8.0, got.Points[0].V)
}

func TestEvalText(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10), series.Point{T: day(1), V: 3})

	v, err := e.EvalText(context.Background(), `(+ 1 2)`, series.Query{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = e.EvalText(context.Background(), `(* 2 (series "a"))`, series.Query{})
	require.NoError(t, err)
	assert.Equal(t, 6.0, v.(*series.Series).Points[0].V)

	v, err = e.EvalText(context.Background(), `(let s (series "a") (* 2 s))`, series.Query{})
	require.NoError(t, err)
	assert.Equal(t, 6.0, v.(*series.Series).Points[0].V)

	_, err = e.EvalText(context.Background(), `(series 42)`, series.Query{})
	assert.True(t, errors.Is(err, ErrTypeMismatch), "got %v", err)
}

func TestHistory_ThroughEngine(t *testing.T) {
	e := newEngine(t)
	i1, i2 := day(10), day(12)
	insert(t, e, "a", i1, series.Point{T: day(1), V: 1})
	insert(t, e, "b", i2, series.Point{T: day(2), V: 2})
	register(t, e, "f", `(priority (series "a") (series "b"))`)

	h, err := e.History(context.Background(), "f", history.Request{})
	require.NoError(t, err)
	require.Len(t, h, 2)
	for _, idate := range []time.Time{i1, i2} {
		snap, ok := h[idate]
		require.True(t, ok)
		live, err := e.Get(context.Background(), "f", series.Query{}.WithRevision(idate))
		require.NoError(t, err)
		assert.True(t, series.Equal(live, snap))
	}

	dates, err := e.InsertionDates(context.Background(), "f", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{i1, i2}, dates)
}

func TestExpandedFormula(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10), series.Point{T: day(1), V: 1})
	register(t, e, "inner", `(* 2 (series "a"))`)
	register(t, e, "outer", `(* 3 (series "inner"))`)

	full, err := e.ExpandedFormula("outer", -1)
	require.NoError(t, err)
	assert.Equal(t, `(* 3 (* 2 (series "a")))`, full.String())

	one, err := e.ExpandedFormula("outer", 1)
	require.NoError(t, err)
	assert.Equal(t, `(* 3 (series "inner"))`, one.String())
}

func TestFormulaComponents(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10), series.Point{T: day(1), V: 1})
	insert(t, e, "b", day(10), series.Point{T: day(1), V: 2})
	register(t, e, "inner", `(add (series "a") (series "b"))`)
	register(t, e, "outer", `(* 2 (series "inner"))`)

	flat, err := e.FormulaComponents("outer", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"inner": nil}, flat)

	nested, err := e.FormulaComponents("outer", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"inner": map[string]any{"a": nil, "b": nil},
	}, nested)
}

func TestFormulaStatsAndDepth(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10), series.Point{T: day(1), V: 1})
	insert(t, e, "b", day(10), series.Point{T: day(1), V: 2})
	register(t, e, "inner", `(add (series "a") (series "b"))`)
	register(t, e, "outer", `(* 2 (series "inner"))`)

	depth, err := e.Depth("outer")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
	depth, err = e.Depth("inner")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	stats, err := e.FormulaStats("outer")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Degree)
	assert.Equal(t, 2, stats.Primaries)
	assert.Equal(t, 1, stats.Formulas)
	assert.Equal(t, 1, stats.Depth)
	// (* 2 (add (series "a") (series "b"))) has four call nodes.
	assert.Equal(t, 4, stats.Nodes)
}

func TestMetadata_Merge(t *testing.T) {
	e := newEngine(t)
	insert(t, e, "a", day(10), series.Point{T: day(1), V: 1})
	require.NoError(t, e.Register(context.Background(), "f", `(series "a")`,
		&RegisterOptions{Meta: store.Meta{"owner": "rates-desk"}}))

	meta, err := e.Metadata("f")
	require.NoError(t, err)
	assert.Equal(t, "rates-desk", meta["owner"])
	assert.Equal(t, false, meta["tzaware"])

	require.NoError(t, e.UpdateMetadata("f", store.Meta{"desc": "demo"}))
	meta, err = e.Metadata("f")
	require.NoError(t, err)
	assert.Equal(t, "rates-desk", meta["owner"], "existing keys survive the merge")
	assert.Equal(t, "demo", meta["desc"])
}

func TestOpen_BadgerBacked(t *testing.T) {
	e, err := Open(nil, nil)
	require.NoError(t, err)
	defer e.Close()

	insert(t, e, "a", day(10), series.Point{T: day(1), V: 1})
	register(t, e, "f", `(* 2 (series "a"))`)

	got, err := e.Get(context.Background(), "f", series.Query{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Points[0].V)
}
