// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tideline/services/formula/series"
)

func day(d int) time.Time {
	return time.Date(2025, 1, d, 0, 0, 0, 0, time.UTC)
}

func pts(vals ...float64) []series.Point {
	out := make([]series.Point, len(vals))
	for i, v := range vals {
		out[i] = series.Point{T: day(i + 1), V: v}
	}
	return out
}

// forEachStore runs the conformance suite against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("badger", func(t *testing.T) {
		s, err := OpenBadger(InMemoryBadgerConfig())
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

func TestStore_RevisionSemantics(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Insert("a", series.New("a", pts(1, 2)), day(10)))
		require.NoError(t, s.Insert("a", series.New("a", []series.Point{
			{T: day(2), V: 20},
			{T: day(3), V: 3},
		}), day(11)))

		// Unpinned: the latest merged state.
		got, err := s.Get("a", series.Query{})
		require.NoError(t, err)
		require.Equal(t, 3, got.Len())
		assert.Equal(t, 1.0, got.Points[0].V)
		assert.Equal(t, 20.0, got.Points[1].V, "second insert patches over the first")

		// Pinned before the second insert: the first state only.
		got, err = s.Get("a", series.Query{}.WithRevision(day(10)))
		require.NoError(t, err)
		require.Equal(t, 2, got.Len())
		assert.Equal(t, 2.0, got.Points[1].V)

		// Pinned before any insert: empty, not an error.
		got, err = s.Get("a", series.Query{}.WithRevision(day(9)))
		require.NoError(t, err)
		assert.True(t, got.Empty())

		// Value-date window.
		from := day(2)
		got, err = s.Get("a", series.Query{FromValueDate: &from})
		require.NoError(t, err)
		assert.Equal(t, 2, got.Len())

		_, err = s.Get("nope", series.Query{})
		assert.True(t, errors.Is(err, ErrUnknownSeries))
	})
}

func TestStore_HistoryAndInsertionDates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Insert("a", series.New("a", pts(1)), day(10)))
		require.NoError(t, s.Insert("a", series.New("a", pts(1, 2)), day(11)))
		require.NoError(t, s.Insert("a", series.New("a", pts(1, 2, 3)), day(12)))

		h, err := s.History("a", nil, nil)
		require.NoError(t, err)
		require.Len(t, h, 3)
		assert.Equal(t, 1, h[day(10)].Len())
		assert.Equal(t, 3, h[day(12)].Len())

		// Windowed history keeps cumulative snapshots.
		from := day(11)
		h, err = s.History("a", &from, nil)
		require.NoError(t, err)
		require.Len(t, h, 2)
		assert.Equal(t, 2, h[day(11)].Len(), "snapshot carries points inserted before the window")

		dates, err := s.InsertionDates("a", &from, nil)
		require.NoError(t, err)
		assert.Equal(t, []time.Time{day(11), day(12)}, dates)
	})
}

func TestStore_TimezoneGuard(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		aware := series.New("a", pts(1))
		aware.TZAware = true
		require.NoError(t, s.Insert("a", aware, day(10)))

		err := s.Insert("a", series.New("a", pts(2)), day(11))
		assert.True(t, errors.Is(err, ErrTimezoneIncompatible), "got %v", err)

		got, err := s.TZAware("a")
		require.NoError(t, err)
		assert.True(t, got)
	})
}

func TestStore_NameCollision(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Insert("prim", series.New("prim", pts(1)), day(10)))
		require.NoError(t, s.PutFormula(FormulaRecord{Name: "form", Text: `(series "prim")`}))

		err := s.PutFormula(FormulaRecord{Name: "prim", Text: `(series "x")`})
		assert.True(t, errors.Is(err, ErrNameCollision), "got %v", err)

		err = s.Insert("form", series.New("form", pts(1)), day(10))
		assert.True(t, errors.Is(err, ErrNameCollision), "got %v", err)

		kind, err := s.Kind("prim")
		require.NoError(t, err)
		assert.Equal(t, KindPrimary, kind)
		kind, _ = s.Kind("form")
		assert.Equal(t, KindFormula, kind)
		kind, _ = s.Kind("nope")
		assert.Equal(t, KindNone, kind)
	})
}

func TestStore_DependencyEdges(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Insert("base", series.New("base", pts(1)), day(10)))
		require.NoError(t, s.PutFormula(FormulaRecord{Name: "f1", Text: `(series "base")`}))
		require.NoError(t, s.PutFormula(FormulaRecord{Name: "f2", Text: `(series "base")`}))
		require.NoError(t, s.SetDependencies("f1", []string{"base"}))
		require.NoError(t, s.SetDependencies("f2", []string{"base", "f1"}))

		deps, err := s.Dependents("base")
		require.NoError(t, err)
		assert.Equal(t, []string{"f1", "f2"}, deps)

		// Replacing edges drops the stale reverse entries.
		require.NoError(t, s.SetDependencies("f2", []string{"f1"}))
		deps, err = s.Dependents("base")
		require.NoError(t, err)
		assert.Equal(t, []string{"f1"}, deps)

		fdeps, err := s.Dependencies("f2")
		require.NoError(t, err)
		assert.Equal(t, []string{"f1"}, fdeps)
	})
}

func TestStore_Rename(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Insert("base", series.New("base", pts(1, 2)), day(10)))
		require.NoError(t, s.PutFormula(FormulaRecord{Name: "f1", Text: `(series "base")`}))
		require.NoError(t, s.SetDependencies("f1", []string{"base"}))

		require.NoError(t, s.Rename("base", "renamed"))

		_, err := s.Get("base", series.Query{})
		assert.True(t, errors.Is(err, ErrUnknownSeries))
		got, err := s.Get("renamed", series.Query{})
		require.NoError(t, err)
		assert.Equal(t, 2, got.Len())

		// Dependency edges follow the rename.
		deps, err := s.Dependencies("f1")
		require.NoError(t, err)
		assert.Equal(t, []string{"renamed"}, deps)
		rdeps, err := s.Dependents("renamed")
		require.NoError(t, err)
		assert.Equal(t, []string{"f1"}, rdeps)

		// Collision is rejected.
		err = s.Rename("f1", "renamed")
		assert.True(t, errors.Is(err, ErrNameCollision), "got %v", err)
	})
}

func TestStore_Delete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Insert("base", series.New("base", pts(1)), day(10)))
		require.NoError(t, s.PutFormula(FormulaRecord{Name: "f1", Text: `(series "base")`}))
		require.NoError(t, s.SetDependencies("f1", []string{"base"}))

		require.NoError(t, s.Delete("f1"))
		rdeps, err := s.Dependents("base")
		require.NoError(t, err)
		assert.Empty(t, rdeps, "deleting a formula drops its edges")

		require.NoError(t, s.Delete("base"))
		kind, _ := s.Kind("base")
		assert.Equal(t, KindNone, kind)

		assert.Error(t, s.Delete("base"), "double delete")
	})
}

func TestStore_FindNamesAndMetadata(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Insert("sales.fr", series.New("sales.fr", pts(1)), day(10)))
		require.NoError(t, s.Insert("sales.de", series.New("sales.de", pts(1)), day(10)))
		require.NoError(t, s.PutFormula(FormulaRecord{Name: "sales.eu", Text: `(add (series "sales.fr") (series "sales.de"))`}))
		require.NoError(t, s.PutFormula(FormulaRecord{Name: "stock.eu", Text: `(series "sales.fr")`}))

		names, err := s.FindNames("sales.")
		require.NoError(t, err)
		assert.Equal(t, []string{"sales.de", "sales.eu", "sales.fr"}, names)

		prims, err := s.ListPrimaries()
		require.NoError(t, err)
		assert.Equal(t, []string{"sales.de", "sales.fr"}, prims)
		forms, err := s.ListFormulas()
		require.NoError(t, err)
		assert.Equal(t, []string{"sales.eu", "stock.eu"}, forms)

		require.NoError(t, s.UpdateMetadata("sales.eu", Meta{"unit": "EUR"}))
		meta, err := s.Metadata("sales.eu")
		require.NoError(t, err)
		assert.Equal(t, "EUR", meta["unit"])

		_, err = s.Metadata("nope")
		assert.True(t, errors.Is(err, ErrUnknownSeries))
	})
}
