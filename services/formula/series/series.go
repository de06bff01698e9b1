// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package series holds the value model shared by the formula engine and the
// storage collaborator: time-indexed float series, revision histories, and
// the ambient query context.
package series

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Point is one (value date, value) observation.
type Point struct {
	T time.Time
	V float64
}

// Series is an ordered set of points, optionally named after the series it
// was resolved from. Points are kept sorted by value date with unique dates.
//
// Thread Safety: a Series is treated as immutable once returned from a
// constructor; operations allocate new series.
type Series struct {
	Name    string
	TZAware bool
	Points  []Point

	// Fill tells aggregating operators how to value dates this series
	// does not carry. Attached by the series/options operators, consumed
	// by alignment (add and friends).
	Fill *Fill
}

// Fill is a gap-filling policy.
type Fill struct {
	// Mode is "ffill" (carry the previous value forward), "bfill"
	// (carry the next value backward) or "const".
	Mode string

	// Const is the fill value when Mode is "const".
	Const float64

	// Limit caps consecutive filled grid steps; 0 means unlimited.
	Limit int
}

// New builds a series from points, sorting and de-duplicating by value date
// (the last point wins for a duplicated date).
func New(name string, pts []Point) *Series {
	cp := make([]Point, len(pts))
	copy(cp, pts)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].T.Before(cp[j].T) })
	out := cp[:0]
	for _, p := range cp {
		if len(out) > 0 && out[len(out)-1].T.Equal(p.T) {
			out[len(out)-1] = p
			continue
		}
		out = append(out, p)
	}
	return &Series{Name: name, Points: out}
}

// Len returns the number of points.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Points)
}

// Empty reports whether the series is nil or has no points.
func (s *Series) Empty() bool { return s.Len() == 0 }

// WithName returns a shallow copy carrying the given name.
func (s *Series) WithName(name string) *Series {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Name = name
	return &cp
}

// Slice restricts the series to the [from, to] value-date window. A nil
// bound leaves that side open.
func (s *Series) Slice(from, to *time.Time) *Series {
	if s == nil {
		return nil
	}
	pts := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if from != nil && p.T.Before(*from) {
			continue
		}
		if to != nil && p.T.After(*to) {
			continue
		}
		pts = append(pts, p)
	}
	return &Series{Name: s.Name, TZAware: s.TZAware, Points: pts}
}

// Patch overlays other on top of s: points of other replace points of s at
// the same value date, and new dates are inserted. This is the storage
// revision semantics: each insertion is a patch over the previous state.
func (s *Series) Patch(other *Series) *Series {
	if s.Empty() {
		return other
	}
	if other.Empty() {
		return s
	}
	merged := make([]Point, 0, len(s.Points)+len(other.Points))
	merged = append(merged, s.Points...)
	merged = append(merged, other.Points...)
	out := New(s.Name, merged)
	out.TZAware = s.TZAware
	return out
}

// At returns the value at exactly t.
func (s *Series) At(t time.Time) (float64, bool) {
	if s == nil {
		return 0, false
	}
	i := sort.Search(len(s.Points), func(i int) bool { return !s.Points[i].T.Before(t) })
	if i < len(s.Points) && s.Points[i].T.Equal(t) {
		return s.Points[i].V, true
	}
	return 0, false
}

// Floor returns the last point at or before t.
func (s *Series) Floor(t time.Time) (Point, bool) {
	if s == nil {
		return Point{}, false
	}
	i := sort.Search(len(s.Points), func(i int) bool { return s.Points[i].T.After(t) })
	if i == 0 {
		return Point{}, false
	}
	return s.Points[i-1], true
}

// Ceil returns the first point at or after t.
func (s *Series) Ceil(t time.Time) (Point, bool) {
	if s == nil {
		return Point{}, false
	}
	i := sort.Search(len(s.Points), func(i int) bool { return !s.Points[i].T.Before(t) })
	if i == len(s.Points) {
		return Point{}, false
	}
	return s.Points[i], true
}

// WithFill returns a shallow copy carrying the fill policy.
func (s *Series) WithFill(f *Fill) *Series {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Fill = f
	return &cp
}

// Diff returns the points of next that differ from base (new dates, or
// changed values). It is the building block of diffmode histories.
func Diff(base, next *Series) *Series {
	if next == nil {
		return nil
	}
	baseAt := map[int64]float64{}
	if base != nil {
		for _, p := range base.Points {
			baseAt[p.T.UnixNano()] = p.V
		}
	}
	pts := make([]Point, 0, len(next.Points))
	for _, p := range next.Points {
		if v, ok := baseAt[p.T.UnixNano()]; ok && v == p.V {
			continue
		}
		pts = append(pts, p)
	}
	return &Series{Name: next.Name, TZAware: next.TZAware, Points: pts}
}

// Equal reports whether two series carry the same points (names ignored).
func Equal(a, b *Series) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := range a.Points {
		if !a.Points[i].T.Equal(b.Points[i].T) || a.Points[i].V != b.Points[i].V {
			return false
		}
	}
	return true
}

// Query is the ambient query context injected at top-level evaluation:
// an optional revision pin and an optional value-date window. Operators
// that shift time rebind it for their subtree only.
type Query struct {
	RevisionDate  *time.Time
	FromValueDate *time.Time
	ToValueDate   *time.Time
}

// Key returns a stable textual form of the query, used (together with the
// serialized sub-tree) as the memoization key of the caching evaluator.
func (q Query) Key() string {
	var b strings.Builder
	stamp := func(t *time.Time) {
		if t == nil {
			b.WriteString("nil")
			return
		}
		b.WriteString(t.UTC().Format(time.RFC3339Nano))
	}
	stamp(q.RevisionDate)
	b.WriteByte('|')
	stamp(q.FromValueDate)
	b.WriteByte('|')
	stamp(q.ToValueDate)
	return b.String()
}

// WithRevision returns a copy of the query pinned to the given revision.
func (q Query) WithRevision(t time.Time) Query {
	tt := t
	q.RevisionDate = &tt
	return q
}

// History maps revision dates to the state of one series as of that
// revision. For a derived formula it is always synthesized, never stored.
type History map[time.Time]*Series

// RevisionDates returns the revision dates in ascending order.
func (h History) RevisionDates() []time.Time {
	dates := make([]time.Time, 0, len(h))
	for t := range h {
		dates = append(dates, t)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

// AsOf returns the most recent snapshot at or before t, or nil when the
// history has no entry that early.
func (h History) AsOf(t time.Time) *Series {
	var best *Series
	var bestT time.Time
	for it, s := range h {
		if it.After(t) {
			continue
		}
		if best == nil || it.After(bestT) {
			best, bestT = s, it
		}
	}
	return best
}

// String renders a compact debug form, points elided.
func (s *Series) String() string {
	if s == nil {
		return "<nil series>"
	}
	return fmt.Sprintf("series %q (%d points)", s.Name, len(s.Points))
}
