// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/series"
	"github.com/AleutianAI/tideline/services/formula/types"
)

// ErrBadOperand reports a runtime operand of an unexpected dynamic type.
// After a successful typecheck this indicates an operator bug, not a user
// error.
var ErrBadOperand = errors.New("bad operand")

// RegisterBuiltins installs the built-in operator set into r.
func RegisterBuiltins(r *Registry) {
	r.Register(opSeries())
	r.Register(opAdd())
	r.Register(opArith("+"))
	r.Register(opArith("*"))
	r.Register(opArith("/"))
	r.Register(opPriority())
	r.Register(opClip())
	r.Register(opOptions())
	r.Register(opNaive())
	r.Register(opDate())
	r.Register(opConstant())
	r.Register(opAsof())
	r.Register(opByPrefix())
}

// numberOrSeries is the declared operand type of arithmetic operators; the
// checker narrows the return per call site.
func numberOrSeries() types.Type {
	return types.Union(types.Number(), types.Series())
}

func asSeries(v any) (*series.Series, error) {
	s, ok := v.(*series.Series)
	if !ok {
		return nil, fmt.Errorf("%w: want a series, got %T", ErrBadOperand, v)
	}
	return s, nil
}

func asNumber(v any) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("%w: want a number, got %T", ErrBadOperand, v)
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: want a string, got %T", ErrBadOperand, v)
	}
	return s, nil
}

func asTime(v any) (time.Time, error) {
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: want a timestamp, got %T", ErrBadOperand, v)
	}
	return t, nil
}

// fillFromKwargs assembles a fill policy from the fill/limit keywords.
func fillFromKwargs(inv *Invocation) (*series.Fill, error) {
	raw := inv.Kwarg("fill")
	if raw == nil {
		return nil, nil
	}
	fill := &series.Fill{}
	switch v := raw.(type) {
	case string:
		if v != "ffill" && v != "bfill" {
			return nil, fmt.Errorf("%w: fill mode %q", ErrBadOperand, v)
		}
		fill.Mode = v
	case int64:
		fill.Mode = "const"
		fill.Const = float64(v)
	case float64:
		fill.Mode = "const"
		fill.Const = v
	default:
		return nil, fmt.Errorf("%w: fill %T", ErrBadOperand, raw)
	}
	if lim := inv.Kwarg("limit"); lim != nil {
		n, err := asNumber(lim)
		if err != nil {
			return nil, err
		}
		fill.Limit = int(n)
	}
	return fill, nil
}

// applyWeight scales the series when the weight keyword is present.
func applyWeight(inv *Invocation, s *series.Series) (*series.Series, error) {
	raw := inv.Kwarg("weight")
	if raw == nil || s == nil {
		return s, nil
	}
	w, err := asNumber(raw)
	if err != nil {
		return nil, err
	}
	pts := make([]series.Point, len(s.Points))
	for i, p := range s.Points {
		pts[i] = series.Point{T: p.T, V: p.V * w}
	}
	cp := *s
	cp.Points = pts
	return &cp, nil
}

// opSeries is the stored-series leaf. It is the canonical dispatchable
// operator: one I/O round-trip to the storage collaborator per call.
func opSeries() *Operator {
	return &Operator{
		Name: "series",
		Sig: types.NewSignature(types.Series()).
			Pos("name", types.SeriesName()).
			Kw("fill", types.Union(types.Str(), types.Number())).
			Kw("limit", types.Int()).
			Kw("weight", types.Number()),
		Dispatchable: true,
		ArgScope:     []string{"fill", "limit", "weight"},
		Finder: func(tree *expr.Node, _ Resolver) ([]string, error) {
			pos, _, err := tree.SplitArgs()
			if err != nil || len(pos) == 0 || pos[0].Kind != expr.KindString {
				return nil, err
			}
			return []string{pos[0].Str}, nil
		},
		Call: func(inv *Invocation) (any, error) {
			name, err := asString(inv.Arg(0))
			if err != nil {
				return nil, err
			}
			s, err := inv.Resolver.GetSeries(inv.Ctx, name, inv.Query)
			if err != nil {
				return nil, err
			}
			fill, err := fillFromKwargs(inv)
			if err != nil {
				return nil, err
			}
			if fill != nil {
				s = s.WithFill(fill)
			}
			return applyWeight(inv, s)
		},
	}
}

// valuesOn resolves s on each grid date, honoring its fill policy. A nil
// entry means no value.
func valuesOn(grid []time.Time, s *series.Series) []*float64 {
	out := make([]*float64, len(grid))
	mode := ""
	limit := 0
	if s != nil && s.Fill != nil {
		mode, limit = s.Fill.Mode, s.Fill.Limit
	}

	miss := 0
	for i, t := range grid {
		if v, ok := s.At(t); ok {
			out[i] = &v
			miss = 0
			continue
		}
		miss++
		switch mode {
		case "const":
			v := s.Fill.Const
			out[i] = &v
		case "ffill":
			if limit > 0 && miss > limit {
				continue
			}
			if p, ok := s.Floor(t); ok {
				v := p.V
				out[i] = &v
			}
		}
	}

	if mode == "bfill" {
		miss = 0
		for i := len(grid) - 1; i >= 0; i-- {
			if out[i] != nil {
				miss = 0
				continue
			}
			miss++
			if limit > 0 && miss > limit {
				continue
			}
			if p, ok := s.Ceil(grid[i]); ok {
				v := p.V
				out[i] = &v
			}
		}
	}
	return out
}

// unionGrid merges the value dates of all inputs, ascending.
func unionGrid(inputs []*series.Series) []time.Time {
	merged := &series.Series{}
	for _, s := range inputs {
		if s != nil {
			merged = merged.Patch(s)
		}
	}
	grid := make([]time.Time, 0, merged.Len())
	for _, p := range merged.Points {
		grid = append(grid, p.T)
	}
	return grid
}

// alignReduce combines the inputs point-wise over their union grid,
// dropping dates where any input has no value even after fills.
func alignReduce(inputs []*series.Series, reduce func(vals []float64) float64) *series.Series {
	grid := unionGrid(inputs)
	cols := make([][]*float64, len(inputs))
	tzaware := false
	for i, s := range inputs {
		cols[i] = valuesOn(grid, s)
		if s != nil && s.TZAware {
			tzaware = true
		}
	}
	pts := make([]series.Point, 0, len(grid))
next:
	for gi, t := range grid {
		vals := make([]float64, len(inputs))
		for i := range inputs {
			if cols[i][gi] == nil {
				continue next
			}
			vals[i] = *cols[i][gi]
		}
		pts = append(pts, series.Point{T: t, V: reduce(vals)})
	}
	return &series.Series{TZAware: tzaware, Points: pts}
}

func seriesArgs(inv *Invocation) ([]*series.Series, error) {
	out := make([]*series.Series, len(inv.Args))
	for i, a := range inv.Args {
		s, err := asSeries(a)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func opAdd() *Operator {
	return &Operator{
		Name: "add",
		Sig: types.NewSignature(types.Series()).
			Variadic("serieslist", types.Series()),
		Call: func(inv *Invocation) (any, error) {
			inputs, err := seriesArgs(inv)
			if err != nil {
				return nil, err
			}
			return alignReduce(inputs, func(vals []float64) float64 {
				sum := 0.0
				for _, v := range vals {
					sum += v
				}
				return sum
			}), nil
		},
	}
}

// opArith covers the scalar/series forms of + * /.
func opArith(name string) *Operator {
	apply := func(a, b float64) float64 {
		switch name {
		case "+":
			return a + b
		case "*":
			return a * b
		default:
			return a / b
		}
	}
	return &Operator{
		Name: name,
		Sig: types.NewSignature(numberOrSeries()).
			Pos("a", numberOrSeries()).
			Pos("b", numberOrSeries()),
		Call: func(inv *Invocation) (any, error) {
			a, b := inv.Arg(0), inv.Arg(1)
			sa, aIsSeries := a.(*series.Series)
			sb, bIsSeries := b.(*series.Series)
			switch {
			case aIsSeries && bIsSeries:
				return alignReduce([]*series.Series{sa, sb}, func(vals []float64) float64 {
					return apply(vals[0], vals[1])
				}), nil
			case aIsSeries || bIsSeries:
				s, scalarIsLeft := sb, true
				if aIsSeries {
					s, scalarIsLeft = sa, false
				}
				var scalar float64
				var err error
				if scalarIsLeft {
					scalar, err = asNumber(a)
				} else {
					scalar, err = asNumber(b)
				}
				if err != nil {
					return nil, err
				}
				pts := make([]series.Point, len(s.Points))
				for i, p := range s.Points {
					if scalarIsLeft {
						pts[i] = series.Point{T: p.T, V: apply(scalar, p.V)}
					} else {
						pts[i] = series.Point{T: p.T, V: apply(p.V, scalar)}
					}
				}
				cp := *s
				cp.Points = pts
				cp.Fill = nil
				return &cp, nil
			default:
				// Scalar arithmetic keeps integers integral for + and *.
				ia, aInt := a.(int64)
				ib, bInt := b.(int64)
				if aInt && bInt && name != "/" {
					if name == "+" {
						return ia + ib, nil
					}
					return ia * ib, nil
				}
				fa, err := asNumber(a)
				if err != nil {
					return nil, err
				}
				fb, err := asNumber(b)
				if err != nil {
					return nil, err
				}
				return apply(fa, fb), nil
			}
		},
	}
}

func opPriority() *Operator {
	return &Operator{
		Name: "priority",
		Sig: types.NewSignature(types.Series()).
			Variadic("serieslist", types.Series()),
		Call: func(inv *Invocation) (any, error) {
			inputs, err := seriesArgs(inv)
			if err != nil {
				return nil, err
			}
			// Later inputs only fill the dates the earlier ones miss.
			out := &series.Series{}
			for i := len(inputs) - 1; i >= 0; i-- {
				if inputs[i] == nil {
					continue
				}
				out = out.Patch(inputs[i])
				out.TZAware = out.TZAware || inputs[i].TZAware
			}
			out.Fill = nil
			return out, nil
		},
	}
}

func opClip() *Operator {
	return &Operator{
		Name: "clip",
		Sig: types.NewSignature(types.Series()).
			Pos("series", types.Series()).
			Kw("min", types.Number()).
			Kw("max", types.Number()),
		Call: func(inv *Invocation) (any, error) {
			s, err := asSeries(inv.Arg(0))
			if err != nil {
				return nil, err
			}
			pts := make([]series.Point, 0, len(s.Points))
			for _, p := range s.Points {
				if lo := inv.Kwarg("min"); lo != nil {
					if bound, err := asNumber(lo); err != nil {
						return nil, err
					} else if p.V < bound {
						continue
					}
				}
				if hi := inv.Kwarg("max"); hi != nil {
					if bound, err := asNumber(hi); err != nil {
						return nil, err
					} else if p.V > bound {
						continue
					}
				}
				pts = append(pts, p)
			}
			cp := *s
			cp.Points = pts
			return &cp, nil
		},
	}
}

// opOptions re-attaches fill/limit/weight options to an arbitrary series
// expression. The expander wraps inlined definitions with it when those
// keywords would otherwise be lost.
func opOptions() *Operator {
	return &Operator{
		Name: "options",
		Sig: types.NewSignature(types.Series()).
			Pos("series", types.Series()).
			Kw("fill", types.Union(types.Str(), types.Number())).
			Kw("limit", types.Int()).
			Kw("weight", types.Number()),
		Call: func(inv *Invocation) (any, error) {
			s, err := asSeries(inv.Arg(0))
			if err != nil {
				return nil, err
			}
			fill, err := fillFromKwargs(inv)
			if err != nil {
				return nil, err
			}
			if fill != nil {
				s = s.WithFill(fill)
			}
			return applyWeight(inv, s)
		},
	}
}

func opNaive() *Operator {
	return &Operator{
		Name: "naive",
		Sig: types.NewSignature(types.Series()).
			Pos("series", types.Series()),
		Call: func(inv *Invocation) (any, error) {
			s, err := asSeries(inv.Arg(0))
			if err != nil {
				return nil, err
			}
			cp := *s
			cp.TZAware = false
			return &cp, nil
		},
	}
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

func parseDate(text, tz string) (time.Time, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrBadOperand, tz, err)
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable date %q", ErrBadOperand, text)
}

func opDate() *Operator {
	return &Operator{
		Name: "date",
		Sig: types.NewSignature(types.Timestamp()).
			Pos("ts", types.Str()).
			Kw("tz", types.Str()),
		Call: func(inv *Invocation) (any, error) {
			text, err := asString(inv.Arg(0))
			if err != nil {
				return nil, err
			}
			tz := ""
			if raw := inv.Kwarg("tz"); raw != nil {
				if tz, err = asString(raw); err != nil {
					return nil, err
				}
			}
			return parseDate(text, tz)
		},
	}
}

func parseFreq(text string) (time.Duration, error) {
	switch text {
	case "D":
		return 24 * time.Hour, nil
	case "H":
		return time.Hour, nil
	case "T", "min":
		return time.Minute, nil
	}
	d, err := time.ParseDuration(text)
	if err != nil {
		return 0, fmt.Errorf("%w: frequency %q", ErrBadOperand, text)
	}
	return d, nil
}

// constantArgs statically evaluates the literal arguments of a constant
// call: the history and insertion-dates providers have no evaluator at
// hand.
type constantArgs struct {
	value    float64
	from, to time.Time
	freq     time.Duration
	revdate  time.Time
}

func parseConstantArgs(tree *expr.Node) (*constantArgs, error) {
	pos, _, err := tree.SplitArgs()
	if err != nil {
		return nil, err
	}
	if len(pos) != 5 {
		return nil, fmt.Errorf("%w: constant wants 5 arguments, got %d", ErrBadOperand, len(pos))
	}
	out := &constantArgs{}
	switch pos[0].Kind {
	case expr.KindInt:
		out.value = float64(pos[0].Int)
	case expr.KindFloat:
		out.value = pos[0].Float
	default:
		return nil, fmt.Errorf("%w: constant value must be a literal number", ErrBadOperand)
	}
	if out.from, err = staticDate(pos[1]); err != nil {
		return nil, err
	}
	if out.to, err = staticDate(pos[2]); err != nil {
		return nil, err
	}
	if out.revdate, err = staticDate(pos[4]); err != nil {
		return nil, err
	}
	if pos[3].Kind != expr.KindString {
		return nil, fmt.Errorf("%w: constant frequency must be a literal string", ErrBadOperand)
	}
	out.freq, err = parseFreq(pos[3].Str)
	return out, err
}

// staticDate evaluates a literal date argument: either a plain string or a
// (date ...) call over literals.
func staticDate(n *expr.Node) (time.Time, error) {
	if n.Kind == expr.KindString {
		return parseDate(n.Str, "")
	}
	if n.IsCall("date") {
		pos, kw, err := n.SplitArgs()
		if err != nil {
			return time.Time{}, err
		}
		if len(pos) != 1 || pos[0].Kind != expr.KindString {
			return time.Time{}, fmt.Errorf("%w: date wants one literal string", ErrBadOperand)
		}
		tz := ""
		if tznode, ok := kw["tz"]; ok && tznode.Kind == expr.KindString {
			tz = tznode.Str
		}
		return parseDate(pos[0].Str, tz)
	}
	return time.Time{}, fmt.Errorf("%w: expected a literal date", ErrBadOperand)
}

func (c *constantArgs) materialize(q series.Query) *series.Series {
	if q.RevisionDate != nil && q.RevisionDate.Before(c.revdate) {
		return &series.Series{}
	}
	pts := []series.Point{}
	for t := c.from; !t.After(c.to); t = t.Add(c.freq) {
		pts = append(pts, series.Point{T: t, V: c.value})
	}
	s := &series.Series{Points: pts}
	return s.Slice(q.FromValueDate, q.ToValueDate)
}

// opConstant is the reference autotrophic operator: a flat series defined
// entirely by its literal arguments, with a single-revision timeline.
func opConstant() *Operator {
	return &Operator{
		Name: "constant",
		Sig: types.NewSignature(types.Series()).
			Pos("value", types.Number()).
			Pos("fromdate", types.Union(types.Timestamp(), types.Str())).
			Pos("todate", types.Union(types.Timestamp(), types.Str())).
			Pos("freq", types.Str()).
			Pos("revdate", types.Union(types.Timestamp(), types.Str())),
		Autotrophic: true,
		RawArgs:     true,
		Call: func(inv *Invocation) (any, error) {
			args, err := parseConstantArgs(inv.Tree)
			if err != nil {
				return nil, err
			}
			return args.materialize(inv.Query), nil
		},
		History: func(_ context.Context, tree *expr.Node, _ Resolver, from, to *time.Time) (series.History, error) {
			args, err := parseConstantArgs(tree)
			if err != nil {
				return nil, err
			}
			if from != nil && args.revdate.Before(*from) {
				return series.History{}, nil
			}
			if to != nil && args.revdate.After(*to) {
				return series.History{}, nil
			}
			return series.History{
				args.revdate: args.materialize(series.Query{}),
			}, nil
		},
		IDates: func(_ context.Context, tree *expr.Node, _ Resolver, from, to *time.Time) ([]time.Time, error) {
			args, err := parseConstantArgs(tree)
			if err != nil {
				return nil, err
			}
			if from != nil && args.revdate.Before(*from) {
				return nil, nil
			}
			if to != nil && args.revdate.After(*to) {
				return nil, nil
			}
			return []time.Time{args.revdate}, nil
		},
	}
}

// opAsof pins the revision date for its subtree: the manual time-travel
// construct. RawArgs because the subtree must be evaluated under the
// rebound query, not the ambient one.
func opAsof() *Operator {
	return &Operator{
		Name: "asof",
		Sig: types.NewSignature(types.Series()).
			Pos("revdate", types.Timestamp()).
			Pos("expr", types.Series()),
		RawArgs:      true,
		PinsRevision: true,
		Call: func(inv *Invocation) (any, error) {
			pos, _, err := inv.Tree.SplitArgs()
			if err != nil {
				return nil, err
			}
			if len(pos) != 2 {
				return nil, fmt.Errorf("%w: asof wants 2 arguments, got %d", ErrBadOperand, len(pos))
			}
			raw, err := inv.EvalSub(inv.Ctx, pos[0], inv.Query)
			if err != nil {
				return nil, err
			}
			pin, err := asTime(raw)
			if err != nil {
				return nil, err
			}
			return inv.EvalSub(inv.Ctx, pos[1], inv.Query.WithRevision(pin))
		},
	}
}

// opByPrefix resolves a dynamically computed set of stored series and sums
// them. Its finder queries the resolver, so dependency edges follow the
// stored names existing at registration time.
func opByPrefix() *Operator {
	return &Operator{
		Name: "byprefix",
		Sig: types.NewSignature(types.Series()).
			Pos("prefix", types.Str()),
		Dispatchable: true,
		Finder: func(tree *expr.Node, r Resolver) ([]string, error) {
			pos, _, err := tree.SplitArgs()
			if err != nil || len(pos) == 0 || pos[0].Kind != expr.KindString {
				return nil, err
			}
			return r.FindNames(pos[0].Str)
		},
		Call: func(inv *Invocation) (any, error) {
			prefix, err := asString(inv.Arg(0))
			if err != nil {
				return nil, err
			}
			names, err := inv.Resolver.FindNames(prefix)
			if err != nil {
				return nil, err
			}
			inputs := make([]*series.Series, 0, len(names))
			for _, name := range names {
				s, err := inv.Resolver.GetSeries(inv.Ctx, name, inv.Query)
				if err != nil {
					return nil, err
				}
				inputs = append(inputs, s)
			}
			return alignReduce(inputs, func(vals []float64) float64 {
				sum := 0.0
				for _, v := range vals {
					sum += v
				}
				return sum
			}), nil
		},
	}
}
