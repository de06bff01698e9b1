// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package types

import (
	"errors"
	"testing"

	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameType(t *testing.T) {
	cases := []struct {
		name  string
		super Type
		sub   Type
		want  bool
	}{
		{"identical", Series(), Series(), true},
		{"number accepts int", Number(), Int(), true},
		{"number accepts float", Number(), Float(), true},
		{"int rejects float", Int(), Float(), false},
		{"seriesname accepts str", SeriesName(), Str(), true},
		{"str accepts seriesname", Str(), SeriesName(), true},
		{"union super", Union(Number(), Series()), Int(), true},
		{"union sub", Series(), Union(Str(), Series()), true},
		{"union miss", Union(Str(), Bool()), Series(), false},
		{"default transparent", Default(Str()), Str(), true},
		{"default accepts nil", Default(Str()), NilType(), true},
		{"bare type rejects nil", Str(), NilType(), false},
		{"union with default accepts nil", Union(Default(Int()), Str()), NilType(), true},
		{"packed absorbs element", Packed(Series()), Series(), true},
		{"packed accepts list", Packed(Series()), List(Series()), true},
		{"list element mismatch", List(Series()), List(Str()), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SameType(tc.super, tc.sub),
				"SameType(%s, %s)", tc.super, tc.sub)
		})
	}
}

func testLookup() LookupMap {
	return LookupMap{
		"series": NewSignature(Series()).
			Pos("name", SeriesName()).
			Kw("fill", Union(Str(), Number())).
			Kw("limit", Int()).
			Kw("weight", Number()),
		"add": NewSignature(Series()).
			Variadic("serieslist", Series()),
		"+": NewSignature(Union(Number(), Series())).
			Pos("a", Union(Number(), Series())).
			Pos("b", Union(Number(), Series())),
		"*": NewSignature(Union(Number(), Series())).
			Pos("a", Union(Number(), Series())).
			Pos("b", Union(Number(), Series())),
		"/": NewSignature(Union(Number(), Series())).
			Pos("a", Union(Number(), Series())).
			Pos("b", Union(Number(), Series())),
		"priority": NewSignature(Series()).
			Variadic("serieslist", Series()),
		"clip": NewSignature(Series()).
			Pos("series", Series()).
			Kw("min", Number()).
			Kw("max", Number()),
	}
}

func TestTypecheck(t *testing.T) {
	lookup := testLookup()

	ok := []struct {
		name string
		text string
		want Type
	}{
		{"leaf", `(series "a")`, Series()},
		{"keyword args", `(series "a" #:fill "ffill" #:limit 2)`, Series()},
		{"fill accepts number", `(series "a" #:fill 17)`, Series()},
		{"nil keyword", `(series "a" #:weight nil)`, Series()},
		{"variadic", `(add (series "a") (series "b") (series "c"))`, Series()},
		{"scalar times series", `(* 2 (series "a"))`, Series()},
		{"int arithmetic narrows", `(+ 1 2)`, Int()},
		{"float contaminates", `(+ 1 2.5)`, Float()},
		{"division narrows to series", `(/ (add (series "a")) 2)`, Series()},
		{"nested arithmetic", `(clip (series "a") #:max (+ 1 2))`, Series()},
		{"let body type", `(let x (series "a") (add x (series "b")))`, Series()},
		{"let chained bindings", `(let a 1 b 2 (+ a b))`, Number()},
	}
	for _, tc := range ok {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Typecheck(expr.MustParse(tc.text), lookup)
			require.NoError(t, err)
			assert.Equal(t, tc.want.String(), got.String())
		})
	}

	bad := []struct {
		name string
		text string
		err  error
	}{
		{"unknown operator", `(nope (series "a"))`, ErrUnknownOperator},
		{"nested unknown operator", `(add (series "a") (nope 1))`, ErrUnknownOperator},
		{"wrong literal kind", `(series 42)`, ErrTypeMismatch},
		{"unknown keyword", `(series "a" #:frobnicate 1)`, ErrTypeMismatch},
		{"keyword type", `(series "a" #:limit "three")`, ErrTypeMismatch},
		{"missing required arg", `(clip)`, ErrTypeMismatch},
		{"too many args", `(clip (series "a") (series "b"))`, ErrTypeMismatch},
		{"series where number", `(clip (series "a") #:max (add (series "b")))`, ErrTypeMismatch},
		{"let without body", `(let x 2)`, ErrTypeMismatch},
		{"let name not a symbol", `(let "x" 2 (+ 1 2))`, ErrTypeMismatch},
		{"let bad binding value", `(let x (nope 1) x)`, ErrUnknownOperator},
	}
	for _, tc := range bad {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Typecheck(expr.MustParse(tc.text), lookup)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.err), "got %v", err)
		})
	}
}

func TestFold(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`(+ 1 2)`, `3`},
		{`(* 2 3.5)`, `7.0`},
		{`(/ 6 3)`, `2.0`},
		{`(* 2 (+ 1 2))`, `6`},
		{`(* 2 (series "a"))`, `(* 2 (series "a"))`},
		{`(clip (series "a") #:max (+ 1 2))`, `(clip (series "a") #:max 3)`},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			src := expr.MustParse(`(clip ` + tc.in + `)`) // wrap so bare atoms parse
			folded := Fold(src)
			assert.Equal(t, `(clip `+tc.want+`)`, folded.String())
			assert.Equal(t, `(clip `+tc.in+`)`, src.String(), "Fold must not mutate its input")
		})
	}
}
