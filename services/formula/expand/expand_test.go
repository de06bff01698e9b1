// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package expand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/registry"
)

func testExpander(defs DefMap) *Expander {
	return &Expander{Defs: defs, Registry: registry.NewWithBuiltins()}
}

func TestExpand_Recursive(t *testing.T) {
	e := testExpander(DefMap{
		"eu":    expr.MustParse(`(add (series "fr") (series "de"))`),
		"world": expr.MustParse(`(add (series "eu") (series "us"))`),
	})

	got, err := e.Expand(expr.MustParse(`(series "world")`), Unlimited())
	require.NoError(t, err)
	assert.Equal(t,
		`(add (add (series "fr") (series "de")) (series "us"))`,
		got.String())
}

func TestExpand_Level(t *testing.T) {
	e := testExpander(DefMap{
		"eu":    expr.MustParse(`(add (series "fr") (series "de"))`),
		"world": expr.MustParse(`(add (series "eu") (series "us"))`),
	})
	src := expr.MustParse(`(series "world")`)

	got, err := e.Expand(src, Options{Level: 1})
	require.NoError(t, err)
	assert.Equal(t, `(add (series "eu") (series "us"))`, got.String(),
		"one round leaves the nested formula as a leaf")

	got, err = e.Expand(src, Options{Level: 0})
	require.NoError(t, err)
	assert.Equal(t, `(series "world")`, got.String())
}

func TestExpand_StopNames(t *testing.T) {
	e := testExpander(DefMap{
		"eu":    expr.MustParse(`(add (series "fr") (series "de"))`),
		"world": expr.MustParse(`(add (series "eu") (series "us"))`),
	})

	got, err := e.Expand(expr.MustParse(`(series "world")`), Options{
		Level:     -1,
		StopNames: map[string]bool{"eu": true},
	})
	require.NoError(t, err)
	assert.Equal(t, `(add (series "eu") (series "us"))`, got.String())
}

func TestExpand_ShowNames(t *testing.T) {
	e := testExpander(DefMap{
		"left":   expr.MustParse(`(series "target")`),
		"right":  expr.MustParse(`(series "other")`),
		"target": expr.MustParse(`(* 2 (series "prim"))`),
	})

	// Only the branch reaching "target" is opened; the sibling stays.
	got, err := e.Expand(
		expr.MustParse(`(add (series "left") (series "right"))`),
		Options{Level: -1, ShowNames: map[string]bool{"target": true}})
	require.NoError(t, err)
	assert.Equal(t,
		`(add (* 2 (series "prim")) (series "right"))`,
		got.String())
}

func TestExpand_ArgScopeRewrap(t *testing.T) {
	e := testExpander(DefMap{
		"eu": expr.MustParse(`(add (series "fr") (series "de"))`),
	})

	got, err := e.Expand(
		expr.MustParse(`(add (series "eu" #:fill "ffill" #:limit 2) (series "us"))`),
		Unlimited())
	require.NoError(t, err)
	assert.Equal(t,
		`(add (options (add (series "fr") (series "de")) #:fill "ffill" #:limit 2) (series "us"))`,
		got.String(),
		"fill options survive inlining via an options wrapper")
}

func TestExpand_SelfReference(t *testing.T) {
	e := testExpander(DefMap{
		"loop": expr.MustParse(`(* 2 (series "loop"))`),
	})

	got, err := e.Expand(expr.MustParse(`(series "loop")`), Unlimited())
	require.NoError(t, err)
	assert.Equal(t, `(* 2 (series "loop"))`, got.String(),
		"a self-referential definition expands exactly once")
}

func TestExpand_DoesNotMutateInput(t *testing.T) {
	e := testExpander(DefMap{
		"eu": expr.MustParse(`(add (series "fr") (series "de"))`),
	})
	src := expr.MustParse(`(* 2 (series "eu"))`)

	_, err := e.Expand(src, Unlimited())
	require.NoError(t, err)
	assert.Equal(t, `(* 2 (series "eu"))`, src.String())
}

func TestFindCallsAndDepth(t *testing.T) {
	defs := DefMap{
		"eu":    expr.MustParse(`(add (series "fr") (series "de"))`),
		"world": expr.MustParse(`(add (series "eu") (series "us"))`),
	}

	assert.Equal(t, []string{"eu", "us"},
		FindCalls(expr.MustParse(`(add (series "eu") (series "us"))`)))

	assert.Equal(t, 0, Depth(expr.MustParse(`(series "fr")`), defs))
	assert.Equal(t, 1, Depth(expr.MustParse(`(series "eu")`), defs))
	assert.Equal(t, 2, Depth(expr.MustParse(`(series "world")`), defs))
}
