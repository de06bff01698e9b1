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
	"errors"

	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/store"
	"github.com/AleutianAI/tideline/services/formula/types"
)

// Engine-level sentinels.
var (
	// ErrFormulaTooLarge is returned when formula text exceeds the
	// configured size limit.
	ErrFormulaTooLarge = errors.New("formula too large")

	// ErrTooDeep is returned when chained formula references exceed the
	// configured depth limit.
	ErrTooDeep = errors.New("formula nesting too deep")

	// ErrCircularReference is returned when registering a formula would
	// close a reference cycle.
	ErrCircularReference = errors.New("circular reference")

	// ErrHasDependents is returned when deleting a series other formulas
	// still depend on.
	ErrHasDependents = errors.New("series has dependents")

	// ErrNotFormula is returned by formula-only operations applied to a
	// primary series.
	ErrNotFormula = errors.New("not a formula")

	// ErrBadReturnType is returned when a formula's root does not produce
	// a series.
	ErrBadReturnType = errors.New("formula must return a series")
)

// Collaborator sentinels re-exported so callers can match the whole
// taxonomy against one package.
var (
	ErrSyntax               = expr.ErrSyntax
	ErrUnknownOperator      = types.ErrUnknownOperator
	ErrTypeMismatch         = types.ErrTypeMismatch
	ErrUnknownSeries        = store.ErrUnknownSeries
	ErrNameCollision        = store.ErrNameCollision
	ErrTimezoneIncompatible = store.ErrTimezoneIncompatible
)
