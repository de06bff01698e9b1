// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists primary series revisions and formula definitions.
//
// A primary series is stored as an append-only sequence of insertions, each
// carrying an insertion date. The state of the series as of a revision date
// is the patch-merge of every insertion at or before that date. Formulas are
// stored as text plus a content hash, metadata and dependency edges; their
// value state is always derived, never stored.
//
// Two implementations are provided: an in-memory store for tests and a
// BadgerDB-backed store for embedded persistence.
package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/tideline/services/formula/series"
)

var (
	// ErrUnknownSeries is returned when a name resolves to neither a
	// primary series nor a formula.
	ErrUnknownSeries = errors.New("unknown series")

	// ErrNameCollision is returned when an insert or rename would make a
	// name denote both a primary series and a formula.
	ErrNameCollision = errors.New("name collision")

	// ErrTimezoneIncompatible is returned when an insertion mixes
	// tz-aware and tz-naive points under one name.
	ErrTimezoneIncompatible = errors.New("timezone incompatible")
)

// Kind classifies what a name denotes.
type Kind string

const (
	KindPrimary Kind = "primary"
	KindFormula Kind = "formula"
	KindNone    Kind = "none"
)

// Meta is free-form metadata attached to a series or formula.
type Meta map[string]any

// FormulaRecord is the persisted definition of one formula.
type FormulaRecord struct {
	Name        string `json:"name"`
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"`
	Meta        Meta   `json:"meta,omitempty"`
}

// Store is the storage collaborator of the formula engine.
//
// Thread Safety: implementations must be safe for concurrent use.
type Store interface {
	// Kind reports whether name denotes a primary series, a formula, or
	// nothing.
	Kind(name string) (Kind, error)

	// Insert appends one revision of a primary series. The first insert
	// under a name fixes its tz-awareness; later inserts must agree.
	Insert(name string, s *series.Series, insertionDate time.Time) error

	// Get materializes the state of a primary series under the query:
	// the patch-merge of insertions at or before the revision date (all
	// of them when unpinned), sliced to the value-date window.
	Get(name string, q series.Query) (*series.Series, error)

	// History returns one snapshot per insertion date within the
	// optional insertion-date window. Snapshots are cumulative: each one
	// merges every insertion from the beginning of time up to its date.
	History(name string, fromInsertion, toInsertion *time.Time) (series.History, error)

	// InsertionDates lists the insertion dates within the optional
	// window, ascending.
	InsertionDates(name string, fromInsertion, toInsertion *time.Time) ([]time.Time, error)

	// TZAware reports the tz-awareness fixed by the first insertion.
	TZAware(name string) (bool, error)

	// Metadata and UpdateMetadata read and replace the free-form
	// metadata of a primary series or formula.
	Metadata(name string) (Meta, error)
	UpdateMetadata(name string, meta Meta) error

	// PutFormula creates or replaces a formula definition.
	PutFormula(rec FormulaRecord) error

	// Formula returns the stored definition, or ErrUnknownSeries.
	Formula(name string) (*FormulaRecord, error)

	// SetDependencies replaces the direct dependency edges of a formula
	// and maintains the reverse index used by Dependents.
	SetDependencies(name string, deps []string) error
	Dependencies(name string) ([]string, error)
	Dependents(name string) ([]string, error)

	// Rename moves a primary series or formula to a new name. Edges
	// pointing at the old name are rewritten; referencing formula texts
	// are the engine's concern.
	Rename(oldName, newName string) error

	// Delete removes a primary series or formula and its edges.
	Delete(name string) error

	ListPrimaries() ([]string, error)
	ListFormulas() ([]string, error)

	// FindNames lists every known name (primary and formula) with the
	// given prefix, ascending.
	FindNames(prefix string) ([]string, error)

	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Badger)(nil)
)

// revision is one persisted insertion of a primary series.
type revision struct {
	InsertionDate time.Time      `json:"insertion_date"`
	Points        []series.Point `json:"points"`
}

// materialize merges the revisions at or before the pin (all of them when
// pin is nil) into one series, then applies the value-date window.
func materialize(name string, tzaware bool, revs []revision, q series.Query) *series.Series {
	out := &series.Series{Name: name, TZAware: tzaware}
	for _, rev := range revs {
		if q.RevisionDate != nil && rev.InsertionDate.After(*q.RevisionDate) {
			break
		}
		out = out.Patch(&series.Series{Name: name, TZAware: tzaware, Points: rev.Points})
	}
	return out.Slice(q.FromValueDate, q.ToValueDate)
}

// snapshots builds the cumulative history of revs, keeping only snapshots
// whose insertion date falls inside the optional window.
func snapshots(name string, tzaware bool, revs []revision, from, to *time.Time) series.History {
	h := series.History{}
	acc := &series.Series{Name: name, TZAware: tzaware}
	for _, rev := range revs {
		acc = acc.Patch(&series.Series{Name: name, TZAware: tzaware, Points: rev.Points})
		if from != nil && rev.InsertionDate.Before(*from) {
			continue
		}
		if to != nil && rev.InsertionDate.After(*to) {
			continue
		}
		h[rev.InsertionDate] = acc
	}
	return h
}

func filterDates(revs []revision, from, to *time.Time) []time.Time {
	dates := make([]time.Time, 0, len(revs))
	for _, rev := range revs {
		if from != nil && rev.InsertionDate.Before(*from) {
			continue
		}
		if to != nil && rev.InsertionDate.After(*to) {
			continue
		}
		dates = append(dates, rev.InsertionDate)
	}
	return dates
}

func sortedNames(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func tzCheck(name string, want, got bool) error {
	if want != got {
		return fmt.Errorf("%w: series %q is tz-%s, insert is tz-%s",
			ErrTimezoneIncompatible, name, tzWord(want), tzWord(got))
	}
	return nil
}

func tzWord(aware bool) string {
	if aware {
		return "aware"
	}
	return "naive"
}
