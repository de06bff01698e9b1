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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/tideline/services/formula/series"
)

// Memory is the in-memory Store used by tests and by callers that do not
// need persistence.
//
// Thread Safety: safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	primary  map[string]*primarySeries
	formulas map[string]*FormulaRecord
	deps     map[string][]string
	rdeps    map[string]map[string]bool
	meta     map[string]Meta
}

type primarySeries struct {
	tzaware bool
	revs    []revision
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		primary:  map[string]*primarySeries{},
		formulas: map[string]*FormulaRecord{},
		deps:     map[string][]string{},
		rdeps:    map[string]map[string]bool{},
		meta:     map[string]Meta{},
	}
}

func (m *Memory) Kind(name string) (Kind, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kindLocked(name), nil
}

func (m *Memory) kindLocked(name string) Kind {
	if _, ok := m.primary[name]; ok {
		return KindPrimary
	}
	if _, ok := m.formulas[name]; ok {
		return KindFormula
	}
	return KindNone
}

func (m *Memory) Insert(name string, s *series.Series, insertionDate time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.formulas[name]; ok {
		return fmt.Errorf("%w: %q is a formula", ErrNameCollision, name)
	}
	p, ok := m.primary[name]
	if !ok {
		p = &primarySeries{tzaware: s.TZAware}
		m.primary[name] = p
	}
	if err := tzCheck(name, p.tzaware, s.TZAware); err != nil {
		return err
	}
	p.revs = upsertRevision(p.revs, revision{
		InsertionDate: insertionDate,
		Points:        append([]series.Point(nil), s.Points...),
	})
	return nil
}

// upsertRevision keeps revs ascending by insertion date, replacing an
// existing revision at the same date.
func upsertRevision(revs []revision, rev revision) []revision {
	i := sort.Search(len(revs), func(i int) bool {
		return !revs[i].InsertionDate.Before(rev.InsertionDate)
	})
	if i < len(revs) && revs[i].InsertionDate.Equal(rev.InsertionDate) {
		revs[i] = rev
		return revs
	}
	revs = append(revs, revision{})
	copy(revs[i+1:], revs[i:])
	revs[i] = rev
	return revs
}

func (m *Memory) Get(name string, q series.Query) (*series.Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.primary[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
	}
	return materialize(name, p.tzaware, p.revs, q), nil
}

func (m *Memory) History(name string, from, to *time.Time) (series.History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.primary[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
	}
	return snapshots(name, p.tzaware, p.revs, from, to), nil
}

func (m *Memory) InsertionDates(name string, from, to *time.Time) ([]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.primary[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
	}
	return filterDates(p.revs, from, to), nil
}

func (m *Memory) TZAware(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.primary[name]; ok {
		return p.tzaware, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
}

func (m *Memory) Metadata(name string) (Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.kindLocked(name) == KindNone {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
	}
	out := Meta{}
	for k, v := range m.meta[name] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) UpdateMetadata(name string, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kindLocked(name) == KindNone {
		return fmt.Errorf("%w: %q", ErrUnknownSeries, name)
	}
	m.meta[name] = meta
	return nil
}

func (m *Memory) PutFormula(rec FormulaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.primary[rec.Name]; ok {
		return fmt.Errorf("%w: %q is a primary series", ErrNameCollision, rec.Name)
	}
	cp := rec
	m.formulas[rec.Name] = &cp
	if rec.Meta != nil {
		m.meta[rec.Name] = rec.Meta
	}
	return nil
}

func (m *Memory) Formula(name string) (*FormulaRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.formulas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, name)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) SetDependencies(name string, deps []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dep := range m.deps[name] {
		delete(m.rdeps[dep], name)
	}
	m.deps[name] = append([]string(nil), deps...)
	for _, dep := range deps {
		if m.rdeps[dep] == nil {
			m.rdeps[dep] = map[string]bool{}
		}
		m.rdeps[dep][name] = true
	}
	return nil
}

func (m *Memory) Dependencies(name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.deps[name]...), nil
}

func (m *Memory) Dependents(name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedNames(m.rdeps[name]), nil
}

func (m *Memory) Rename(oldName, newName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kindLocked(newName) != KindNone {
		return fmt.Errorf("%w: %q already exists", ErrNameCollision, newName)
	}
	switch m.kindLocked(oldName) {
	case KindPrimary:
		m.primary[newName] = m.primary[oldName]
		delete(m.primary, oldName)
	case KindFormula:
		rec := m.formulas[oldName]
		rec.Name = newName
		m.formulas[newName] = rec
		delete(m.formulas, oldName)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSeries, oldName)
	}
	if meta, ok := m.meta[oldName]; ok {
		m.meta[newName] = meta
		delete(m.meta, oldName)
	}
	if deps, ok := m.deps[oldName]; ok {
		delete(m.deps, oldName)
		m.deps[newName] = deps
		for _, dep := range deps {
			delete(m.rdeps[dep], oldName)
			if m.rdeps[dep] == nil {
				m.rdeps[dep] = map[string]bool{}
			}
			m.rdeps[dep][newName] = true
		}
	}
	// Reverse edges: dependents now depend on the new name.
	if rd, ok := m.rdeps[oldName]; ok {
		m.rdeps[newName] = rd
		delete(m.rdeps, oldName)
		for dependent := range rd {
			for i, dep := range m.deps[dependent] {
				if dep == oldName {
					m.deps[dependent][i] = newName
				}
			}
		}
	}
	return nil
}

func (m *Memory) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kindLocked(name) == KindNone {
		return fmt.Errorf("%w: %q", ErrUnknownSeries, name)
	}
	delete(m.primary, name)
	delete(m.formulas, name)
	delete(m.meta, name)
	for _, dep := range m.deps[name] {
		delete(m.rdeps[dep], name)
	}
	delete(m.deps, name)
	return nil
}

func (m *Memory) ListPrimaries() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.primary))
	for n := range m.primary {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) ListFormulas() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.formulas))
	for n := range m.formulas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) FindNames(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for n := range m.primary {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	for n := range m.formulas {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Close() error { return nil }
