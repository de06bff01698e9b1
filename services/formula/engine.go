// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package formula is the engine tying the pieces together: a versioned
// store of primary series extended with derived series defined by a small
// prefix expression language.
//
// The engine registers formulas (parse, typecheck, expand, dependency and
// timezone checks, content hash — fail-fast, no partial writes), evaluates
// them on demand through the concurrent evaluator, reconstructs their
// revision history, and maintains the dependency graph through renames and
// deletes.
package formula

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/tideline/pkg/logging"
	"github.com/AleutianAI/tideline/pkg/validation"
	"github.com/AleutianAI/tideline/services/formula/config"
	"github.com/AleutianAI/tideline/services/formula/deps"
	"github.com/AleutianAI/tideline/services/formula/expand"
	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/history"
	"github.com/AleutianAI/tideline/services/formula/interp"
	"github.com/AleutianAI/tideline/services/formula/registry"
	"github.com/AleutianAI/tideline/services/formula/series"
	"github.com/AleutianAI/tideline/services/formula/store"
	"github.com/AleutianAI/tideline/services/formula/types"
)

var tracer = otel.Tracer("tideline.formula")

// Engine is the formula engine. It implements registry.Resolver (formula
// references resolve by recursive evaluation) and expand.Definitions
// (definitions come from the store).
//
// Thread Safety: safe for concurrent use to the extent the Store is;
// concurrent registrations of interdependent formulas are the caller's
// concern.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	cfg      *config.Config
	logger   *slog.Logger

	expander *expand.Expander
	eval     *interp.Evaluator
	recon    *history.Reconstructor

	// logClose releases the log file when Open built the logger.
	logClose func() error
}

// New wires an engine over an opened store. A nil registry gets the
// builtin operator set, a nil config the compiled-in defaults, a nil
// logger slog.Default().
func New(cfg *config.Config, st store.Store, reg *registry.Registry, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg, _ = config.Default()
	}
	if reg == nil {
		reg = registry.NewWithBuiltins()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: st, registry: reg, cfg: cfg, logger: logger}
	e.expander = &expand.Expander{Defs: e, Registry: reg}
	e.eval = &interp.Evaluator{
		Registry: reg,
		Resolver: e,
		Workers:  cfg.Evaluation.Workers,
		Logger:   logger,
	}
	e.recon = &history.Reconstructor{
		Store:    st,
		Registry: reg,
		Resolver: e,
		Workers:  cfg.Evaluation.Workers,
		Logger:   logger,
	}
	return e
}

// Open builds the store and logger described by cfg and wires an engine
// over them. A caller-supplied logger takes precedence over cfg.Logging.
func Open(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.Default(); err != nil {
			return nil, err
		}
	}
	var logClose func() error
	if logger == nil {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		lg := logging.New(logging.Config{
			Level:   level,
			LogDir:  cfg.Logging.Dir,
			JSON:    cfg.Logging.JSON,
			Service: "formula",
		})
		logger = lg.Slog()
		logClose = lg.Close
	}
	st, err := store.OpenBadger(store.BadgerConfig{
		Path:       cfg.Storage.Path,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	e := New(cfg, st, nil, logger)
	e.logClose = logClose
	return e, nil
}

// Close releases the underlying store and, when Open built it, the log
// file.
func (e *Engine) Close() error {
	err := e.store.Close()
	if e.logClose != nil {
		if cerr := e.logClose(); err == nil {
			err = cerr
		}
	}
	return err
}

// Registry exposes the operator registry for extension.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Store exposes the storage collaborator.
func (e *Engine) Store() store.Store { return e.store }

// GetSeries implements registry.Resolver. Primaries come from the store;
// formula references evaluate recursively under the same query.
func (e *Engine) GetSeries(ctx context.Context, name string, q series.Query) (*series.Series, error) {
	kind, err := e.store.Kind(name)
	if err != nil {
		return nil, err
	}
	switch kind {
	case store.KindPrimary:
		return e.store.Get(name, q)
	case store.KindFormula:
		rec, err := e.store.Formula(name)
		if err != nil {
			return nil, err
		}
		tree, err := expr.Parse(rec.Text)
		if err != nil {
			return nil, fmt.Errorf("stored formula %q: %w", name, err)
		}
		v, err := e.eval.Eval(ctx, tree, q)
		if err != nil {
			return nil, fmt.Errorf("formula %q: %w", name, err)
		}
		s, ok := v.(*series.Series)
		if !ok {
			return nil, fmt.Errorf("formula %q evaluated to %T, want series", name, v)
		}
		return s.WithName(name), nil
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownSeries, name)
	}
}

// FindNames implements registry.Resolver.
func (e *Engine) FindNames(prefix string) ([]string, error) {
	return e.store.FindNames(prefix)
}

// Definition implements expand.Definitions: only formulas have one.
func (e *Engine) Definition(name string) (*expr.Node, bool) {
	rec, err := e.store.Formula(name)
	if err != nil {
		return nil, false
	}
	tree, err := expr.Parse(rec.Text)
	if err != nil {
		return nil, false
	}
	return tree, true
}

// RegisterOptions tunes one registration.
type RegisterOptions struct {
	// Meta is opaque user metadata stored alongside the core metadata.
	Meta store.Meta

	// AllowUnknown permits references to series that do not exist yet,
	// overriding the configured reject_unknown guard.
	AllowUnknown bool
}

// Register validates and persists a formula definition. Every check runs
// before the first write: a failed registration leaves no trace. The
// stored text is the canonical re-serialization of the parsed tree, so
// cosmetically different but structurally identical inputs are stored
// identically.
func (e *Engine) Register(ctx context.Context, name, text string, opts *RegisterOptions) error {
	ctx, span := tracer.Start(ctx, "formula.Register")
	defer span.End()
	span.SetAttributes(attribute.String("formula", name))

	if opts == nil {
		opts = &RegisterOptions{}
	}
	if err := e.register(ctx, name, text, opts); err != nil {
		registrationTotal.WithLabelValues(outcomeRejected).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	registrationTotal.WithLabelValues(outcomeOK).Inc()
	e.logger.Debug("formula registered", slog.String("formula", name))
	return nil
}

func (e *Engine) register(ctx context.Context, name, text string, opts *RegisterOptions) error {
	if err := validation.ValidateName(name); err != nil {
		return err
	}
	if len(text) > e.cfg.Registration.MaxFormulaSize {
		return fmt.Errorf("%w: %d bytes (max %d)",
			ErrFormulaTooLarge, len(text), e.cfg.Registration.MaxFormulaSize)
	}
	kind, err := e.store.Kind(name)
	if err != nil {
		return err
	}
	if kind == store.KindPrimary {
		return fmt.Errorf("%w: %q already names a primary series", store.ErrNameCollision, name)
	}

	tree, err := expr.Parse(text)
	if err != nil {
		return err
	}
	ret, err := types.Typecheck(tree, e.registry)
	if err != nil {
		return err
	}
	if ret.Kind != types.KindSeries {
		return fmt.Errorf("%w, returns %s", ErrBadReturnType, ret)
	}

	if d := expand.Depth(tree, e); d > e.cfg.Registration.MaxDepth {
		return fmt.Errorf("%w: %d references (max %d)",
			ErrTooDeep, d, e.cfg.Registration.MaxDepth)
	}
	expanded, err := e.expander.Expand(tree, expand.Unlimited())
	if err != nil {
		return err
	}
	leaves, err := deps.FindSeries(expanded, e.registry, e)
	if err != nil {
		return err
	}
	if _, self := leaves[name]; self {
		return fmt.Errorf("%w: %q reaches itself", ErrCircularReference, name)
	}
	if e.cfg.Registration.RejectUnknown && !opts.AllowUnknown {
		for _, leaf := range deps.Names(leaves) {
			k, err := e.store.Kind(leaf)
			if err != nil {
				return err
			}
			if k == store.KindNone {
				return fmt.Errorf("%w: %q", store.ErrUnknownSeries, leaf)
			}
		}
	}
	tzaware, err := e.tzCompatible(expanded)
	if err != nil {
		return err
	}

	// All checks passed; write definition and edges.
	meta := store.Meta{"tzaware": tzaware}
	for k, v := range opts.Meta {
		meta[k] = v
	}
	rec := store.FormulaRecord{
		Name:        name,
		Text:        tree.String(),
		ContentHash: deps.ContentHash(expanded),
		Meta:        meta,
	}
	if err := e.store.PutFormula(rec); err != nil {
		return err
	}
	direct, err := deps.FindSeries(tree, e.registry, e)
	if err != nil {
		return err
	}
	if err := e.store.SetDependencies(name, deps.Names(direct)); err != nil {
		return err
	}
	// Re-registering a definition changes the effective computation of
	// everything that inlines it; their stored hashes must follow.
	return e.refreshHashes(name)
}

// refreshHashes recomputes the content hash of every transitive dependent
// of name.
func (e *Engine) refreshHashes(name string) error {
	dependents, err := deps.TransitiveDependents(e.store, name)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		rec, err := e.store.Formula(dep)
		if err != nil {
			return err
		}
		tree, err := expr.Parse(rec.Text)
		if err != nil {
			return fmt.Errorf("stored formula %q: %w", dep, err)
		}
		expanded, err := e.expander.Expand(tree, expand.Unlimited())
		if err != nil {
			return err
		}
		rec.ContentHash = deps.ContentHash(expanded)
		if err := e.store.PutFormula(*rec); err != nil {
			return err
		}
	}
	return nil
}

// tzCompatible checks that the stored leaves of an expanded tree agree on
// tz-awareness, treating everything under a `naive` wrapper as tz-naive.
// Returns the formula's resulting awareness.
func (e *Engine) tzCompatible(expanded *expr.Node) (bool, error) {
	var found []tzLeaf
	if err := e.tzLeaves(expanded, false, &found); err != nil {
		return false, err
	}
	var aware, naive *tzLeaf
	for i := range found {
		if found[i].aware {
			aware = &found[i]
		} else {
			naive = &found[i]
		}
	}
	if aware != nil && naive != nil {
		return false, fmt.Errorf("%w: %q is tz-aware but %q is tz-naive",
			store.ErrTimezoneIncompatible, aware.name, naive.name)
	}
	return aware != nil, nil
}

type tzLeaf struct {
	name  string
	aware bool
}

func (e *Engine) tzLeaves(n *expr.Node, underNaive bool, out *[]tzLeaf) error {
	if n.Kind != expr.KindCall {
		return nil
	}
	if n.IsCall("naive") {
		underNaive = true
	}
	if n.IsCall("series") {
		pos, _, err := n.SplitArgs()
		if err == nil && len(pos) > 0 && pos[0].Kind == expr.KindString {
			name := pos[0].Str
			if kind, kerr := e.store.Kind(name); kerr == nil && kind == store.KindPrimary {
				aware := false
				if !underNaive {
					if aware, err = e.store.TZAware(name); err != nil {
						return err
					}
				}
				*out = append(*out, tzLeaf{name: name, aware: aware})
			}
		}
	}
	for _, arg := range n.Args {
		if err := e.tzLeaves(arg, underNaive, out); err != nil {
			return err
		}
	}
	return nil
}

// Insert appends one revision of a primary series.
func (e *Engine) Insert(name string, s *series.Series, insertionDate time.Time) error {
	if err := validation.ValidateName(name); err != nil {
		return err
	}
	return e.store.Insert(name, s, insertionDate)
}

// Get materializes a series (primary or formula) under the query.
func (e *Engine) Get(ctx context.Context, name string, q series.Query) (*series.Series, error) {
	ctx, span := tracer.Start(ctx, "formula.Get")
	defer span.End()
	span.SetAttributes(attribute.String("series", name))

	start := time.Now()
	s, err := e.GetSeries(ctx, name, q)
	evaluationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		evaluationTotal.WithLabelValues(outcomeError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	evaluationTotal.WithLabelValues(outcomeOK).Inc()
	return s, nil
}

// Eval evaluates a tree under the ambient query without registering it.
func (e *Engine) Eval(ctx context.Context, tree *expr.Node, q series.Query) (any, error) {
	if _, err := types.Typecheck(tree, e.registry); err != nil {
		return nil, err
	}
	return e.eval.Eval(ctx, tree, q)
}

// EvalText parses, typechecks and evaluates formula text on the spot.
func (e *Engine) EvalText(ctx context.Context, text string, q series.Query) (any, error) {
	tree, err := expr.Parse(text)
	if err != nil {
		return nil, err
	}
	return e.Eval(ctx, tree, q)
}

// History reconstructs the revision history of a series. For a formula the
// snapshots are synthesized from its leaves' timelines; a primary goes
// through the same replay so value windows and diffmode apply uniformly.
func (e *Engine) History(ctx context.Context, name string, req history.Request) (series.History, error) {
	ctx, span := tracer.Start(ctx, "formula.History")
	defer span.End()
	span.SetAttributes(attribute.String("series", name))

	tree, err := e.leafOrDefinition(name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	h, err := e.recon.History(ctx, tree, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	historySnapshots.Observe(float64(len(h)))
	return h, nil
}

// InsertionDates lists the revision dates of a series: a primary's own
// dates, or for a formula the union of its leaves' dates.
func (e *Engine) InsertionDates(ctx context.Context, name string, from, to *time.Time) ([]time.Time, error) {
	tree, err := e.leafOrDefinition(name)
	if err != nil {
		return nil, err
	}
	return e.recon.InsertionDates(ctx, tree, from, to)
}

// leafOrDefinition turns a name into the tree the reconstructor works on:
// the fully expanded definition for formulas, a plain reference for
// primaries.
func (e *Engine) leafOrDefinition(name string) (*expr.Node, error) {
	kind, err := e.store.Kind(name)
	if err != nil {
		return nil, err
	}
	switch kind {
	case store.KindPrimary:
		return expr.Call("series", expr.String(name)), nil
	case store.KindFormula:
		rec, err := e.store.Formula(name)
		if err != nil {
			return nil, err
		}
		tree, err := expr.Parse(rec.Text)
		if err != nil {
			return nil, fmt.Errorf("stored formula %q: %w", name, err)
		}
		return e.expander.Expand(tree, expand.Unlimited())
	default:
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownSeries, name)
	}
}

// Formula returns the stored definition record.
func (e *Engine) Formula(name string) (*store.FormulaRecord, error) {
	kind, err := e.store.Kind(name)
	if err != nil {
		return nil, err
	}
	if kind == store.KindPrimary {
		return nil, fmt.Errorf("%w: %q is a primary series", ErrNotFormula, name)
	}
	return e.store.Formula(name)
}

// ExpandedFormula returns the definition expanded to the given depth; a
// negative level expands fully.
func (e *Engine) ExpandedFormula(name string, level int) (*expr.Node, error) {
	rec, err := e.Formula(name)
	if err != nil {
		return nil, err
	}
	tree, err := expr.Parse(rec.Text)
	if err != nil {
		return nil, fmt.Errorf("stored formula %q: %w", name, err)
	}
	return e.expander.Expand(tree, expand.Options{Level: level})
}

// FormulaComponents maps the series names a formula references. When
// expanded is true, formula components nest their own component maps;
// primaries map to nil.
func (e *Engine) FormulaComponents(name string, expanded bool) (map[string]any, error) {
	rec, err := e.Formula(name)
	if err != nil {
		return nil, err
	}
	tree, err := expr.Parse(rec.Text)
	if err != nil {
		return nil, fmt.Errorf("stored formula %q: %w", name, err)
	}
	return e.components(tree, expanded, map[string]bool{name: true}), nil
}

func (e *Engine) components(tree *expr.Node, expanded bool, active map[string]bool) map[string]any {
	out := map[string]any{}
	for _, ref := range expand.FindCalls(tree) {
		if !expanded || active[ref] {
			out[ref] = nil
			continue
		}
		def, ok := e.Definition(ref)
		if !ok {
			out[ref] = nil
			continue
		}
		active[ref] = true
		out[ref] = e.components(def, expanded, active)
		delete(active, ref)
	}
	return out
}

// Dependents lists the formulas depending on name, direct or transitive.
func (e *Engine) Dependents(name string, direct bool) ([]string, error) {
	if direct {
		return e.store.Dependents(name)
	}
	return deps.TransitiveDependents(e.store, name)
}

// ContentHash returns the stored hash of the fully expanded definition.
func (e *Engine) ContentHash(name string) (string, error) {
	rec, err := e.Formula(name)
	if err != nil {
		return "", err
	}
	return rec.ContentHash, nil
}

// Depth measures the maximum chain of formula references under name's
// definition; a formula over only primaries has depth 0.
func (e *Engine) Depth(name string) (int, error) {
	rec, err := e.Formula(name)
	if err != nil {
		return 0, err
	}
	tree, err := expr.Parse(rec.Text)
	if err != nil {
		return 0, fmt.Errorf("stored formula %q: %w", name, err)
	}
	return expand.Depth(tree, e), nil
}

// Stats summarizes the shape of a formula.
type Stats struct {
	// Degree is the number of directly referenced series.
	Degree int `json:"degree"`

	// Primaries and Formulas count the distinct leaves and formulas in
	// the full expansion closure.
	Primaries int `json:"primaries"`
	Formulas  int `json:"formulas"`

	// Nodes is the call-node count of the fully expanded tree.
	Nodes int `json:"nodes"`

	// Depth is the maximum chain of formula references.
	Depth int `json:"depth"`
}

// FormulaStats computes descendant statistics of a formula.
func (e *Engine) FormulaStats(name string) (*Stats, error) {
	rec, err := e.Formula(name)
	if err != nil {
		return nil, err
	}
	tree, err := expr.Parse(rec.Text)
	if err != nil {
		return nil, fmt.Errorf("stored formula %q: %w", name, err)
	}

	stats := &Stats{
		Degree: len(expand.FindCalls(tree)),
		Depth:  expand.Depth(tree, e),
	}

	expanded, err := e.expander.Expand(tree, expand.Unlimited())
	if err != nil {
		return nil, err
	}
	leaves, err := deps.FindSeries(expanded, e.registry, e)
	if err != nil {
		return nil, err
	}
	for _, leaf := range deps.Names(leaves) {
		if kind, err := e.store.Kind(leaf); err == nil && kind == store.KindPrimary {
			stats.Primaries++
		}
	}
	expanded.Walk(func(n *expr.Node) bool {
		if n.Kind == expr.KindCall {
			stats.Nodes++
		}
		return true
	})
	stats.Formulas = len(e.formulaClosure(tree, map[string]bool{}))
	return stats, nil
}

// formulaClosure collects every formula reachable from tree through the
// definition graph.
func (e *Engine) formulaClosure(tree *expr.Node, seen map[string]bool) map[string]bool {
	for _, ref := range expand.FindCalls(tree) {
		if seen[ref] {
			continue
		}
		def, ok := e.Definition(ref)
		if !ok {
			continue
		}
		seen[ref] = true
		e.formulaClosure(def, seen)
	}
	return seen
}

// Rename moves a series to a new name and rewrites every formula text
// referencing the old one, then recomputes their hashes and edges. The
// rename is rejected when the new name exists or is already referenced.
func (e *Engine) Rename(oldName, newName string) error {
	if err := validation.ValidateName(newName); err != nil {
		return err
	}
	kind, err := e.store.Kind(oldName)
	if err != nil {
		return err
	}
	if kind == store.KindNone {
		return fmt.Errorf("%w: %q", store.ErrUnknownSeries, oldName)
	}
	if target, err := e.store.Kind(newName); err != nil {
		return err
	} else if target != store.KindNone {
		return fmt.Errorf("%w: %q already exists", store.ErrNameCollision, newName)
	}
	if refs, err := e.store.Dependents(newName); err != nil {
		return err
	} else if len(refs) > 0 {
		return fmt.Errorf("%w: %q is already referenced by %v",
			store.ErrNameCollision, newName, refs)
	}

	dependents, err := deps.TransitiveDependents(e.store, oldName)
	if err != nil {
		return err
	}

	// Rewrite every referencing text before any store write so a bad
	// stored definition fails the whole rename up front.
	updated := make(map[string]store.FormulaRecord, len(dependents))
	for _, dep := range dependents {
		rec, err := e.store.Formula(dep)
		if err != nil {
			return err
		}
		tree, err := expr.Parse(rec.Text)
		if err != nil {
			return fmt.Errorf("stored formula %q: %w", dep, err)
		}
		rec.Text = deps.RenameReferences(tree, oldName, newName).String()
		updated[dep] = *rec
	}

	if err := e.store.Rename(oldName, newName); err != nil {
		return err
	}
	for _, rec := range updated {
		if err := e.store.PutFormula(rec); err != nil {
			return err
		}
	}
	// Second pass once every text is updated: definitions now resolve
	// consistently, so hashes and edges can be recomputed.
	for dep, rec := range updated {
		tree, err := expr.Parse(rec.Text)
		if err != nil {
			return fmt.Errorf("stored formula %q: %w", dep, err)
		}
		expanded, err := e.expander.Expand(tree, expand.Unlimited())
		if err != nil {
			return err
		}
		rec.ContentHash = deps.ContentHash(expanded)
		if err := e.store.PutFormula(rec); err != nil {
			return err
		}
		direct, err := deps.FindSeries(tree, e.registry, e)
		if err != nil {
			return err
		}
		if err := e.store.SetDependencies(dep, deps.Names(direct)); err != nil {
			return err
		}
	}
	e.logger.Debug("series renamed",
		slog.String("from", oldName),
		slog.String("to", newName),
		slog.Int("rewritten", len(updated)),
	)
	return nil
}

// Delete removes a series, refusing while formulas still depend on it.
func (e *Engine) Delete(name string) error {
	kind, err := e.store.Kind(name)
	if err != nil {
		return err
	}
	if kind == store.KindNone {
		return fmt.Errorf("%w: %q", store.ErrUnknownSeries, name)
	}
	dependents, err := e.store.Dependents(name)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return fmt.Errorf("%w: %q is needed by %v", ErrHasDependents, name, dependents)
	}
	return e.store.Delete(name)
}

// Metadata returns the stored metadata of a series or formula.
func (e *Engine) Metadata(name string) (store.Meta, error) {
	return e.store.Metadata(name)
}

// UpdateMetadata merges the given keys into the stored metadata.
func (e *Engine) UpdateMetadata(name string, meta store.Meta) error {
	existing, err := e.store.Metadata(name)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = store.Meta{}
	}
	for k, v := range meta {
		existing[k] = v
	}
	return e.store.UpdateMetadata(name, existing)
}
