// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package interp evaluates expression trees.
//
// The evaluator walks a tree on one orchestrating goroutine. Operators
// registered as dispatchable (I/O-bound leaves) are offloaded to a bounded
// worker pool and represented as pending handles, joined just in time when
// a consumer needs the value, so independent branches overlap their I/O.
// A memoization cache keyed on (serialized sub-tree, serialized query)
// makes identical sub-trees under identical context compute once per
// top-level call. Sub-trees referencing let-bound symbols are exempt:
// their value depends on the enclosing scope, which the key cannot see.
// Pool and cache are owned per call, never shared.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/tideline/services/formula/expr"
	"github.com/AleutianAI/tideline/services/formula/registry"
	"github.com/AleutianAI/tideline/services/formula/series"
)

var (
	tracer = otel.Tracer("tideline.interp")
	meter  = otel.Meter("tideline.interp")
)

// ErrUnboundSymbol is returned when a symbol has no binding in scope.
var ErrUnboundSymbol = errors.New("unbound symbol")

// Env is a linked chain of symbol scopes. A binding form introduces a
// child scope visible only to its body.
type Env struct {
	parent *Env
	vars   map[string]any
}

// NewEnv returns a root scope with the given bindings (may be nil).
func NewEnv(vars map[string]any) *Env {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Env{vars: vars}
}

// Child returns a scope extending e with one binding.
func (e *Env) Child(name string, value any) *Env {
	return &Env{parent: e, vars: map[string]any{name: value}}
}

// Lookup resolves a symbol through the scope chain.
func (e *Env) Lookup(name string) (any, bool) {
	for scope := e; scope != nil; scope = scope.parent {
		if v, ok := scope.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Intercept may short-circuit the evaluation of a call node. History
// replay uses it to substitute precomputed snapshots for stored-series and
// autotrophic leaves.
type Intercept func(tree *expr.Node, q series.Query) (any, bool)

// Evaluator evaluates trees against a registry and a resolver.
//
// Thread Safety: safe for concurrent use; each Eval call owns its pool and
// cache.
type Evaluator struct {
	Registry *registry.Registry
	Resolver registry.Resolver

	// Workers bounds the I/O pool of one evaluation. Values below 1
	// degrade to synchronous single-worker evaluation.
	Workers int

	// Logger receives per-evaluation debug logs. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// Intercept, when non-nil, is consulted for every call node before
	// its operator runs.
	Intercept Intercept

	metricsOnce sync.Once
	evalLatency metric.Float64Histogram
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
}

// initMetrics lazily initializes metrics, degrading gracefully when the
// meter provider rejects an instrument.
func (ev *Evaluator) initMetrics() {
	ev.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		ev.evalLatency, err = meter.Float64Histogram("formula_eval_duration_seconds",
			metric.WithDescription("Wall time of one top-level formula evaluation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "eval_latency: "+err.Error())
		}

		ev.cacheHits, err = meter.Int64Counter("formula_eval_cache_hits_total",
			metric.WithDescription("Sub-tree memoization cache hits"),
		)
		if err != nil {
			initErrors = append(initErrors, "cache_hits: "+err.Error())
		}

		ev.cacheMisses, err = meter.Int64Counter("formula_eval_cache_misses_total",
			metric.WithDescription("Sub-tree memoization cache misses"),
		)
		if err != nil {
			initErrors = append(initErrors, "cache_misses: "+err.Error())
		}

		if len(initErrors) > 0 {
			ev.logger().Error("failed to initialize some evaluator metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (ev *Evaluator) logger() *slog.Logger {
	if ev.Logger != nil {
		return ev.Logger
	}
	return slog.Default()
}

// future is a pending evaluation handle. The worker writes val/err and
// closes done; consumers read only after done.
type future struct {
	done chan struct{}
	val  any
	err  error
}

func resolved(val any, err error) *future {
	f := &future{done: make(chan struct{}), val: val, err: err}
	close(f.done)
	return f
}

func (f *future) wait() (any, error) {
	<-f.done
	return f.val, f.err
}

// run is the state of one top-level evaluation: the bounded pool and the
// memo cache, both scoped to this call. The memo map is touched only on
// the orchestrating goroutine.
type run struct {
	ev      *Evaluator
	group   *errgroup.Group
	memo    map[string]*future
	session string
}

// Eval evaluates tree under the ambient query. Failure of any sub-tree
// aborts the whole evaluation; there are no partial results.
func (ev *Evaluator) Eval(ctx context.Context, tree *expr.Node, q series.Query) (any, error) {
	ev.initMetrics()
	start := time.Now()

	session := uuid.NewString()[:12]
	ctx, span := tracer.Start(ctx, "interp.Eval")
	span.SetAttributes(
		attribute.String("session_id", session),
		attribute.String("query", q.Key()),
	)
	defer span.End()

	group := &errgroup.Group{}
	group.SetLimit(max(1, ev.Workers))
	r := &run{ev: ev, group: group, memo: map[string]*future{}, session: session}

	val, err := r.eval(ctx, tree, q, queryEnv(q))

	// Drain stragglers: a failed evaluation may leave submitted leaves
	// running; they complete or fail on their own.
	_ = group.Wait()

	if ev.evalLatency != nil {
		ev.evalLatency.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev.logger().Debug("evaluation failed",
			slog.String("session_id", session),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return val, nil
}

// ambientSymbols are bound from the query on every evaluation; the query
// is already part of the memo key. queryEnv must bind exactly this set.
var ambientSymbols = map[string]bool{
	"revision_date":   true,
	"from_value_date": true,
	"to_value_date":   true,
}

// queryEnv exposes the ambient query as symbol bindings.
func queryEnv(q series.Query) *Env {
	return NewEnv(map[string]any{
		"revision_date":   timeOrNil(q.RevisionDate),
		"from_value_date": timeOrNil(q.FromValueDate),
		"to_value_date":   timeOrNil(q.ToValueDate),
	})
}

// scopeSensitive reports whether n references a symbol outside the ambient
// bindings. Such sub-trees take their value from the enclosing let scope,
// so two textually identical trees are not the same computation and must
// not share a memo entry.
func scopeSensitive(n *expr.Node) bool {
	sensitive := false
	n.Walk(func(c *expr.Node) bool {
		if c.Kind == expr.KindSymbol && !ambientSymbols[c.Str] {
			sensitive = true
		}
		return !sensitive
	})
	return sensitive
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func (r *run) eval(ctx context.Context, n *expr.Node, q series.Query, env *Env) (any, error) {
	f, err := r.evalLazy(ctx, n, q, env)
	if err != nil {
		return nil, err
	}
	return f.wait()
}

// evalLazy returns a handle for n. Dispatchable leaves come back pending;
// everything else is resolved before returning.
func (r *run) evalLazy(ctx context.Context, n *expr.Node, q series.Query, env *Env) (*future, error) {
	switch n.Kind {
	case expr.KindInt:
		return resolved(n.Int, nil), nil
	case expr.KindFloat:
		return resolved(n.Float, nil), nil
	case expr.KindString:
		return resolved(n.Str, nil), nil
	case expr.KindBool:
		return resolved(n.Bool, nil), nil
	case expr.KindNil:
		return resolved(nil, nil), nil
	case expr.KindSymbol:
		v, ok := env.Lookup(n.Str)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnboundSymbol, n.Str)
		}
		return resolved(v, nil), nil
	case expr.KindCall:
		return r.evalCall(ctx, n, q, env)
	default:
		return nil, fmt.Errorf("cannot evaluate %s node", n.Kind)
	}
}

func (r *run) evalCall(ctx context.Context, n *expr.Node, q series.Query, env *Env) (*future, error) {
	if n.Op == "let" {
		return r.evalLet(ctx, n, q, env)
	}

	if r.ev.Intercept != nil {
		if v, ok := r.ev.Intercept(n, q); ok {
			return resolved(v, nil), nil
		}
	}

	key := ""
	if !scopeSensitive(n) {
		key = n.String() + "\x00" + q.Key()
		if f, ok := r.memo[key]; ok {
			if r.ev.cacheHits != nil {
				r.ev.cacheHits.Add(ctx, 1)
			}
			return f, nil
		}
		if r.ev.cacheMisses != nil {
			r.ev.cacheMisses.Add(ctx, 1)
		}
	}

	op, ok := r.ev.Registry.Lookup(n.Op)
	if !ok {
		return nil, fmt.Errorf("unknown operator `%s`", n.Op)
	}

	inv := &registry.Invocation{
		Ctx:      ctx,
		Query:    q,
		Tree:     n,
		Resolver: r.ev.Resolver,
		EvalSub: func(subctx context.Context, sub *expr.Node, subq series.Query) (any, error) {
			return r.eval(subctx, sub, subq, queryEnv(subq))
		},
	}

	if op.RawArgs {
		f := resolved(op.Call(inv))
		if key != "" {
			r.memo[key] = f
		}
		return f, nil
	}

	pos, kw, err := n.SplitArgs()
	if err != nil {
		return nil, err
	}

	// Submit all children first so sibling I/O overlaps, then join
	// left-to-right.
	handles := make([]*future, len(pos))
	for i, arg := range pos {
		if handles[i], err = r.evalLazy(ctx, arg, q, env); err != nil {
			return nil, err
		}
	}
	kwHandles := map[string]*future{}
	for name, arg := range kw {
		if kwHandles[name], err = r.evalLazy(ctx, arg, q, env); err != nil {
			return nil, err
		}
	}
	for _, h := range handles {
		v, err := h.wait()
		if err != nil {
			return nil, err
		}
		inv.Args = append(inv.Args, v)
	}
	inv.Kwargs = map[string]any{}
	for name, h := range kwHandles {
		v, err := h.wait()
		if err != nil {
			return nil, err
		}
		if v != nil {
			inv.Kwargs[name] = v
		}
	}

	if op.Dispatchable {
		// The memo map belongs to the orchestrating goroutine; the worker
		// must not reach it through EvalSub. Dispatched operators have
		// their arguments pre-evaluated, so they have no use for it.
		inv.EvalSub = nil
		f := &future{done: make(chan struct{})}
		if key != "" {
			r.memo[key] = f
		}
		r.group.Go(func() error {
			defer close(f.done)
			f.val, f.err = op.Call(inv)
			return nil
		})
		return f, nil
	}

	f := resolved(op.Call(inv))
	if key != "" {
		r.memo[key] = f
	}
	return f, nil
}

// evalLet implements the binding form: (let name value ... body). Bindings
// are introduced left to right, each visible to the following ones and to
// the body.
func (r *run) evalLet(ctx context.Context, n *expr.Node, q series.Query, env *Env) (*future, error) {
	if len(n.Args) < 3 || len(n.Args)%2 == 0 {
		return nil, fmt.Errorf("let wants name/value pairs and a body in `%s`", n)
	}
	scope := env
	for i := 0; i+1 < len(n.Args)-1; i += 2 {
		sym := n.Args[i]
		if sym.Kind != expr.KindSymbol {
			return nil, fmt.Errorf("let binding name must be a symbol in `%s`", n)
		}
		v, err := r.eval(ctx, n.Args[i+1], q, scope)
		if err != nil {
			return nil, err
		}
		scope = scope.Child(sym.Str, v)
	}
	v, err := r.eval(ctx, n.Args[len(n.Args)-1], q, scope)
	return resolved(v, err), nil
}
