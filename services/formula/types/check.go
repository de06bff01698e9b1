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
	"fmt"

	"github.com/AleutianAI/tideline/services/formula/expr"
)

var (
	// ErrUnknownOperator is returned when a call names an operator absent
	// from the registry.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrTypeMismatch is returned when an argument does not match the
	// declared parameter type, with the operator, argument and both types
	// named in the message.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Lookup resolves operator names to their declared signatures. The
// operator registry implements it; tests use small literal maps.
type Lookup interface {
	Signature(name string) (*Signature, bool)
}

// LookupMap is a trivial Lookup for tests and tooling.
type LookupMap map[string]*Signature

func (m LookupMap) Signature(name string) (*Signature, bool) {
	sig, ok := m[name]
	return sig, ok
}

// arithmetic ops get their return type narrowed from argument types.
func narrows(op string) bool {
	return op == "+" || op == "*" || op == "/"
}

// Typecheck validates tree against the declared signatures and returns its
// type. Checking is structural and happens at registration time, before any
// evaluation.
//
// Errors wrap ErrUnknownOperator or ErrTypeMismatch and name the operator,
// the offending argument, and the expected vs. actual type.
func Typecheck(tree *expr.Node, lookup Lookup) (Type, error) {
	if tree == nil || tree.Kind != expr.KindCall {
		return Type{}, fmt.Errorf("%w: not a call expression", ErrTypeMismatch)
	}
	if tree.Op == "let" {
		return checkLet(tree, lookup)
	}
	sig, ok := lookup.Signature(tree.Op)
	if !ok {
		return Type{}, fmt.Errorf("%w: `%s`", ErrUnknownOperator, tree.Op)
	}

	pos, kw, err := tree.SplitArgs()
	if err != nil {
		return Type{}, err
	}

	if len(pos) < sig.MinArgs() {
		return Type{}, fmt.Errorf("%w: `%s` wants at least %d positional arguments, got %d",
			ErrTypeMismatch, tree.Op, sig.MinArgs(), len(pos))
	}
	if max := sig.MaxArgs(); max >= 0 && len(pos) > max {
		return Type{}, fmt.Errorf("%w: `%s` wants at most %d positional arguments, got %d",
			ErrTypeMismatch, tree.Op, max, len(pos))
	}

	argTypes := make([]Type, len(pos))
	for i, arg := range pos {
		param, perr := sig.ParamAt(i)
		if perr != nil {
			return Type{}, fmt.Errorf("%w: `%s`: %v", ErrTypeMismatch, tree.Op, perr)
		}
		at, aerr := argType(arg, lookup)
		if aerr != nil {
			return Type{}, aerr
		}
		argTypes[i] = at
		if !matches(param.Type, at) {
			return Type{}, fmt.Errorf("%w: `%s` argument `%s` expects %s, got %s",
				ErrTypeMismatch, tree.Op, param.Name, param.Type, at)
		}
	}

	for name, arg := range kw {
		param, found := sig.KeywordParam(name)
		if !found {
			return Type{}, fmt.Errorf("%w: `%s` has no keyword `%s`",
				ErrTypeMismatch, tree.Op, name)
		}
		at, aerr := argType(arg, lookup)
		if aerr != nil {
			return Type{}, aerr
		}
		if !matches(Default(param.Type), at) {
			return Type{}, fmt.Errorf("%w: `%s` keyword `%s` expects %s, got %s",
				ErrTypeMismatch, tree.Op, name, param.Type, at)
		}
	}

	if narrows(tree.Op) {
		return narrowReturn(argTypes), nil
	}
	return sig.Return, nil
}

// checkLet validates the binding form (let name value ... body). The form
// is handled by the evaluator rather than the registry, so the checker
// mirrors its shape: name/value pairs then a body, names as bare symbols.
// The form's type is the body's type.
func checkLet(tree *expr.Node, lookup Lookup) (Type, error) {
	if len(tree.Args) < 3 || len(tree.Args)%2 == 0 {
		return Type{}, fmt.Errorf("%w: `let` wants name/value pairs and a body", ErrTypeMismatch)
	}
	for i := 0; i+1 < len(tree.Args)-1; i += 2 {
		if tree.Args[i].Kind != expr.KindSymbol {
			return Type{}, fmt.Errorf("%w: `let` binding name must be a symbol, got %s",
				ErrTypeMismatch, tree.Args[i].Kind)
		}
		if _, err := argType(tree.Args[i+1], lookup); err != nil {
			return Type{}, err
		}
	}
	return argType(tree.Args[len(tree.Args)-1], lookup)
}

// argType computes the type of one argument node, recursing into calls.
func argType(n *expr.Node, lookup Lookup) (Type, error) {
	switch n.Kind {
	case expr.KindCall:
		return Typecheck(n, lookup)
	case expr.KindInt:
		return Int(), nil
	case expr.KindFloat:
		return Float(), nil
	case expr.KindString:
		return Str(), nil
	case expr.KindBool:
		return Bool(), nil
	case expr.KindNil:
		return NilType(), nil
	case expr.KindSymbol:
		// Symbols are bound by the evaluator environment (query dates,
		// let bindings); their type is only known at run time.
		return Type{Kind: kindAny}, nil
	default:
		return Type{}, fmt.Errorf("%w: unexpected %s node", ErrTypeMismatch, n.Kind)
	}
}

// kindAny is internal to the checker: the type of environment symbols,
// compatible with everything.
const kindAny Kind = -1

func matches(super, sub Type) bool {
	if sub.Kind == kindAny {
		return true
	}
	return SameType(super, sub)
}

// narrowReturn implements arithmetic narrowing: a series anywhere makes the
// result a series, otherwise the most specific numeric type wins.
func narrowReturn(argTypes []Type) Type {
	num := Number()
	for _, at := range argTypes {
		if SameType(Series(), at) {
			return Series()
		}
		num = MostSpecificNumber(num, at)
	}
	return num
}

// Fold rewrites constant arithmetic sub-expressions of + * / into their
// literal value, leaving everything else intact. It never mutates tree.
func Fold(tree *expr.Node) *expr.Node {
	if tree == nil || tree.Kind != expr.KindCall {
		return tree
	}
	out := expr.Call(tree.Op)
	for _, arg := range tree.Args {
		out.Args = append(out.Args, Fold(arg))
	}
	if !narrows(out.Op) || len(out.Args) != 2 {
		return out
	}
	a, b := out.Args[0], out.Args[1]
	if !numericLiteral(a) || !numericLiteral(b) {
		return out
	}
	if out.Op == "/" || a.Kind == expr.KindFloat || b.Kind == expr.KindFloat {
		return expr.Float(applyFloat(out.Op, asFloat(a), asFloat(b)))
	}
	switch out.Op {
	case "+":
		return expr.Int(a.Int + b.Int)
	case "*":
		return expr.Int(a.Int * b.Int)
	}
	return out
}

func numericLiteral(n *expr.Node) bool {
	return n.Kind == expr.KindInt || n.Kind == expr.KindFloat
}

func asFloat(n *expr.Node) float64 {
	if n.Kind == expr.KindInt {
		return float64(n.Int)
	}
	return n.Float
}

func applyFloat(op string, a, b float64) float64 {
	switch op {
	case "+":
		return a + b
	case "*":
		return a * b
	default:
		return a / b
	}
}
