// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package expr implements the symbolic expression model of the formula
// language: immutable trees of atoms and calls, parsed from parenthesized
// prefix text and re-serialized into a canonical form.
//
// A tree is either an atom (integer, float, string, boolean, nil, symbol or
// keyword tag) or a call: an operator name followed by ordered arguments.
// Keyword tags (`#:name`) mark the following argument as a keyword argument.
//
// Trees are treated as immutable once built. Rewriters (expansion, renames)
// allocate fresh nodes rather than mutating in place, which keeps identity
// based cycle guards unnecessary for ordinary traversal.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the node variants of a symbolic expression tree.
type Kind int

const (
	// KindCall is an operator application: Op plus ordered Args.
	KindCall Kind = iota

	// KindInt is an integer literal.
	KindInt

	// KindFloat is a floating point literal.
	KindFloat

	// KindString is a quoted string literal.
	KindString

	// KindBool is a boolean literal, written #t / #f.
	KindBool

	// KindNil is the nil literal.
	KindNil

	// KindSymbol is a bare identifier resolved in the evaluation
	// environment (e.g. the injected ambient bindings).
	KindSymbol

	// KindKeyword is a keyword tag (#:name) marking the next argument
	// as a keyword argument.
	KindKeyword
)

// String returns the variant name, for error messages.
func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindNil:
		return "nil"
	case KindSymbol:
		return "symbol"
	case KindKeyword:
		return "keyword"
	default:
		return "unknown"
	}
}

// Node is one node of a symbolic expression tree.
//
// Exactly one of the payload fields is meaningful, selected by Kind:
// Op/Args for calls, Int for integers, Float for floats, Str for strings,
// symbols and keywords, Bool for booleans. Nil carries no payload.
//
// Thread Safety: nodes are immutable after construction and safe to share.
type Node struct {
	Kind Kind

	Op   string
	Args []*Node

	Int   int64
	Float float64
	Str   string
	Bool  bool
}

// Constructors. These are the only sanctioned way to build nodes; they keep
// rewriters honest about allocating fresh trees.

// Call builds an operator application node.
func Call(op string, args ...*Node) *Node {
	return &Node{Kind: KindCall, Op: op, Args: args}
}

// Int builds an integer literal node.
func Int(v int64) *Node { return &Node{Kind: KindInt, Int: v} }

// Float builds a float literal node.
func Float(v float64) *Node { return &Node{Kind: KindFloat, Float: v} }

// String builds a string literal node.
func String(v string) *Node { return &Node{Kind: KindString, Str: v} }

// Bool builds a boolean literal node.
func Bool(v bool) *Node { return &Node{Kind: KindBool, Bool: v} }

// Nil builds the nil literal node.
func Nil() *Node { return &Node{Kind: KindNil} }

// Symbol builds a symbol node.
func Symbol(v string) *Node { return &Node{Kind: KindSymbol, Str: v} }

// Keyword builds a keyword tag node (serialized as #:name).
func Keyword(v string) *Node { return &Node{Kind: KindKeyword, Str: v} }

// IsCall reports whether the node is an application of the given operator.
// An empty op matches any call.
func (n *Node) IsCall(op string) bool {
	if n == nil || n.Kind != KindCall {
		return false
	}
	return op == "" || n.Op == op
}

// String serializes the tree into its canonical text form.
//
// Canonicalization is idempotent: parsing the output and serializing again
// yields the same string. Floats keep a decimal point or exponent so the
// int/float distinction survives a round trip.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	switch n.Kind {
	case KindCall:
		b.WriteByte('(')
		b.WriteString(n.Op)
		for _, arg := range n.Args {
			b.WriteByte(' ')
			arg.write(b)
		}
		b.WriteByte(')')
	case KindInt:
		b.WriteString(strconv.FormatInt(n.Int, 10))
	case KindFloat:
		s := strconv.FormatFloat(n.Float, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		b.WriteString(s)
	case KindString:
		b.WriteString(strconv.Quote(n.Str))
	case KindBool:
		if n.Bool {
			b.WriteString("#t")
		} else {
			b.WriteString("#f")
		}
	case KindNil:
		b.WriteString("nil")
	case KindSymbol:
		b.WriteString(n.Str)
	case KindKeyword:
		b.WriteString("#:" + n.Str)
	}
}

// Equal reports structural equality of two trees.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.Kind != other.Kind {
		return false
	}
	switch n.Kind {
	case KindCall:
		if n.Op != other.Op || len(n.Args) != len(other.Args) {
			return false
		}
		for i := range n.Args {
			if !n.Args[i].Equal(other.Args[i]) {
				return false
			}
		}
		return true
	case KindInt:
		return n.Int == other.Int
	case KindFloat:
		return n.Float == other.Float
	case KindString, KindSymbol, KindKeyword:
		return n.Str == other.Str
	case KindBool:
		return n.Bool == other.Bool
	case KindNil:
		return true
	}
	return false
}

// Clone returns a deep copy of the tree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Kind == KindCall {
		c.Args = make([]*Node, len(n.Args))
		for i, arg := range n.Args {
			c.Args[i] = arg.Clone()
		}
	}
	return &c
}

// Walk calls fn for every node of the tree in depth-first pre-order.
// Returning false from fn prunes the walk below that node.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	if n.Kind == KindCall {
		for _, arg := range n.Args {
			arg.Walk(fn)
		}
	}
}

// SplitArgs separates the arguments of a call into positional arguments and
// keyword arguments. A keyword tag consumes the immediately following node
// as its value; a trailing keyword with no value is an error.
func (n *Node) SplitArgs() (pos []*Node, kw map[string]*Node, err error) {
	if n.Kind != KindCall {
		return nil, nil, fmt.Errorf("split args on %s node", n.Kind)
	}
	kw = map[string]*Node{}
	var pending string
	havePending := false
	for _, arg := range n.Args {
		if havePending {
			kw[pending] = arg
			havePending = false
			continue
		}
		if arg.Kind == KindKeyword {
			pending = arg.Str
			havePending = true
			continue
		}
		pos = append(pos, arg)
	}
	if havePending {
		return nil, nil, fmt.Errorf("keyword #:%s has no value in `%s`", pending, n)
	}
	return pos, kw, nil
}

// RenameOp returns a copy of the tree with every application of oldOp
// renamed to newOp. Arguments are copied untouched.
func (n *Node) RenameOp(oldOp, newOp string) *Node {
	if n == nil || n.Kind != KindCall {
		return n
	}
	op := n.Op
	if op == oldOp {
		op = newOp
	}
	args := make([]*Node, len(n.Args))
	for i, arg := range n.Args {
		args[i] = arg.RenameOp(oldOp, newOp)
	}
	return &Node{Kind: KindCall, Op: op, Args: args}
}
