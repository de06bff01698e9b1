// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrSyntax is the base error for malformed formula text. All parse
// failures wrap it, so callers can classify with errors.Is.
var ErrSyntax = errors.New("syntax error")

// Parse reads one parenthesized prefix expression from text.
//
// The top-level form must be a call; a lone atom is not a formula. Trailing
// content after the closing parenthesis is rejected.
//
// Outputs:
//   - *Node: the parsed tree.
//   - error: wraps ErrSyntax on malformed input.
func Parse(text string) (*Node, error) {
	p := &parser{src: text}
	p.skipSpace()
	if p.done() || p.src[p.pos] != '(' {
		return nil, fmt.Errorf("%w: formula must start with `(`", ErrSyntax)
	}
	node, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.done() {
		return nil, fmt.Errorf("%w: trailing input at offset %d", ErrSyntax, p.pos)
	}
	return node, nil
}

// MustParse parses text and panics on error. Test and init-time helper.
func MustParse(text string) *Node {
	node, err := Parse(text)
	if err != nil {
		panic(fmt.Sprintf("expr: parse %q: %v", text, err))
	}
	return node
}

type parser struct {
	src string
	pos int
}

func (p *parser) done() bool { return p.pos >= len(p.src) }

func (p *parser) skipSpace() {
	for !p.done() && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *parser) parseValue() (*Node, error) {
	p.skipSpace()
	if p.done() {
		return nil, fmt.Errorf("%w: unexpected end of input", ErrSyntax)
	}
	switch c := p.src[p.pos]; {
	case c == '(':
		return p.parseCall()
	case c == ')':
		return nil, fmt.Errorf("%w: unexpected `)` at offset %d", ErrSyntax, p.pos)
	case c == '"':
		return p.parseString()
	case c == '#':
		return p.parseHash()
	default:
		return p.parseAtom()
	}
}

func (p *parser) parseCall() (*Node, error) {
	p.pos++ // consume '('
	p.skipSpace()
	op := p.scanToken()
	if op == "" {
		return nil, fmt.Errorf("%w: empty operator at offset %d", ErrSyntax, p.pos)
	}
	call := &Node{Kind: KindCall, Op: op}
	for {
		p.skipSpace()
		if p.done() {
			return nil, fmt.Errorf("%w: unclosed `(` in `%s`", ErrSyntax, op)
		}
		if p.src[p.pos] == ')' {
			p.pos++
			return call, nil
		}
		arg, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)
	}
}

func (p *parser) parseString() (*Node, error) {
	start := p.pos
	p.pos++ // consume opening quote
	var b strings.Builder
	for !p.done() {
		c := p.src[p.pos]
		if c == '\\' && p.pos+1 < len(p.src) {
			next := p.src[p.pos+1]
			switch next {
			case '"', '\\':
				b.WriteByte(next)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				return nil, fmt.Errorf("%w: bad escape `\\%c` at offset %d", ErrSyntax, next, p.pos)
			}
			p.pos += 2
			continue
		}
		if c == '"' {
			p.pos++
			return String(b.String()), nil
		}
		b.WriteByte(c)
		p.pos++
	}
	return nil, fmt.Errorf("%w: unterminated string at offset %d", ErrSyntax, start)
}

// parseHash handles #t, #f and #:keyword.
func (p *parser) parseHash() (*Node, error) {
	start := p.pos
	p.pos++ // consume '#'
	if p.done() {
		return nil, fmt.Errorf("%w: dangling `#` at offset %d", ErrSyntax, start)
	}
	switch p.src[p.pos] {
	case 't':
		p.pos++
		return Bool(true), nil
	case 'f':
		p.pos++
		return Bool(false), nil
	case ':':
		p.pos++
		name := p.scanToken()
		if name == "" {
			return nil, fmt.Errorf("%w: empty keyword at offset %d", ErrSyntax, start)
		}
		return Keyword(name), nil
	}
	return nil, fmt.Errorf("%w: bad `#` form at offset %d", ErrSyntax, start)
}

func (p *parser) parseAtom() (*Node, error) {
	tok := p.scanToken()
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token at offset %d", ErrSyntax, p.pos)
	}
	if tok == "nil" {
		return Nil(), nil
	}
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return Int(i), nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return Float(f), nil
	}
	return Symbol(tok), nil
}

func (p *parser) scanToken() string {
	start := p.pos
	for !p.done() {
		c := p.src[p.pos]
		if unicode.IsSpace(rune(c)) || c == '(' || c == ')' || c == '"' {
			break
		}
		p.pos++
	}
	return p.src[start:p.pos]
}
