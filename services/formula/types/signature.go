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

import "fmt"

// Param is one declared parameter of an operator signature.
type Param struct {
	Name string
	Type Type

	// HasDefault marks the parameter as omittable. The checker does not
	// care about the default value itself, only about omittability.
	HasDefault bool

	// Variadic marks the trailing positional tail. At most one parameter
	// per signature, necessarily the last positional one.
	Variadic bool
}

// Signature declares the positional parameters, keyword-only parameters and
// return type of an operator.
type Signature struct {
	Params   []Param // positional, possibly ending with a variadic tail
	Keywords []Param // keyword-only, all defaulted
	Return   Type
}

// NewSignature starts a builder for an operator returning ret.
func NewSignature(ret Type) *Signature {
	return &Signature{Return: ret}
}

// Pos appends a required positional parameter.
func (s *Signature) Pos(name string, t Type) *Signature {
	s.Params = append(s.Params, Param{Name: name, Type: t})
	return s
}

// PosDefault appends an omittable positional parameter.
func (s *Signature) PosDefault(name string, t Type) *Signature {
	s.Params = append(s.Params, Param{Name: name, Type: t, HasDefault: true})
	return s
}

// Variadic appends the trailing variadic tail of element type t.
func (s *Signature) Variadic(name string, t Type) *Signature {
	s.Params = append(s.Params, Param{Name: name, Type: t, Variadic: true})
	return s
}

// Kw appends a keyword-only parameter. Keyword parameters are always
// omittable.
func (s *Signature) Kw(name string, t Type) *Signature {
	s.Keywords = append(s.Keywords, Param{Name: name, Type: t, HasDefault: true})
	return s
}

// ParamAt resolves the parameter governing positional argument idx, mapping
// indices past a variadic tail back onto the tail.
func (s *Signature) ParamAt(idx int) (Param, error) {
	if idx < len(s.Params) {
		p := s.Params[idx]
		if p.Variadic {
			return Param{Name: p.Name, Type: Packed(p.Type), Variadic: true}, nil
		}
		return p, nil
	}
	if n := len(s.Params); n > 0 && s.Params[n-1].Variadic {
		tail := s.Params[n-1]
		return Param{Name: tail.Name, Type: Packed(tail.Type), Variadic: true}, nil
	}
	return Param{}, fmt.Errorf("no parameter at position %d", idx)
}

// KeywordParam resolves a keyword-only parameter by name.
func (s *Signature) KeywordParam(name string) (Param, bool) {
	for _, p := range s.Keywords {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// MinArgs returns the number of required positional arguments.
func (s *Signature) MinArgs() int {
	n := 0
	for _, p := range s.Params {
		if !p.HasDefault && !p.Variadic {
			n++
		}
	}
	return n
}

// MaxArgs returns the maximum positional arity, or -1 when variadic.
func (s *Signature) MaxArgs() int {
	if n := len(s.Params); n > 0 && s.Params[n-1].Variadic {
		return -1
	}
	return len(s.Params)
}

// String renders the signature for error messages, e.g.
// "(a: Series, rest: Packed[Series], #:fill Default[str]) -> Series".
func (s *Signature) String() string {
	out := "("
	for i, p := range s.Params {
		if i > 0 {
			out += ", "
		}
		t := p.Type
		if p.Variadic {
			t = Packed(p.Type)
		} else if p.HasDefault {
			t = Default(p.Type)
		}
		out += fmt.Sprintf("%s: %s", p.Name, t)
	}
	for _, p := range s.Keywords {
		if out != "(" {
			out += ", "
		}
		out += fmt.Sprintf("#:%s %s", p.Name, Default(p.Type))
	}
	return fmt.Sprintf("%s) -> %s", out, s.Return)
}
