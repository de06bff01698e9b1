// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package types implements the declared type language of formula operators
// and the structural type checker that validates expression trees before
// registration.
//
// The type language is small: scalar kinds, a Number supertype accepting
// int and float, Union over members, Default[T] (a keyword parameter that
// tolerates omission and is otherwise transparent to T), Packed[T] (a
// variadic tail absorbed as one sequence), and List[T].
package types

import (
	"fmt"
	"strings"
)

// Kind enumerates the type constructors.
type Kind int

const (
	// KindSeries is the time-indexed series container type.
	KindSeries Kind = iota

	// KindNumber is the numeric supertype accepting int and float.
	KindNumber

	// KindInt is the integer scalar type.
	KindInt

	// KindFloat is the float scalar type.
	KindFloat

	// KindStr is the string scalar type.
	KindStr

	// KindBool is the boolean scalar type.
	KindBool

	// KindTimestamp is a point in time, produced by the date operator.
	KindTimestamp

	// KindSeriesName is a string that must name a series. An alias of
	// str for compatibility purposes, kept distinct so finders can spot
	// name-bearing parameters.
	KindSeriesName

	// KindNil is the type of the nil literal.
	KindNil

	// KindList is a homogeneous sequence; Elem holds the member type.
	KindList

	// KindPacked wraps a variadic parameter tail as one sequence type;
	// Elem holds the member type.
	KindPacked

	// KindDefault marks a defaulted parameter; Elem holds the inner
	// type. Transparent for compatibility, tolerant of omission.
	KindDefault

	// KindUnion matches when any member matches; Members holds them.
	KindUnion
)

// Type is a type expression. The zero value is Series.
type Type struct {
	Kind    Kind
	Elem    *Type
	Members []Type
}

// Constructors, named after their serialized form.

func Series() Type     { return Type{Kind: KindSeries} }
func Number() Type     { return Type{Kind: KindNumber} }
func Int() Type        { return Type{Kind: KindInt} }
func Float() Type      { return Type{Kind: KindFloat} }
func Str() Type        { return Type{Kind: KindStr} }
func Bool() Type       { return Type{Kind: KindBool} }
func Timestamp() Type  { return Type{Kind: KindTimestamp} }
func SeriesName() Type { return Type{Kind: KindSeriesName} }
func NilType() Type    { return Type{Kind: KindNil} }

// List builds List[elem].
func List(elem Type) Type { return Type{Kind: KindList, Elem: &elem} }

// Packed builds Packed[elem], the wrapper for variadic tails.
func Packed(elem Type) Type { return Type{Kind: KindPacked, Elem: &elem} }

// Default builds Default[elem], a defaulted (omittable) parameter type.
func Default(elem Type) Type { return Type{Kind: KindDefault, Elem: &elem} }

// Union builds a union over members.
func Union(members ...Type) Type { return Type{Kind: KindUnion, Members: members} }

// String serializes the type the way error messages and signatures show it.
func (t Type) String() string {
	switch t.Kind {
	case KindSeries:
		return "Series"
	case KindNumber:
		return "Number"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindStr:
		return "str"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "Timestamp"
	case KindSeriesName:
		return "seriesname"
	case KindNil:
		return "nil"
	case KindList:
		return fmt.Sprintf("List[%s]", t.Elem)
	case KindPacked:
		return fmt.Sprintf("Packed[%s]", t.Elem)
	case KindDefault:
		return fmt.Sprintf("Default[%s]", t.Elem)
	case KindUnion:
		names := make([]string, len(t.Members))
		for i, m := range t.Members {
			names[i] = m.String()
		}
		return fmt.Sprintf("Union[%s]", strings.Join(names, ", "))
	default:
		return "unknown"
	}
}

// unwrap strips Default wrappers, which are transparent to compatibility.
func (t Type) unwrap() Type {
	for t.Kind == KindDefault {
		t = *t.Elem
	}
	return t
}

// SameType reports whether a value of type sub is acceptable where super is
// declared. Compatibility is structural:
//
//   - Number accepts int, float and Number.
//   - seriesname and str are mutually acceptable.
//   - a Union on either side matches when any pairing matches.
//   - Default[T] is transparent on both sides.
//   - Packed[T] accepts T (absorbed element) and List[T].
//   - List[T] matches List[U] when T matches U.
func SameType(super, sub Type) bool {
	// nil is accepted exactly where omission is: defaulted slots, nil
	// itself, or a union carrying either.
	if sub.Kind == KindNil {
		return acceptsNil(super)
	}
	super, sub = super.unwrap(), sub.unwrap()

	if super.Kind == KindUnion {
		for _, m := range super.Members {
			if SameType(m, sub) {
				return true
			}
		}
		return false
	}
	if sub.Kind == KindUnion {
		for _, m := range sub.Members {
			if SameType(super, m) {
				return true
			}
		}
		return false
	}

	switch super.Kind {
	case KindNumber:
		return sub.Kind == KindInt || sub.Kind == KindFloat || sub.Kind == KindNumber
	case KindSeriesName:
		return sub.Kind == KindSeriesName || sub.Kind == KindStr
	case KindStr:
		return sub.Kind == KindStr || sub.Kind == KindSeriesName
	case KindPacked:
		if SameType(*super.Elem, sub) {
			return true
		}
		return sub.Kind == KindList && SameType(*super.Elem, *sub.Elem)
	case KindList:
		return sub.Kind == KindList && SameType(*super.Elem, *sub.Elem)
	default:
		return super.Kind == sub.Kind
	}
}

func acceptsNil(t Type) bool {
	switch t.Kind {
	case KindNil, KindDefault:
		return true
	case KindUnion:
		for _, m := range t.Members {
			if acceptsNil(m) {
				return true
			}
		}
	}
	return false
}

// MostSpecificNumber narrows two numeric types to their most specific
// common type: float wins over int, int over Number.
func MostSpecificNumber(t1, t2 Type) Type {
	if t1.Kind == KindFloat || t2.Kind == KindFloat {
		return Float()
	}
	if t1.Kind == KindInt || t2.Kind == KindInt {
		return Int()
	}
	return Number()
}
