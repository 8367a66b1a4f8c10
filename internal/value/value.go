// Package value implements KeystoneDB's Value sum type and its condition
// comparison semantics.
package value

import (
	"bytes"
	"fmt"
	"math/big"
)

// Kind tags a Value's variant.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBinary
	KindBool
	KindList
	KindMap
	KindVector
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBinary:
		return "binary"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindVector:
		return "vector"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the attribute-value tagged union. Only the field matching Kind is
// meaningful; the others are zero.
type Value struct {
	Kind Kind

	Str    string  // KindString, KindNumber (decimal text, to avoid float loss)
	Bin    []byte  // KindBinary
	Bool   bool    // KindBool
	List   []Value // KindList
	Map    map[string]Value
	Vector []float32
	Ts     int64 // KindTimestamp: signed ms since Unix epoch
}

func Null() Value                { return Value{Kind: KindNull} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Binary(b []byte) Value      { return Value{Kind: KindBinary, Bin: b} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func List(vs []Value) Value      { return Value{Kind: KindList, List: vs} }
func Map(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }
func Vector(v []float32) Value   { return Value{Kind: KindVector, Vector: v} }
func Timestamp(ms int64) Value   { return Value{Kind: KindTimestamp, Ts: ms} }

// Number stores a number as its decimal-string representation, never as a
// float, to avoid precision loss.
func Number(decimal string) Value { return Value{Kind: KindNumber, Str: decimal} }

// NumberFromInt is a convenience constructor for integral numbers.
func NumberFromInt(n int64) Value { return Value{Kind: KindNumber, Str: fmt.Sprintf("%d", n)} }

// Compare implements condition-expression comparison:
// numeric for number/number, lexicographic on bytes for string/binary,
// boolean equality only, undefined for mismatched types.
//
// The returned (cmp, ok) pair: ok is false when the comparison is undefined
// (mismatched types, or a kind with no ordering such as list/map/null/bool-
// inequality); cmp is only meaningful when ok is true.
func Compare(a, b Value) (cmp int, ok bool) {
	if a.Kind != b.Kind {
		return 0, false
	}

	switch a.Kind {
	case KindNumber:
		return compareDecimal(a.Str, b.Str)
	case KindString:
		return bytes.Compare([]byte(a.Str), []byte(b.Str)), true
	case KindBinary:
		return bytes.Compare(a.Bin, b.Bin), true
	case KindBool:
		if a.Bool == b.Bool {
			return 0, true
		}
		return 0, false
	case KindTimestamp:
		switch {
		case a.Ts < b.Ts:
			return -1, true
		case a.Ts > b.Ts:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}

// Equal reports whether a and b are the condition-expression equal, i.e.
// Compare returns (0, true). List/Map/Null equality falls back to a
// structural comparison since those kinds have no ordering.
func Equal(a, b Value) bool {
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !Equal(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, present := b.Map[k]
			if !present || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindVector:
		if len(a.Vector) != len(b.Vector) {
			return false
		}
		for i := range a.Vector {
			if a.Vector[i] != b.Vector[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// compareDecimal compares two decimal-string numbers numerically using
// arbitrary-precision rationals, since Value stores numbers as text
// specifically to avoid float rounding.
func compareDecimal(a, b string) (int, bool) {
	ra, ok := new(big.Rat).SetString(a)
	if !ok {
		return 0, false
	}
	rb, ok := new(big.Rat).SetString(b)
	if !ok {
		return 0, false
	}
	return ra.Cmp(rb), true
}
