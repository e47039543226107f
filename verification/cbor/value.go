/*
Package cbor implements the subset of CBOR (RFC 8949) used by Nitro attestation documents.

Decoding produces a tree of [Value]s. Value is sealed: the only implementations are the
types in this package, one per accepted wire type:

	major type 0/1  unsigned/negative integer  Int
	major type 2    byte string                Bytes
	major type 3    text string                Text
	major type 4    array                      Array
	major type 5    map                        Map
	major type 7    false/true/null            Bool, Null

Everything else, including tags, floating point numbers, undefined and indefinite-length
items, is rejected. The decoder never trusts declared lengths: they are checked against the
remaining input before anything is allocated.
*/
package cbor

import (
	"bytes"
	"math"
	"math/big"
)

// Kind is the wire type of a Value.
type Kind int

const (
	// KindInt is an unsigned or negative integer.
	KindInt Kind = iota
	// KindBytes is a byte string.
	KindBytes
	// KindText is a UTF-8 text string.
	KindText
	// KindBool is a boolean.
	KindBool
	// KindNull is null.
	KindNull
	// KindArray is an array of values.
	KindArray
	// KindMap is a map of values keyed by values.
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindBytes:
		return "byte string"
	case KindText:
		return "text string"
	case KindBool:
		return "boolean"
	case KindNull:
		return "null"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a decoded CBOR data item.
type Value interface {
	Kind() Kind
	isValue()
}

// Int is a CBOR integer. CBOR integers span [-2^64, 2^64-1], which is wider than
// both int64 and uint64, so the sign is kept separately from the encoded argument.
// The represented number is Magnitude if Negative is false, and -1-Magnitude otherwise.
type Int struct {
	Negative  bool
	Magnitude uint64
}

// NewUint returns the Int for an unsigned number.
func NewUint(n uint64) Int {
	return Int{Magnitude: n}
}

// NewInt returns the Int for a signed number.
func NewInt(n int64) Int {
	if n >= 0 {
		return Int{Magnitude: uint64(n)}
	}
	return Int{Negative: true, Magnitude: uint64(-(n + 1))}
}

// Uint64 returns the number if it is representable as uint64.
func (i Int) Uint64() (uint64, bool) {
	if i.Negative {
		return 0, false
	}
	return i.Magnitude, true
}

// Int64 returns the number if it is representable as int64.
func (i Int) Int64() (int64, bool) {
	if i.Magnitude > math.MaxInt64 {
		return 0, false
	}
	if i.Negative {
		return -1 - int64(i.Magnitude), true
	}
	return int64(i.Magnitude), true
}

// String formats the number in decimal.
func (i Int) String() string {
	n := new(big.Int).SetUint64(i.Magnitude)
	if i.Negative {
		n.Neg(n).Sub(n, big.NewInt(1))
	}
	return n.String()
}

// Bytes is a CBOR byte string.
type Bytes []byte

// Text is a CBOR text string.
type Text string

// Bool is a CBOR boolean.
type Bool bool

// Null is the CBOR null value.
type Null struct{}

// Array is a CBOR array.
type Array []Value

// MapEntry is a single key/value pair of a Map.
type MapEntry struct {
	Key   Value
	Value Value
}

// Map is a CBOR map. Entries keep their wire order; keys are unique.
type Map []MapEntry

func (Int) Kind() Kind   { return KindInt }
func (Bytes) Kind() Kind { return KindBytes }
func (Text) Kind() Kind  { return KindText }
func (Bool) Kind() Kind  { return KindBool }
func (Null) Kind() Kind  { return KindNull }
func (Array) Kind() Kind { return KindArray }
func (Map) Kind() Kind   { return KindMap }

func (Int) isValue()   {}
func (Bytes) isValue() {}
func (Text) isValue()  {}
func (Bool) isValue()  {}
func (Null) isValue()  {}
func (Array) isValue() {}
func (Map) isValue()   {}

// Get returns the value stored under key.
func (m Map) Get(key Value) (Value, bool) {
	for _, entry := range m {
		if Equal(entry.Key, key) {
			return entry.Value, true
		}
	}
	return nil, false
}

// Equal reports whether a and b are structurally equal.
// Map equality is order-sensitive, matching the ordered representation of Map.
func Equal(a, b Value) bool {
	switch a := a.(type) {
	case Int:
		b, ok := b.(Int)
		return ok && a == b
	case Bytes:
		b, ok := b.(Bytes)
		return ok && bytes.Equal(a, b)
	case Text:
		b, ok := b.(Text)
		return ok && a == b
	case Bool:
		b, ok := b.(Bool)
		return ok && a == b
	case Null:
		_, ok := b.(Null)
		return ok
	case Array:
		b, ok := b.(Array)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if !Equal(a[i], b[i]) {
				return false
			}
		}
		return true
	case Map:
		b, ok := b.(Map)
		if !ok || len(a) != len(b) {
			return false
		}
		for i := range a {
			if !Equal(a[i].Key, b[i].Key) || !Equal(a[i].Value, b[i].Value) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
