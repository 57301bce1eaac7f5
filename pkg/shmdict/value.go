package shmdict

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the type held by a [Value].
type Kind uint8

// Value kinds, in tag order. The codec persists these as single bytes, so
// the numeric values are part of the payload format.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the tagged union of types a [Dict] can store: null, bool, int64,
// float64, string, and nested lists and string-keyed maps of the same.
//
// The zero Value is null. Values are immutable once constructed; List and
// Map share the underlying slice/map with the caller, so callers must not
// mutate those after handing them over.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list value holding the given elements.
func List(elems ...Value) Value { return Value{kind: KindList, list: elems} }

// Map returns a map value holding the given entries.
func Map(entries map[string]Value) Value { return Value{kind: KindMap, m: entries} }

// Kind returns the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Bool returns the boolean payload. ok is false if the value is not a bool.
func (v Value) Bool() (b, ok bool) { return v.b, v.kind == KindBool }

// Int returns the integer payload. ok is false if the value is not an int.
func (v Value) Int() (i int64, ok bool) { return v.i, v.kind == KindInt }

// Float returns the float payload. ok is false if the value is not a float.
func (v Value) Float() (f float64, ok bool) { return v.f, v.kind == KindFloat }

// Str returns the string payload. ok is false if the value is not a string.
func (v Value) Str() (s string, ok bool) { return v.s, v.kind == KindString }

// List returns the list payload. ok is false if the value is not a list.
func (v Value) List() (elems []Value, ok bool) { return v.list, v.kind == KindList }

// Map returns the map payload. ok is false if the value is not a map.
func (v Value) Map() (entries map[string]Value, ok bool) { return v.m, v.kind == KindMap }

// Equal reports whether two values are deeply equal. Floats compare by ==,
// so NaN is unequal to itself.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}

		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}

		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}

		for k, ve := range v.m {
			oe, ok := o.m[k]
			if !ok || !ve.Equal(oe) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// String returns a human-readable rendering of the value, in a JSON-like
// notation. It is intended for display and debugging, not round-tripping.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindList:
		parts := make([]string, len(v.list))
		for i, e := range v.list {
			parts[i] = e.String()
		}

		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = strconv.Quote(k) + ": " + v.m[k].String()
		}

		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("<invalid %s>", v.kind)
	}
}
