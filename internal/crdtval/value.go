// Package crdtval implements the dynamically-typed value used for
// frontmatter attributes:
// a tagged sum of Null, Bool, Number, Text, Array, and Object. Known
// FileMetadata fields are extracted into strongly-typed struct fields;
// everything else round-trips through this type in the "extra" map.
package crdtval

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which alternative of the Value sum type is populated.
type Kind int

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindText
	KindArray
	KindObject
)

// Value is a JSON-typed value: exactly one of its fields is meaningful,
// selected by Kind. Arrays merge as set-union under concurrent edits;
// scalars use last-write-wins (resolved by the caller, which supplies the
// tie-break). Value itself is immutable once constructed.
type Value struct {
	Kind   Kind
	Bool   bool
	Number float64
	Text   string
	Array  []Value
	Object map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// FromBool wraps a bool.
func FromBool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// FromNumber wraps a float64.
func FromNumber(n float64) Value { return Value{Kind: KindNumber, Number: n} }

// FromText wraps a string.
func FromText(s string) Value { return Value{Kind: KindText, Text: s} }

// FromArray wraps a slice of values.
func FromArray(vs []Value) Value { return Value{Kind: KindArray, Array: vs} }

// FromObject wraps a string-keyed map of values.
func FromObject(m map[string]Value) Value { return Value{Kind: KindObject, Object: m} }

// FromStrings is a convenience constructor for a Value array of Text values,
// used for attributes like "audience" whose JSON shape is a string list.
func FromStrings(ss []string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = FromText(s)
	}

	return FromArray(vs)
}

// Strings extracts a []string from an array-of-text Value. Non-text
// elements are skipped rather than erroring, since frontmatter is
// user-editable and should degrade gracefully.
func (v Value) Strings() []string {
	if v.Kind != KindArray {
		return nil
	}

	out := make([]string, 0, len(v.Array))

	for _, e := range v.Array {
		if e.Kind == KindText {
			out = append(out, e.Text)
		}
	}

	return out
}

// Equal reports deep structural equality.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindNumber:
		return a.Number == b.Number
	case KindText:
		return a.Text == b.Text
	case KindArray:
		if len(a.Array) != len(b.Array) {
			return false
		}

		for i := range a.Array {
			if !Equal(a.Array[i], b.Array[i]) {
				return false
			}
		}

		return true
	case KindObject:
		if len(a.Object) != len(b.Object) {
			return false
		}

		for k, av := range a.Object {
			bv, ok := b.Object[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}

		return true
	default:
		return false
	}
}

// MergeArrayUnion merges two array Values as a set-union, preserving the
// first-insertion order of a's elements followed by any of b's elements not
// already present in a.
// Non-array inputs are treated as empty arrays.
func MergeArrayUnion(a, b Value) Value {
	seen := make([]Value, 0, len(a.Array)+len(b.Array))
	seen = append(seen, a.Array...)

	for _, bv := range b.Array {
		dup := false

		for _, av := range seen {
			if Equal(av, bv) {
				dup = true
				break
			}
		}

		if !dup {
			seen = append(seen, bv)
		}
	}

	return FromArray(seen)
}

// MarshalJSON implements json.Marshaler, encoding the Value as the plain
// JSON it represents (not as a tagged Kind/fields struct).
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.Bool)
	case KindNumber:
		return json.Marshal(v.Number)
	case KindText:
		return json.Marshal(v.Text)
	case KindArray:
		return json.Marshal(v.Array)
	case KindObject:
		return json.Marshal(v.Object)
	default:
		return nil, fmt.Errorf("crdtval: unknown kind %d", v.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler by sniffing the JSON token type.
func (v *Value) UnmarshalJSON(data []byte) error {
	var probe any
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}

	*v = fromAny(probe)

	return nil
}

func fromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null()
	case bool:
		return FromBool(t)
	case float64:
		return FromNumber(t)
	case string:
		return FromText(t)
	case []any:
		vs := make([]Value, len(t))
		for i, e := range t {
			vs[i] = fromAny(e)
		}

		return FromArray(vs)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = fromAny(e)
		}

		return FromObject(m)
	default:
		return Null()
	}
}
