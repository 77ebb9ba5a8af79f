// Package memval provides a tagged, recursively-typed value for the
// schema-less payload fields carried by episodes and strategies
// (perception, reasoning, action, outcome, applicability, recommendation).
//
// A Value is one of: null, bool, number, string, array, or object. It
// round-trips through JSON and supports deterministic canonical encoding,
// which the retrieval cache uses for digest keys.
package memval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// ErrWrongKind is returned by typed accessors when the value holds a
// different variant.
var ErrWrongKind = errors.New("value holds a different kind")

// Value is a tagged union over the JSON value space.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	a    []Value
	o    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array wraps a slice of values.
func Array(items ...Value) Value { return Value{kind: KindArray, a: items} }

// Object wraps a map of values. The map is used as-is, not copied.
func Object(fields map[string]Value) Value { return Value{kind: KindObject, o: fields} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean content.
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, ErrWrongKind
	}
	return v.b, nil
}

// AsFloat returns the numeric content.
func (v Value) AsFloat() (float64, error) {
	if v.kind != KindNumber {
		return 0, ErrWrongKind
	}
	return v.n, nil
}

// AsString returns the string content.
func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", ErrWrongKind
	}
	return v.s, nil
}

// Items returns the array elements.
func (v Value) Items() ([]Value, error) {
	if v.kind != KindArray {
		return nil, ErrWrongKind
	}
	return v.a, nil
}

// Fields returns the object fields.
func (v Value) Fields() (map[string]Value, error) {
	if v.kind != KindObject {
		return nil, ErrWrongKind
	}
	return v.o, nil
}

// Get looks up a field on an object value. The second return is false when
// the value is not an object or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	child, ok := v.o[key]
	return child, ok
}

// GetString is a convenience for Get followed by AsString.
func (v Value) GetString(key string) (string, bool) {
	child, ok := v.Get(key)
	if !ok {
		return "", false
	}
	s, err := child.AsString()
	return s, err == nil
}

// GetFloat is a convenience for Get followed by AsFloat.
func (v Value) GetFloat(key string) (float64, bool) {
	child, ok := v.Get(key)
	if !ok {
		return 0, false
	}
	n, err := child.AsFloat()
	return n, err == nil
}

// GetBool is a convenience for Get followed by AsBool.
func (v Value) GetBool(key string) (bool, bool) {
	child, ok := v.Get(key)
	if !ok {
		return false, false
	}
	b, err := child.AsBool()
	return b, err == nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindNumber:
		return json.Marshal(v.n)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		if v.a == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.a)
	case KindObject:
		if v.o == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.o)
	default:
		return nil, fmt.Errorf("unknown kind %d", v.kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromInterface converts a decoded JSON-style value (maps, slices, scalars)
// into a Value. Numeric types are widened to float64.
func FromInterface(raw interface{}) (Value, error) {
	return fromInterface(raw)
}

func fromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := fromInterface(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]interface{}:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := fromInterface(item)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return Object(fields), nil
	default:
		return Value{}, fmt.Errorf("unsupported type %T", raw)
	}
}

// Canonical returns a deterministic encoding of the value: object keys are
// emitted in sorted order and numbers use the shortest float64 form. Two
// structurally equal values always produce identical bytes.
func (v Value) Canonical() []byte {
	var buf bytes.Buffer
	v.writeCanonical(&buf)
	return buf.Bytes()
}

func (v Value) writeCanonical(buf *bytes.Buffer) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		buf.WriteString(strconv.FormatFloat(v.n, 'g', -1, 64))
	case KindString:
		b, _ := json.Marshal(v.s)
		buf.Write(b)
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.a {
			if i > 0 {
				buf.WriteByte(',')
			}
			item.writeCanonical(buf)
		}
		buf.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.o))
		for k := range v.o {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			v.o[k].writeCanonical(buf)
		}
		buf.WriteByte('}')
	}
}

// Equal reports structural equality.
func (v Value) Equal(other Value) bool {
	return bytes.Equal(v.Canonical(), other.Canonical())
}
