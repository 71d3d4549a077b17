package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
)

// OrderedMap is a string-keyed map that remembers insertion order.
// Re-setting an existing key keeps its original position.
type OrderedMap[V any] struct {
	keys []string
	vals map[string]V
}

func (m *OrderedMap[V]) Set(key string, v V) {
	if m.vals == nil {
		m.vals = make(map[string]V)
	}
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
}

// Delete removes key and reports whether it was present.
func (m *OrderedMap[V]) Delete(key string) bool {
	if _, ok := m.vals[key]; !ok {
		return false
	}
	delete(m.vals, key)
	i := slices.Index(m.keys, key)
	// copy so clones sharing the backing array are not disturbed
	m.keys = slices.Delete(slices.Clone(m.keys), i, i+1)
	return true
}

func (m OrderedMap[V]) Get(key string) (V, bool) {
	v, ok := m.vals[key]
	return v, ok
}

func (m OrderedMap[V]) Len() int { return len(m.keys) }

func (m OrderedMap[V]) Keys() []string { return slices.Clone(m.keys) }

// All iterates entries in insertion order.
func (m OrderedMap[V]) All() iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		for _, k := range m.keys {
			if !yield(k, m.vals[k]) {
				return
			}
		}
	}
}

// Clone returns a copy that shares no mutable state with m.
// Values themselves are copied shallowly.
func (m OrderedMap[V]) Clone() OrderedMap[V] {
	if len(m.keys) == 0 {
		return OrderedMap[V]{}
	}
	out := OrderedMap[V]{
		keys: slices.Clone(m.keys),
		vals: make(map[string]V, len(m.vals)),
	}
	for k, v := range m.vals {
		out.vals[k] = v
	}
	return out
}

func (m OrderedMap[V]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalNoEscape(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalNoEscape(m.vals[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

var errNotObject = errors.New("expected JSON object")

// UnmarshalJSON reads a JSON object keeping key order. Duplicate keys keep the
// position of their first occurrence and the value of their last.
func (m *OrderedMap[V]) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read object start: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errNotObject
	}
	out := OrderedMap[V]{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", tok)
		}
		var v V
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decode %q: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read object end: %w", err)
	}
	if dec.More() {
		return errors.New("trailing data after object")
	}
	*m = out
	return nil
}

// marshalNoEscape encodes like JSON.stringify: no HTML escaping, no trailing newline.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MarshalCompact is the JSON encoding used for URL tokens and catalog parameters.
func MarshalCompact(v any) ([]byte, error) {
	return marshalNoEscape(v)
}
