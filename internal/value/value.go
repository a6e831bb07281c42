// Package value implements the tagged JSON value variant used for task
// parameters and asset values (see SPEC_FULL.md §9, "Dynamic payloads").
package value

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Value wraps an arbitrary JSON value (null, bool, number, string, array, or
// object) decoded from a task's parameter map or an asset's stored value.
// It round-trips through encoding/json unchanged and knows how to render
// itself as the string an environment variable needs.
type Value struct {
	raw json.RawMessage
}

// Map is a string-keyed collection of Values, the shape of Task.Params and
// the asset snapshot attached to every dispatch.
type Map map[string]Value

// FromAny wraps a native Go value (as produced by json.Unmarshal into
// interface{}, or any JSON-marshalable type) into a Value.
func FromAny(v any) (Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("value: marshal: %w", err)
	}
	return Value{raw: b}, nil
}

// MapFromAny converts a map[string]any (e.g. decoded from a JSON column) into
// a Map.
func MapFromAny(m map[string]any) (Map, error) {
	out := make(Map, len(m))
	for k, v := range m {
		val, err := FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("value: field %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.raw == nil {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(b []byte) error {
	v.raw = append(json.RawMessage(nil), b...)
	return nil
}

// IsPrimitive reports whether the value decodes to null, a bool, a number,
// or a string — the types the executor writes verbatim into an environment
// variable. Arrays and objects are "non-primitive" and are JSON-encoded
// instead, per §4.E step 3.
func (v Value) IsPrimitive() bool {
	var decoded any
	if err := json.Unmarshal(v.raw, &decoded); err != nil {
		return false
	}
	switch decoded.(type) {
	case nil, bool, float64, string:
		return true
	default:
		return false
	}
}

// EnvString renders the value the way it is injected into a subprocess's
// environment: primitives are stringified directly (no surrounding quotes
// for strings), everything else is JSON-encoded.
func (v Value) EnvString() string {
	var decoded any
	if err := json.Unmarshal(v.raw, &decoded); err != nil {
		return string(v.raw)
	}
	switch t := decoded.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return t
	case float64:
		return trimFloat(t)
	default:
		return string(v.raw)
	}
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	return s
}

// EnvKey uppercases a parameter or asset key for use in an environment
// variable name (PARAM_<KEY> / ASSET_<KEY>).
func EnvKey(key string) string {
	return strings.ToUpper(key)
}

// SortedKeys returns the map's keys sorted, for deterministic environment
// construction and logging.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns a new Map with override's entries replacing base's for any
// shared key — the "task.params ⊕ options.params" rule in §4.C dispatch.
func Merge(base, override Map) Map {
	out := make(Map, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
