// Package record holds the loosely-typed records that flow from a connector through
// field mapping and the rule engine before they are persisted as transactions.
//
// Paths are dotted ("Invoice.CustomerRef.name"). A segment that is an integer indexes
// into a list ("Line.0.Amount").
package record

import (
	"math"
	"strconv"
	"strings"
)

// Record is one provider record. Nested values are maps, lists and scalars as decoded
// from JSON, plus time.Time for warehouse timestamps.
type Record map[string]any

type undefined struct{}

// Undefined is what Lookup returns for a path that does not resolve. It is distinct
// from nil, which is an explicit null value.
var Undefined any = undefined{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefined)
	return ok
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Record:
		return m, true
	}
	return nil, false
}

func child(current any, key string) (any, bool) {
	if m, ok := asMap(current); ok {
		v, ok := m[key]
		return v, ok
	}
	if list, ok := current.([]any); ok {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(list) {
			return nil, false
		}
		return list[idx], true
	}
	return nil, false
}

// Get resolves path. Missing keys, out of range indexes and traversal through a
// scalar all report ok=false.
func (r Record) Get(path string) (any, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return nil, false
	}

	var current any = map[string]any(r)
	for _, part := range parts {
		next, ok := child(current, part)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Lookup is Get with a missing path folded into Undefined.
func (r Record) Lookup(path string) any {
	v, ok := r.Get(path)
	if !ok {
		return Undefined
	}
	return v
}

// Set writes value at path, creating intermediate maps. An intermediate scalar is
// replaced by a map.
func (r Record) Set(path string, value any) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}

	current := map[string]any(r)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(current[part])
		if !ok {
			next = map[string]any{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// Delete removes the leaf at path. Missing parents are left alone.
func (r Record) Delete(path string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}

	current := map[string]any(r)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(current[part])
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

// Clone deep copies maps and lists. Scalars are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return Record(cloneMap(r))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Record:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Bool reads a boolean flag at path; anything other than true reads as false.
func (r Record) Bool(path string) bool {
	v, ok := r.Get(path)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// JSONSafe returns a deep copy with NaN, infinities and Undefined replaced by nil so the
// record can be encoded as JSON.
func (r Record) JSONSafe() Record {
	if r == nil {
		return nil
	}
	return Record(jsonSafe(map[string]any(r)).(map[string]any))
}

func jsonSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = jsonSafe(item)
		}
		return out
	case Record:
		return jsonSafe(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = jsonSafe(item)
		}
		return out
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(t)) || math.IsInf(float64(t), 0) {
			return nil
		}
	}
	if IsUndefined(v) {
		return nil
	}
	return v
}
