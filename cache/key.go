package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Key is the canonical textual form of a (operation, parameters) pair.
// Keys are opaque outside this package; the persistent backend uses them
// directly as primary keys, so two logically equal keys must be
// byte-identical.
type Key string

// NewKey derives a stable cache key from an operation name and its
// parameters. Parameters are frozen first so that semantically identical
// inputs produce the same key regardless of map iteration order.
func NewKey(op string, parts ...any) (Key, error) {
	frozen := make([]any, len(parts))
	for i, p := range parts {
		frozen[i] = Freeze(p)
	}
	text, err := canonicalJSON([]any{op, frozen})
	if err != nil {
		return "", fmt.Errorf("cache: cannot derive key for %q: %w", op, err)
	}
	return Key(text), nil
}

// Freeze converts nested parameter structures into a canonical, order-stable
// form. Maps become sorted (key, frozen value) pairs; slices keep their
// element order (callers needing order independence should pass a map).
// Scalars pass through unchanged.
func Freeze(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]any, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, []any{k, Freeze(val[k])})
		}
		return pairs
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = Freeze(e)
		}
		return out
	}

	// Typed maps and slices arrive here via reflection.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		keys := make([]string, 0, rv.Len())
		byKey := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, k)
			byKey[k] = iter.Value().Interface()
		}
		sort.Strings(keys)
		pairs := make([]any, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, []any{k, Freeze(byKey[k])})
		}
		return pairs
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Freeze(rv.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}

// canonicalJSON encodes v as JSON. Freeze rewrites maps into sorted pair
// lists and encoding/json sorts any remaining map keys, so the encoding is
// deterministic.
func canonicalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
