package config

import (
	"reflect"
)

// MergeLayers folds layers left to right into a new map. Later layers win on
// scalar keys, nested maps are merged key-wise and lists are concatenated
// without duplicates.
func MergeLayers(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		_ = mergeInto(layer, out)
	}
	return out
}

// mergeInto has the koanf merge func signature: src is folded into dest.
func mergeInto(src, dest map[string]any) error {
	for key, val := range src {
		existing, ok := dest[key]
		if !ok || existing == nil {
			dest[key] = copyValue(val)
			continue
		}
		if srcMap, ok := asMap(val); ok {
			if destMap, ok := asMap(existing); ok {
				_ = mergeInto(srcMap, destMap)
				dest[key] = destMap
				continue
			}
		}
		if srcList, ok := asList(val); ok {
			if destList, ok := asList(existing); ok {
				dest[key] = appendUnique(destList, srcList)
				continue
			}
		}
		dest[key] = copyValue(val)
	}
	return nil
}

func appendUnique(dest, src []any) []any {
	out := make([]any, 0, len(dest)+len(src))
	out = append(out, dest...)
	for _, item := range src {
		dup := false
		for _, have := range out {
			if reflect.DeepEqual(normalizeValue(have), normalizeValue(item)) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, copyValue(item))
		}
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out, true
	}
	return nil, false
}

// asList accepts any slice type; the struct defaults layer yields typed
// slices while yaml yields []any.
func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func copyValue(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = copyValue(val)
		}
		return out
	}
	if l, ok := v.([]any); ok {
		out := make([]any, len(l))
		for i, val := range l {
			out[i] = copyValue(val)
		}
		return out
	}
	return v
}

func normalizeValue(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = normalizeValue(val)
		}
		return out
	}
	if l, ok := asList(v); ok {
		out := make([]any, len(l))
		for i, val := range l {
			out[i] = normalizeValue(val)
		}
		return out
	}
	return v
}
