package providers

import (
	"fmt"
	"reflect"
	"sort"
)

const defaultMaxDumpDepth = 10

// SafeDump recursively renders v into a loggable string, the way the
// reference OpenAI adapter's _safe_dump does: a depth ceiling bounds
// pathological nesting, and a visited set (keyed by pointer identity) stops
// cycles from recursing forever. Unknown leaves stringify; anything that
// can't be handled at all returns a sentinel rather than panicking.
func SafeDump(v any) string {
	return safeDump(v, 0, defaultMaxDumpDepth, map[uintptr]bool{})
}

// SafeDumpDepth is SafeDump with an explicit depth ceiling, exposed for
// callers (and tests) that want to bound output size more aggressively.
func SafeDumpDepth(v any, maxDepth int) string {
	return safeDump(v, 0, maxDepth, map[uintptr]bool{})
}

func safeDump(v any, depth, maxDepth int, visited map[uintptr]bool) (out string) {
	defer func() {
		// safeDump must never panic its way out of a logging call.
		if recover() != nil {
			out = "<unserializable>"
		}
	}()

	if v == nil {
		return "null"
	}
	if depth > maxDepth {
		return "<max-depth-exceeded>"
	}

	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return "null"
		}
		ptr := rv.Pointer()
		if visited[ptr] {
			return "<cycle>"
		}
		visited[ptr] = true
		defer delete(visited, ptr)
	}

	switch rv.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprintf("%v", v)

	case reflect.Ptr, reflect.Interface:
		return safeDump(rv.Elem().Interface(), depth+1, maxDepth, visited)

	case reflect.Slice, reflect.Array:
		n := rv.Len()
		parts := make([]string, 0, n)
		for i := 0; i < n; i++ {
			parts = append(parts, safeDump(rv.Index(i).Interface(), depth+1, maxDepth, visited))
		}
		return "[" + joinComma(parts) + "]"

	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprintf("%v", keys[i].Interface()) < fmt.Sprintf("%v", keys[j].Interface())
		})
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			val := safeDump(rv.MapIndex(k).Interface(), depth+1, maxDepth, visited)
			parts = append(parts, fmt.Sprintf("%v:%s", k.Interface(), val))
		}
		return "{" + joinComma(parts) + "}"

	case reflect.Struct:
		t := rv.Type()
		parts := make([]string, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			val := safeDump(rv.Field(i).Interface(), depth+1, maxDepth, visited)
			parts = append(parts, fmt.Sprintf("%s:%s", f.Name, val))
		}
		return "{" + joinComma(parts) + "}"

	default:
		return fmt.Sprintf("%v", v)
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
