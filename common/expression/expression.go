package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	exactRef = regexp.MustCompile(`^\$\{([^}]*)\}$`)
	anyRef   = regexp.MustCompile(`\$\{([^}]*)\}`)
)

// Evaluate resolves ${path} references in expr against vars.
//
// An expression that is exactly one reference resolves to the referenced
// value with its type preserved, or to the original string if the path is
// absent. A string mixing references with literal text resolves to the
// string with each reference substituted (absent paths substitute as empty).
// Non-string inputs pass through unchanged. Evaluate never fails.
func Evaluate(expr any, vars map[string]any) any {
	s, ok := expr.(string)
	if !ok {
		return expr
	}

	if m := exactRef.FindStringSubmatch(s); m != nil {
		if v, found := NestedGet(vars, m[1]); found {
			return v
		}
		return s
	}

	if !anyRef.MatchString(s) {
		return s
	}

	return anyRef.ReplaceAllStringFunc(s, func(ref string) string {
		path := ref[2 : len(ref)-1]
		v, found := NestedGet(vars, path)
		if !found {
			return ""
		}
		return Stringify(v)
	})
}

// NestedGet traverses vars along a dot-separated path ("a.b.c").
// It reports false when any segment is absent or not a map.
func NestedGet(vars map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")
	var current any = vars
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// NestedSet writes value at a dot-separated path, creating intermediate
// maps as needed. Segments that collide with non-map values are replaced.
func NestedSet(vars map[string]any, path string, value any) {
	if path == "" {
		return
	}

	segments := strings.Split(path, ".")
	current := vars
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// Stringify renders a resolved value for substitution into a string.
// Maps and slices render as JSON; scalars via fmt.
func Stringify(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
