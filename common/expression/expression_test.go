package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEvaluateExactReference verifies that an expression which is exactly one
// reference resolves to the referenced value with its type preserved.
func TestEvaluateExactReference(t *testing.T) {
	vars := map[string]any{
		"count": 3,
		"user":  map[string]any{"name": "ada", "tags": []any{"vip"}},
	}

	assert.Equal(t, 3, Evaluate("${count}", vars))
	assert.Equal(t, "ada", Evaluate("${user.name}", vars))
	assert.Equal(t, map[string]any{"name": "ada", "tags": []any{"vip"}}, Evaluate("${user}", vars))
}

// TestEvaluateAbsentReference verifies that an absent exact reference yields
// the original string unchanged.
func TestEvaluateAbsentReference(t *testing.T) {
	vars := map[string]any{"x": 1}

	assert.Equal(t, "${missing}", Evaluate("${missing}", vars))
	assert.Equal(t, "${user.name}", Evaluate("${user.name}", vars))
}

// TestEvaluateInterpolation verifies substitution of references mixed with
// literal text, with absent paths substituting as empty.
func TestEvaluateInterpolation(t *testing.T) {
	vars := map[string]any{
		"name":  "ada",
		"count": 3,
		"user":  map[string]any{"role": "admin"},
	}

	assert.Equal(t, "hello ada", Evaluate("hello ${name}", vars))
	assert.Equal(t, "3 items", Evaluate("${count} items", vars))
	assert.Equal(t, "role=admin", Evaluate("role=${user.role}", vars))
	assert.Equal(t, "got ", Evaluate("got ${missing}", vars))
}

// TestEvaluatePassthrough verifies non-string inputs and plain strings pass
// through unchanged.
func TestEvaluatePassthrough(t *testing.T) {
	vars := map[string]any{"x": 1}

	assert.Equal(t, 42, Evaluate(42, vars))
	assert.Equal(t, true, Evaluate(true, vars))
	assert.Equal(t, "plain text", Evaluate("plain text", vars))
	assert.Nil(t, Evaluate(nil, vars))
}

func TestNestedGet(t *testing.T) {
	vars := map[string]any{
		"a": map[string]any{
			"b": map[string]any{"c": "deep"},
		},
		"flat": 1,
	}

	v, ok := NestedGet(vars, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, "deep", v)

	v, ok = NestedGet(vars, "flat")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = NestedGet(vars, "a.b.missing")
	assert.False(t, ok)

	// Traversal through a non-map value fails.
	_, ok = NestedGet(vars, "flat.x")
	assert.False(t, ok)

	_, ok = NestedGet(vars, "")
	assert.False(t, ok)
}

func TestNestedSet(t *testing.T) {
	vars := map[string]any{"a": map[string]any{"b": 1}}

	NestedSet(vars, "a.c", 2)
	NestedSet(vars, "x.y.z", "new")

	v, ok := NestedGet(vars, "a.c")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = NestedGet(vars, "x.y.z")
	assert.True(t, ok)
	assert.Equal(t, "new", v)

	// Colliding scalar segments are replaced by maps.
	NestedSet(vars, "a.b.deep", true)
	v, ok = NestedGet(vars, "a.b.deep")
	assert.True(t, ok)
	assert.Equal(t, true, v)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "hello", Stringify("hello"))
	assert.Equal(t, "3", Stringify(3))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
	assert.Equal(t, `["x","y"]`, Stringify([]any{"x", "y"}))
}
