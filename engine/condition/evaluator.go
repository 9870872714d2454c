package condition

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Evaluator evaluates sequence-flow conditions using CEL
// (Common Expression Language) with a compiled-program cache.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new condition evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]cel.Program),
	}
}

// Evaluate evaluates a condition expression against the instance variables.
// BPMN-style ${path} references are rewritten to CEL member accesses on the
// vars map, so "${x} == 1" becomes "vars.x == 1".
func (e *Evaluator) Evaluate(expr string, variables map[string]any) (bool, error) {
	if expr == "" {
		return false, fmt.Errorf("empty condition")
	}

	normalizedExpr := refPattern.ReplaceAllString(expr, "vars.$1")

	// Check cache first
	e.mu.RLock()
	prg, exists := e.cache[normalizedExpr]
	e.mu.RUnlock()

	if !exists {
		// Compile and cache
		var err error
		prg, err = e.compileCEL(normalizedExpr)
		if err != nil {
			return false, err
		}

		e.mu.Lock()
		e.cache[normalizedExpr] = prg
		e.mu.Unlock()
	}

	// Evaluate
	out, _, err := prg.Eval(map[string]any{
		"vars": variables,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return boolean, got %T", out.Value())
	}

	return result, nil
}

// compileCEL compiles a CEL expression
func (e *Evaluator) compileCEL(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
