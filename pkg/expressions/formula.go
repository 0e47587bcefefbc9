package expressions

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var ErrEmptyFormula = errors.New("formula is empty")

// Formulas evaluates user-authored formulas in the expr language. Programs can only
// reach the values passed in env and expr's builtins; there are no host calls.
type Formulas struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

func NewFormulas() *Formulas {
	return &Formulas{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate compiles (once) and runs formula. Integer results are widened to float64
// so numbers behave the same whatever literal produced them.
func (f *Formulas) Evaluate(formula string, env map[string]any) (any, error) {
	program, err := f.getOrCompile(formula)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate formula %q: %w", formula, err)
	}

	return normalize(out), nil
}

// Validate reports whether formula compiles.
func (f *Formulas) Validate(formula string) error {
	_, err := f.getOrCompile(formula)
	return err
}

func (f *Formulas) getOrCompile(formula string) (*vm.Program, error) {
	if formula == "" {
		return nil, ErrEmptyFormula
	}

	f.mu.RLock()
	if program, ok := f.cache[formula]; ok {
		f.mu.RUnlock()
		return program, nil
	}
	f.mu.RUnlock()

	program, err := expr.Compile(formula)
	if err != nil {
		return nil, fmt.Errorf("invalid formula %q: %w", formula, err)
	}

	f.mu.Lock()
	f.cache[formula] = program
	f.mu.Unlock()

	return program, nil
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case float32:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, item := range n {
			out[k] = normalize(item)
		}
		return out
	}
	return v
}
