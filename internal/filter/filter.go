// Package filter applies client-side boolean expressions to API records,
// e.g. "dph_total / num_gpus < 0.3 && geolocation startsWith 'US'".
//
// Records are exposed to the expression under their JSON field names,
// including fields the client has no typed accessor for. Numbers are
// float64. Names the record lacks evaluate to nil.
package filter

import (
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter is a compiled boolean expression.
type Filter struct {
	Source  string
	program *vm.Program
}

// Compile validates and compiles source. The expression must produce a
// bool.
func Compile(source string) (*Filter, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}

	program, err := expr.Compile(source, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}

	return &Filter{
		Source:  source,
		program: program,
	}, nil
}

// Env converts v to the variable map an expression sees.
func Env(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("build expression env: %w", err)
	}
	var env map[string]any
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("build expression env: %T is not an object: %w", v, err)
	}
	return env, nil
}

// Match evaluates f against v.
func (f *Filter) Match(v any) (bool, error) {
	if f == nil || f.program == nil {
		return false, fmt.Errorf("nil filter")
	}
	env, err := Env(v)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("expression eval error for %q: %w", f.Source, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", f.Source, result)
	}
	return b, nil
}

// Apply returns the items f matches, in order. A nil filter keeps every
// item.
func Apply[T any](f *Filter, items []T) ([]T, error) {
	if f == nil {
		return items, nil
	}
	out := make([]T, 0, len(items))
	for i, item := range items {
		ok, err := f.Match(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}
