package impact

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// guardEnv declares the CEL variables exposed to rule guard expressions:
// the operation identifier and the mutation parameters.
var guardEnv = sync.OnceValues(func() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("operation", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("impact: build guard environment: %w", err)
	}
	return env, nil
})

// Guard is a compiled rule guard. The zero Guard always matches.
type Guard struct {
	source  string
	program cel.Program
}

// CompileGuard prepares a guard expression, ensuring it yields a boolean.
// An empty source compiles to the always-true zero Guard.
func CompileGuard(source string) (Guard, error) {
	if source == "" {
		return Guard{}, nil
	}
	env, err := guardEnv()
	if err != nil {
		return Guard{}, err
	}
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return Guard{}, fmt.Errorf("impact: compile guard %q: %w", source, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Guard{}, fmt.Errorf("impact: guard %q must yield bool, got %s", source, t)
	}
	program, err := env.Program(ast)
	if err != nil {
		return Guard{}, fmt.Errorf("impact: program guard %q: %w", source, err)
	}
	return Guard{source: source, program: program}, nil
}

// ValidateGuard checks that a guard expression compiles; used by the config
// loader to quarantine broken rule definitions before registration.
func ValidateGuard(source string) error {
	_, err := CompileGuard(source)
	return err
}

// Eval executes the guard against one mutation. The zero Guard returns true.
func (g Guard) Eval(operation string, params map[string]any) (bool, error) {
	if g.program == nil {
		return true, nil
	}
	if params == nil {
		params = map[string]any{}
	}
	val, _, err := g.program.Eval(map[string]any{
		"operation": operation,
		"params":    params,
	})
	if err != nil {
		return false, fmt.Errorf("impact: eval guard %q: %w", g.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("impact: guard %q yielded non-bool result %T", g.source, val)
}

// Source returns the original guard expression for logging.
func (g Guard) Source() string { return g.source }
