package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// expressions compiles CEL conditions once per source text and caches the programs.
type expressions struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newExpressions() (*expressions, error) {
	// Create CEL environment with event variables
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("eventType", cel.StringType),
		cel.Variable("cashierId", cel.StringType),
		cel.Variable("branchId", cel.StringType),
		cel.Variable("orderTotal", cel.DoubleType),
		cel.Variable("discountPercent", cel.DoubleType),
		cel.Variable("hourOfDay", cel.IntType),
		cel.Variable("minuteOfDay", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &expressions{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// compile returns the cached program for src, compiling it on first use.
func (x *expressions) compile(src string) (cel.Program, error) {
	x.mu.RLock()
	prg, ok := x.programs[src]
	x.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := x.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	// Dyn results are checked at evaluation time.
	if out := ast.OutputType(); out != cel.BoolType && out != cel.DynType {
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}

	prg, err := x.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	x.mu.Lock()
	x.programs[src] = prg
	x.mu.Unlock()
	return prg, nil
}

// eval runs src against the activation. Evaluation stops when ctx is done.
func (x *expressions) eval(ctx context.Context, src string, activation map[string]any) (bool, error) {
	prg, err := x.compile(src)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %s, not bool", out.Type().TypeName())
	}
	return bool(b), nil
}
