package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/cel-go/cel"
	"github.com/itchyny/gojq"

	"github.com/rendis/ordo/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. The scope map is injected as
// the environment, making its keys top-level variables. Compiled programs
// are cached and reused across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if !ok {
		var err error
		prg, err = expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid expr expression %q: %s", expression, err.Error()).WithCause(err)
		}
		e.mu.Lock()
		e.cache[expression] = prg
		e.mu.Unlock()
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}
	return out, nil
}

// CELEngine evaluates Common Expression Language expressions against a
// sandboxed environment exposing the template scope variables.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine whose environment exposes three
// top-level variables matching the template scope: context, instance, workflow.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("context", mapType),
		cel.Variable("instance", mapType),
		cel.Variable("workflow", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if !ok {
		ast, issues := e.env.Compile(expression)
		if issues != nil && issues.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid CEL expression %q: %s", expression, issues.Err().Error()).WithCause(issues.Err())
		}
		var err error
		prg, err = e.env.Program(ast)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot build CEL program for %q: %s", expression, err.Error()).WithCause(err)
		}
		e.mu.Lock()
		e.cache[expression] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}
	return out.Value(), nil
}

// GoJQEngine evaluates jq expressions over the scope map as the input
// document. Compiled code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if !ok {
		query, err := gojq.Parse(expression)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid jq expression %q: %s", expression, err.Error()).WithCause(err)
		}
		code, err = gojq.Compile(query)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"cannot compile jq expression %q: %s", expression, err.Error()).WithCause(err)
		}
		e.mu.Lock()
		e.cache[expression] = code
		e.mu.Unlock()
	}

	var input any = data
	if data == nil {
		input = map[string]any{}
	}
	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}
