// Package filter compiles CEL expressions for selecting statistics rows
// in the control API, so operators can ask for "user_time > 0.5" or
// "principal == 10u && reads > 0" without a query language of our own.
package filter

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/opstat/opstat/internal/store"
)

// CompiledFilter wraps a pre-compiled CEL program for fast repeated
// evaluation across a snapshot.
type CompiledFilter struct {
	Expression string
	program    cel.Program
}

// Evaluator compiles and evaluates row filter expressions. Expressions
// are compiled once per request; evaluation is lock-free and safe for
// concurrent use.
type Evaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator with the row fields available as
// variables.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("principal", cel.UintType),
		cel.Variable("database", cel.UintType),
		cel.Variable("operation", cel.UintType),

		cel.Variable("calls", cel.IntType),
		cel.Variable("reads", cel.IntType),
		cel.Variable("writes", cel.IntType),
		cel.Variable("user_time", cel.DoubleType),
		cel.Variable("system_time", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{
		env:    env,
		logger: logger.With("component", "filter.Evaluator"),
	}, nil
}

// Compile parses and type-checks a filter expression, returning a
// CompiledFilter ready for evaluation.
func (e *Evaluator) Compile(expr string) (CompiledFilter, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledFilter{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	// Ensure the expression evaluates to a boolean.
	if ast.OutputType() != cel.BoolType {
		return CompiledFilter{}, fmt.Errorf("filter %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return CompiledFilter{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	e.logger.Debug("compiled filter expression", "expression", expr)

	return CompiledFilter{
		Expression: expr,
		program:    prg,
	}, nil
}

// Match runs a compiled filter against one row.
func (e *Evaluator) Match(f CompiledFilter, row store.Row) (bool, error) {
	vars := map[string]interface{}{
		"principal": uint64(row.Principal),
		"database":  uint64(row.Database),
		"operation": row.Operation,

		"calls":       row.Calls,
		"reads":       row.Reads,
		"writes":      row.Writes,
		"user_time":   row.UserTime,
		"system_time": row.SystemTime,
	}

	out, _, err := f.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", f.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q returned non-bool: %T", f.Expression, out.Value())
	}

	return result, nil
}

// Apply returns the rows matching f, preserving order.
func (e *Evaluator) Apply(f CompiledFilter, rows []store.Row) ([]store.Row, error) {
	matched := make([]store.Row, 0, len(rows))
	for _, row := range rows {
		ok, err := e.Match(f, row)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, row)
		}
	}
	return matched, nil
}
