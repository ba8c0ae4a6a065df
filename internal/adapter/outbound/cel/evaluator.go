// Package cel evaluates optional per-policy CEL conditions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	"github.com/chaperone-dev/chaperone/internal/domain/policy"
)

// maxExpressionLength caps condition size.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit against cost-exhaustion.
const maxCostBudget = 100_000

// maxNestingDepth caps parenthesis/bracket nesting.
const maxNestingDepth = 50

// evalTimeout bounds a single evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL conditions, caching compiled
// programs by expression hash.
type Evaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[uint64]cel.Program
}

// newEnvironment declares the variables policy conditions can read.
func newEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("parameters", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("cartridge_id", cel.StringType),
		cel.Variable("principal_id", cel.StringType),
		cel.Variable("organization_id", cel.StringType),
		cel.Variable("risk_category", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewEvaluator builds an evaluator with the condition environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := newEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	return &Evaluator{env: env, programs: make(map[uint64]cel.Program)}, nil
}

var _ policy.CELEvaluator = (*Evaluator)(nil)

// ValidateExpression checks an expression against the safety limits and
// compiles it. Used at policy-save time so bad conditions fail early.
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	_, err := e.program(expr)
	return err
}

// EvaluateCondition compiles (or reuses) the expression and evaluates
// it against the evaluation context.
func (e *Evaluator) EvaluateCondition(ctx context.Context, expr string, ectx policy.EvaluationContext) (bool, error) {
	if len(expr) > maxExpressionLength {
		return false, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return false, err
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, activation(ectx))
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not return a boolean, got %T", result.Value())
	}
	return b, nil
}

// program returns the cached compiled program for an expression.
func (e *Evaluator) program(expr string) (cel.Program, error) {
	key := xxhash.Sum64String(expr)

	e.mu.Lock()
	prg, ok := e.programs[key]
	e.mu.Unlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}

	e.mu.Lock()
	e.programs[key] = prg
	e.mu.Unlock()
	return prg, nil
}

func activation(ectx policy.EvaluationContext) map[string]any {
	params := ectx.Parameters
	if params == nil {
		params = map[string]any{}
	}
	metadata := ectx.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"action_type":     ectx.ActionType,
		"parameters":      params,
		"cartridge_id":    ectx.CartridgeID,
		"principal_id":    ectx.PrincipalID,
		"organization_id": ectx.OrganizationID,
		"risk_category":   string(ectx.RiskCategory),
		"metadata":        metadata,
	}
}

func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}
