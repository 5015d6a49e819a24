package bpmn

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/feel"
)

// ExpressionEvaluator is the black-box expression language seam. The
// engine never interprets expressions itself; conditional flows,
// completion conditions, and timer end dates all go through here.
type ExpressionEvaluator interface {
	Evaluate(expression string, variables map[string]any) (any, error)
}

// VariableEvaluator is the default evaluator: an expression prefixed
// with "=" resolves to the named variable, everything else is a
// constant. Enough for embedding tests; production embedders plug in a
// full expression language.
type VariableEvaluator struct{}

func (VariableEvaluator) Evaluate(expression string, variables map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if !strings.HasPrefix(expression, "=") {
		return expression, nil
	}
	name := strings.TrimPrefix(expression, "=")
	if v, ok := variables[name]; ok {
		return v, nil
	}
	return nil, nil
}

// FeelEvaluator evaluates "="-prefixed expressions as FEEL, the
// expression language the BPMN spec prescribes. Plug it in with
// WithExpressionEvaluator for models that use comparisons, arithmetic
// or list expressions in conditions.
type FeelEvaluator struct{}

func (FeelEvaluator) Evaluate(expression string, variables map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if !strings.HasPrefix(expression, "=") {
		return expression, nil
	}
	return feel.EvalStringWithScope(strings.TrimPrefix(expression, "="), variables)
}

func (engine *Engine) evaluateExpression(expression string, variables map[string]any) (any, error) {
	res, err := engine.evaluator.Evaluate(expression, variables)
	if err != nil {
		return nil, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("failed to evaluate expression %q", expression),
			Err: err,
		}
	}
	return res, nil
}

func (engine *Engine) evaluateBool(expression string, variables map[string]any) (bool, error) {
	res, err := engine.evaluateExpression(expression, variables)
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, &ExpressionEvaluationError{
			Msg: fmt.Sprintf("expression %q did not evaluate to a boolean but %T", expression, res),
		}
	}
	return b, nil
}
