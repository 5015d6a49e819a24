package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
)

func TestDefaultEvaluatorResolvesVariablesAndConstants(t *testing.T) {
	evaluator := VariableEvaluator{}

	value, err := evaluator.Evaluate("=approved", map[string]any{"approved": true})
	assert.NoError(t, err)
	assert.Equal(t, true, value)

	value, err = evaluator.Evaluate("plain text", nil)
	assert.NoError(t, err)
	assert.Equal(t, "plain text", value)

	value, err = evaluator.Evaluate("=missing", map[string]any{})
	assert.NoError(t, err)
	assert.Nil(t, value)
}

func TestFeelEvaluatorRoutesOnComparison(t *testing.T) {
	// setup
	engine := newTestEngine(t, WithExpressionEvaluator(FeelEvaluator{}))
	cp := CallPath{}
	engine.RegisterTaskHandler("order-routing", cp.TaskHandler)

	// given a conditional flow with a FEEL comparison
	defs := bpmn20.NewProcessBuilder("bulk-orders")
	defs.Scope().
		StartEvent("start").
		ExclusiveGateway("sort", "sort-standard").
		ServiceTask("bulk", "order-routing").
		ServiceTask("standard", "order-routing").
		EndEvent("end").
		Flow("start", "sort").
		ConditionalFlow("sort", "bulk", "=quantity > 100").
		Flow("sort", "standard").
		Flow("bulk", "end").
		Flow("standard", "end")
	deployDefinitions(t, engine, defs.Build())

	// when
	_, err := engine.StartProcessInstanceById(t.Context(), "bulk-orders", "", map[string]any{"quantity": 250})
	assert.NoError(t, err)

	// then
	assert.Equal(t, "bulk", cp.CallPath)

	// and a small order falls back to the default flow
	_, err = engine.StartProcessInstanceById(t.Context(), "bulk-orders", "", map[string]any{"quantity": 3})
	assert.NoError(t, err)
	assert.Equal(t, "bulk,standard", cp.CallPath)
}
