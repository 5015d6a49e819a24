package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

func TestParallelMultiInstanceRunsPerCollectionElement(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	var seen []string
	engine.RegisterTaskHandler("notify", func(job ActivatedJob) {
		seen = append(seen, job.Variable("recipient").(string))
		job.Complete()
	})

	// given
	defs := bpmn20.NewProcessBuilder("notifications")
	defs.Scope().
		StartEvent("start").
		MultiInstanceServiceTask("send", "notify", bpmn20.TMultiInstanceLoopCharacteristics{
			InputCollection: "=recipients",
			InputElement:    "recipient",
		}).
		EndEvent("end").
		Flow("start", "send").
		Flow("send", "end")
	deployDefinitions(t, engine, defs.Build())

	// when
	instance, err := engine.StartProcessInstanceById(t.Context(), "notifications", "", map[string]any{
		"recipients": []string{"ada", "grace", "barbara"},
	})
	assert.NoError(t, err)

	// then every element got its own run and the instance finished
	assert.Equal(t, []string{"ada", "grace", "barbara"}, seen)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)
}

func TestSequentialMultiInstancePreservesOrder(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	var order []int
	engine.RegisterTaskHandler("step", func(job ActivatedJob) {
		order = append(order, job.Variable("item").(int))
		job.Complete()
	})

	// given
	defs := bpmn20.NewProcessBuilder("pipeline")
	defs.Scope().
		StartEvent("start").
		MultiInstanceServiceTask("run-step", "step", bpmn20.TMultiInstanceLoopCharacteristics{
			IsSequential:    true,
			InputCollection: "=steps",
		}).
		EndEvent("end").
		Flow("start", "run-step").
		Flow("run-step", "end")
	deployDefinitions(t, engine, defs.Build())

	// when
	instance, err := engine.StartProcessInstanceById(t.Context(), "pipeline", "", map[string]any{
		"steps": []int{1, 2, 3, 4},
	})
	assert.NoError(t, err)

	// then
	assert.Equal(t, []int{1, 2, 3, 4}, order)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)
}

func TestMultiInstanceCompletionConditionCancelsRemainingInstances(t *testing.T) {
	// setup: instances park as user tasks so cancellation is observable
	engine := newTestEngine(t)

	// given a sequential loop that stops once a hit is found
	defs := bpmn20.NewProcessBuilder("search")
	defs.Scope().
		StartEvent("start").
		MultiInstanceServiceTask("probe", "probe-worker", bpmn20.TMultiInstanceLoopCharacteristics{
			IsSequential:        true,
			InputCollection:     "=candidates",
			InputElement:        "candidate",
			CompletionCondition: "=found",
		}).
		EndEvent("end").
		Flow("start", "probe").
		Flow("probe", "end")
	deployDefinitions(t, engine, defs.Build())

	var probed []string
	engine.RegisterTaskHandler("probe-worker", func(job ActivatedJob) {
		candidate := job.Variable("candidate").(string)
		probed = append(probed, candidate)
		job.SetVariable("found", candidate == "b")
		job.Complete()
	})

	// when
	instance, err := engine.StartProcessInstanceById(t.Context(), "search", "", map[string]any{
		"candidates": []string{"a", "b", "c", "d"},
	})
	assert.NoError(t, err)

	// then the loop stopped after the hit; later elements never ran
	assert.Equal(t, []string{"a", "b"}, probed)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)
}

func TestParallelMultiInstanceCompletionConditionTerminatesSiblings(t *testing.T) {
	// setup
	engine := newTestEngine(t)

	// given parallel instances that wait as user tasks
	defs := bpmn20.NewProcessBuilder("bidding")
	defs.Scope().
		StartEvent("start").
		MultiInstanceServiceTask("collect-bid", "bid-entry", bpmn20.TMultiInstanceLoopCharacteristics{
			InputCollection:     "=bidders",
			InputElement:        "bidder",
			CompletionCondition: "=accepted",
		}).
		EndEvent("end").
		Flow("start", "collect-bid").
		Flow("collect-bid", "end")
	deployDefinitions(t, engine, defs.Build())

	instance, err := engine.StartProcessInstanceById(t.Context(), "bidding", "", map[string]any{
		"bidders": []string{"x", "y", "z"},
	})
	require.NoError(t, err)

	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	// when one instance completes with the condition satisfied
	err = engine.CompleteTask(t.Context(), jobs[0].Key, map[string]any{"accepted": true})
	assert.NoError(t, err)

	// then the waiting siblings were cancelled and the instance finished
	remaining, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	assert.NoError(t, err)
	assert.Empty(t, remaining)
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
}

func TestMultiInstanceWithEmptyCollectionSkipsActivity(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	wasCalled := false
	engine.RegisterTaskHandler("never", func(job ActivatedJob) {
		wasCalled = true
		job.Complete()
	})

	// given
	defs := bpmn20.NewProcessBuilder("empty-loop")
	defs.Scope().
		StartEvent("start").
		MultiInstanceServiceTask("loop", "never", bpmn20.TMultiInstanceLoopCharacteristics{
			InputCollection: "=items",
		}).
		EndEvent("end").
		Flow("start", "loop").
		Flow("loop", "end")
	deployDefinitions(t, engine, defs.Build())

	// when
	instance, err := engine.StartProcessInstanceById(t.Context(), "empty-loop", "", map[string]any{
		"items": []string{},
	})
	assert.NoError(t, err)

	// then
	assert.False(t, wasCalled)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)
}
