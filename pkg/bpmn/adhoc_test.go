package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

func ticketProcess(ordering bpmn20.AdHocOrdering) *bpmn20.TDefinitions {
	defs := bpmn20.NewProcessBuilder("ticket")
	defs.Scope().
		StartEvent("start").
		AdHocSubProcess("work", ordering, func(ah *bpmn20.ScopeBuilder) {
			ah.ServiceTask("triage", "triage-worker").
				ServiceTask("resolve", "resolve-worker")
		}).
		ServiceTask("wrap-up", "wrap-up-worker").
		EndEvent("end").
		Flow("start", "work").
		Flow("work", "wrap-up").
		Flow("wrap-up", "end")
	return defs.Build()
}

func TestAdHocActivitiesRunOnlyWhenEnabled(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	for _, taskType := range []string{"triage-worker", "resolve-worker", "wrap-up-worker"} {
		engine.RegisterTaskHandler(taskType, cp.TaskHandler)
	}

	// given
	deployDefinitions(t, engine, ticketProcess(bpmn20.AdHocOrderingParallel))
	instance, err := engine.StartProcessInstanceById(t.Context(), "ticket", "", nil)
	require.NoError(t, err)

	// then nothing inside the ad-hoc scope started by itself
	assert.Equal(t, "", cp.CallPath)
	assert.NotEqual(t, runtime.ActivityStateCompleted, instance.State)

	// when activities are enabled one by one and the scope is closed
	err = engine.EnableAdHocActivity(t.Context(), instance.Key, "work", "triage")
	assert.NoError(t, err)
	err = engine.EnableAdHocActivity(t.Context(), instance.Key, "work", "resolve")
	assert.NoError(t, err)
	err = engine.CompleteAdHocSubProcess(t.Context(), instance.Key, "work")
	assert.NoError(t, err)

	// then
	assert.Equal(t, "triage,resolve,wrap-up", cp.CallPath)
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
}

func TestSequentialAdHocAllowsOneActiveActivity(t *testing.T) {
	// setup: no handlers registered, enabled activities park as jobs
	engine := newTestEngine(t)

	// given
	deployDefinitions(t, engine, ticketProcess(bpmn20.AdHocOrderingSequential))
	instance, err := engine.StartProcessInstanceById(t.Context(), "ticket", "", nil)
	require.NoError(t, err)
	err = engine.EnableAdHocActivity(t.Context(), instance.Key, "work", "triage")
	require.NoError(t, err)

	// when a second activity is enabled while the first still runs
	err = engine.EnableAdHocActivity(t.Context(), instance.Key, "work", "resolve")

	// then
	assert.EqualError(t, err, "can only enable one activity in a sequential ad-hoc sub process")

	// when the first activity finishes, the next one may start
	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	err = engine.CompleteTask(t.Context(), jobs[0].Key, nil)
	require.NoError(t, err)
	err = engine.EnableAdHocActivity(t.Context(), instance.Key, "work", "resolve")
	assert.NoError(t, err)
}

func TestEnablingUnknownAdHocActivityFails(t *testing.T) {
	// setup
	engine := newTestEngine(t)

	// given
	deployDefinitions(t, engine, ticketProcess(bpmn20.AdHocOrderingParallel))
	instance, err := engine.StartProcessInstanceById(t.Context(), "ticket", "", nil)
	require.NoError(t, err)

	// when
	err = engine.EnableAdHocActivity(t.Context(), instance.Key, "work", "escalate")

	// then
	assert.EqualError(t, err, "ad-hoc sub process work contains no activity escalate")
}

func TestAdHocCompletionConditionClosesScope(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("close-worker", cp.TaskHandler)
	engine.RegisterTaskHandler("fix-worker", func(job ActivatedJob) {
		job.SetVariable("resolved", true)
		job.Complete()
	})

	// given an open scope with one parked and one inline activity
	defs := bpmn20.NewProcessBuilder("incident")
	defs.Scope().
		StartEvent("start").
		AdHocSubProcessWithCondition("handle", bpmn20.AdHocOrderingParallel, "=resolved", func(ah *bpmn20.ScopeBuilder) {
			ah.ServiceTask("investigate", "investigate-worker").
				ServiceTask("fix", "fix-worker")
		}).
		ServiceTask("close-incident", "close-worker").
		EndEvent("end").
		Flow("start", "handle").
		Flow("handle", "close-incident").
		Flow("close-incident", "end")
	deployDefinitions(t, engine, defs.Build())

	instance, err := engine.StartProcessInstanceById(t.Context(), "incident", "", nil)
	require.NoError(t, err)
	err = engine.EnableAdHocActivity(t.Context(), instance.Key, "handle", "investigate")
	require.NoError(t, err)

	// when the condition comes true
	err = engine.EnableAdHocActivity(t.Context(), instance.Key, "handle", "fix")
	assert.NoError(t, err)

	// then the parked activity was terminated with the scope and the
	// token moved on
	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	assert.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, "close-incident", cp.CallPath)
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
}

func TestCompleteAdHocTerminatesRunningActivities(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("wrap-up-worker", cp.TaskHandler)

	// given a parked activity inside the open scope
	deployDefinitions(t, engine, ticketProcess(bpmn20.AdHocOrderingParallel))
	instance, err := engine.StartProcessInstanceById(t.Context(), "ticket", "", nil)
	require.NoError(t, err)
	err = engine.EnableAdHocActivity(t.Context(), instance.Key, "work", "triage")
	require.NoError(t, err)

	// when
	err = engine.CompleteAdHocSubProcess(t.Context(), instance.Key, "work")
	assert.NoError(t, err)

	// then the parked job went away with its activity
	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	assert.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, "wrap-up", cp.CallPath)
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
}
