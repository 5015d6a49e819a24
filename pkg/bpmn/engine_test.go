package bpmn

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
	"github.com/procflow/procflow/pkg/storage/inmemory"
)

var bpmnEngine *Engine
var engineStorage *inmemory.Storage

func TestMain(m *testing.M) {
	engineStorage = inmemory.NewStorage()
	bpmnEngine = NewEngine(WithStorage(engineStorage), WithLogger(hclog.NewNullLogger()))
	os.Exit(m.Run())
}

// CallPath records the element ids of every handled job in call order.
type CallPath struct {
	CallPath string
}

func (cp *CallPath) TaskHandler(job ActivatedJob) {
	if len(cp.CallPath) > 0 {
		cp.CallPath += ","
	}
	cp.CallPath += job.ElementId()
	job.Complete()
}

// recordingExporter keeps every exported event for assertions.
type recordingExporter struct {
	mu     sync.Mutex
	events []exporter.Event
}

func (r *recordingExporter) Export(event exporter.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingExporter) byType(eventType exporter.EventType) []exporter.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []exporter.Event
	for _, e := range r.events {
		if e.Type == eventType {
			res = append(res, e)
		}
	}
	return res
}

func (r *recordingExporter) countEntity(eventType exporter.EventType, entityType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.events {
		if e.Type == eventType && e.EntityType == entityType {
			count++
		}
	}
	return count
}

func (r *recordingExporter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func newTestEngine(t *testing.T, options ...EngineOption) *Engine {
	t.Helper()
	opts := append([]EngineOption{
		WithStorage(inmemory.NewStorage()),
		WithLogger(hclog.NewNullLogger()),
	}, options...)
	return NewEngine(opts...)
}

func deployDefinitions(t *testing.T, engine *Engine, defs *bpmn20.TDefinitions) *runtime.Deployment {
	t.Helper()
	deployment, err := engine.Deploy(t.Context(), defs.Process.Id+"-deployment",
		Resource{Name: defs.Process.Id + ".bpmn", Definitions: defs})
	require.NoError(t, err)
	require.NotEmpty(t, deployment.DefinitionKeys)
	return deployment
}

func TestServiceTaskHandlerGetsCalled(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	wasCalled := false
	engine.RegisterTaskHandler("charge-card", func(job ActivatedJob) {
		wasCalled = true
		job.Complete()
	})

	// given
	defs := bpmn20.NewProcessBuilder("payment")
	defs.Scope().
		StartEvent("start").
		ServiceTask("charge", "charge-card").
		EndEvent("end").
		Flow("start", "charge").
		Flow("charge", "end")
	deployDefinitions(t, engine, defs.Build())

	// when
	instance, err := engine.StartProcessInstanceById(t.Context(), "payment", "", nil)
	assert.NoError(t, err)

	// then
	assert.True(t, wasCalled)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)
}

func TestHandlerOutputsLandInInstanceVariables(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.RegisterTaskHandler("price-lookup", func(job ActivatedJob) {
		job.SetVariable("price", 42)
		job.Complete()
	})

	// given
	defs := bpmn20.NewProcessBuilder("pricing")
	defs.Scope().
		StartEvent("start").
		ServiceTask("lookup", "price-lookup").
		EndEvent("end").
		Flow("start", "lookup").
		Flow("lookup", "end")
	deployDefinitions(t, engine, defs.Build())

	// when
	instance, err := engine.StartProcessInstanceById(t.Context(), "pricing", "order-1", map[string]any{"sku": "A-1"})
	assert.NoError(t, err)

	// then
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, 42, stored.Variables["price"])
	assert.Equal(t, "A-1", stored.Variables["sku"])
	assert.Equal(t, "order-1", stored.BusinessKey)
}

func TestExclusiveGatewayTakesMatchingFlow(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("route-test", cp.TaskHandler)

	// given
	defs := bpmn20.NewProcessBuilder("routing")
	defs.Scope().
		StartEvent("start").
		ExclusiveGateway("decide", "decide-task-b").
		ServiceTask("task-a", "route-test").
		ServiceTask("task-b", "route-test").
		EndEvent("end").
		Flow("start", "decide").
		ConditionalFlow("decide", "task-a", "=approved").
		Flow("decide", "task-b").
		Flow("task-a", "end").
		Flow("task-b", "end")
	deployDefinitions(t, engine, defs.Build())

	// when
	_, err := engine.StartProcessInstanceById(t.Context(), "routing", "", map[string]any{"approved": true})
	assert.NoError(t, err)

	// then
	assert.Equal(t, "task-a", cp.CallPath)
}

func TestExclusiveGatewayFallsBackToDefaultFlow(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("route-test", cp.TaskHandler)

	// given
	defs := bpmn20.NewProcessBuilder("routing-default")
	defs.Scope().
		StartEvent("start").
		ExclusiveGateway("decide", "decide-task-b").
		ServiceTask("task-a", "route-test").
		ServiceTask("task-b", "route-test").
		EndEvent("end").
		Flow("start", "decide").
		ConditionalFlow("decide", "task-a", "=approved").
		Flow("decide", "task-b").
		Flow("task-a", "end").
		Flow("task-b", "end")
	deployDefinitions(t, engine, defs.Build())

	// when
	_, err := engine.StartProcessInstanceById(t.Context(), "routing-default", "", map[string]any{"approved": false})
	assert.NoError(t, err)

	// then
	assert.Equal(t, "task-b", cp.CallPath)
}

func TestUserTaskWaitsForApiCompletion(t *testing.T) {
	// setup
	engine := newTestEngine(t)

	// given
	defs := bpmn20.NewProcessBuilder("approval")
	defs.Scope().
		StartEvent("start").
		UserTask("approve", "jane.doe").
		EndEvent("end").
		Flow("start", "approve").
		Flow("approve", "end")
	deployDefinitions(t, engine, defs.Build())

	// when
	instance, err := engine.StartProcessInstanceById(t.Context(), "approval", "", nil)
	assert.NoError(t, err)

	// then the instance waits on a user task job
	assert.Equal(t, runtime.ActivityStateActive, instance.State)
	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	assert.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, runtime.JobHandlerUserTask, jobs[0].HandlerType)

	// when the task is completed through the API
	err = engine.CompleteTask(t.Context(), jobs[0].Key, map[string]any{"approved": true})
	assert.NoError(t, err)

	// then
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
	assert.Equal(t, true, stored.Variables["approved"])
}

func TestStartUnknownProcessFails(t *testing.T) {
	// when
	_, err := bpmnEngine.StartProcessInstanceById(context.Background(), "no-such-process", "", nil)

	// then
	var notFound *ObjectNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestCallActivityPropagatesVariables(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.RegisterTaskHandler("credit-check", func(job ActivatedJob) {
		job.SetVariable("creditOk", true)
		job.Complete()
	})

	// given a called process and a caller
	child := bpmn20.NewProcessBuilder("credit")
	child.Scope().
		StartEvent("start").
		ServiceTask("check", "credit-check").
		EndEvent("end").
		Flow("start", "check").
		Flow("check", "end")
	deployDefinitions(t, engine, child.Build())

	parent := bpmn20.NewProcessBuilder("order")
	parent.Scope().
		StartEvent("start").
		CallActivity("run-credit", "credit").
		EndEvent("end").
		Flow("start", "run-credit").
		Flow("run-credit", "end")
	deployDefinitions(t, engine, parent.Build())

	// when
	instance, err := engine.StartProcessInstanceById(t.Context(), "order", "", map[string]any{"amount": 100})
	assert.NoError(t, err)

	// then the called instance completed synchronously and its result is
	// visible in the caller
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
	assert.Equal(t, true, stored.Variables["creditOk"])
}

func TestCallActivityResumesAfterChildWaitState(t *testing.T) {
	// setup
	engine := newTestEngine(t)

	// given a called process that parks on a user task
	child := bpmn20.NewProcessBuilder("review")
	child.Scope().
		StartEvent("start").
		UserTask("review-doc", "reviewer").
		EndEvent("end").
		Flow("start", "review-doc").
		Flow("review-doc", "end")
	deployDefinitions(t, engine, child.Build())

	parent := bpmn20.NewProcessBuilder("submission")
	parent.Scope().
		StartEvent("start").
		CallActivity("run-review", "review").
		EndEvent("end").
		Flow("start", "run-review").
		Flow("run-review", "end")
	deployDefinitions(t, engine, parent.Build())

	instance, err := engine.StartProcessInstanceById(t.Context(), "submission", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, runtime.ActivityStateCompleted, instance.State)

	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{HandlerType: runtime.JobHandlerUserTask})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// when the child instance's task completes
	err = engine.CompleteTask(t.Context(), jobs[0].Key, map[string]any{"reviewOk": true})
	assert.NoError(t, err)

	// then the caller resumed and finished
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
	assert.Equal(t, true, stored.Variables["reviewOk"])
}
