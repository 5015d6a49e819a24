package bpmn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

// paymentNotificationProcess waits for one "payment-received" message
// and then confirms the order.
func paymentNotificationProcess(processId string) *bpmn20.TDefinitions {
	defs := bpmn20.NewProcessBuilder(processId)
	defs.Message("msg-payment", "payment-received")
	defs.Scope().
		StartEvent("start").
		MessageCatchEvent("await-payment", "msg-payment").
		ServiceTask("confirm", "confirm-order").
		EndEvent("end").
		Flow("start", "await-payment").
		Flow("await-payment", "confirm").
		Flow("confirm", "end")
	return defs.Build()
}

func TestMessageCatchEventWaitsForCorrelation(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("confirm-order", cp.TaskHandler)

	// given
	deployDefinitions(t, engine, paymentNotificationProcess("order-payment"))
	instance, err := engine.StartProcessInstanceById(t.Context(), "order-payment", "", nil)
	require.NoError(t, err)

	// then the token parks on the catch event
	assert.Equal(t, runtime.ActivityStateActive, instance.State)
	assert.Empty(t, cp.CallPath)
	subscriptions, err := engine.FindEventSubscriptions(t.Context(),
		storage.EventSubscriptionCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, subscriptions, 1)
	assert.Equal(t, runtime.EventTypeMessage, subscriptions[0].EventType)
	assert.Equal(t, "payment-received", subscriptions[0].EventName)

	// when
	err = engine.CorrelateMessage(t.Context(), "payment-received", 0, map[string]any{"amount": 99})
	assert.NoError(t, err)

	// then
	assert.Equal(t, "confirm", cp.CallPath)
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
	assert.Equal(t, 99, stored.Variables["amount"])
	subscriptions, err = engine.FindEventSubscriptions(t.Context(),
		storage.EventSubscriptionCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	assert.Empty(t, subscriptions)
}

func TestMessageCorrelationIsScopedByProcessInstanceKey(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.RegisterTaskHandler("confirm-order", func(job ActivatedJob) { job.Complete() })

	// given two instances waiting on the same message
	deployDefinitions(t, engine, paymentNotificationProcess("scoped-payment"))
	first, err := engine.StartProcessInstanceById(t.Context(), "scoped-payment", "", nil)
	require.NoError(t, err)
	second, err := engine.StartProcessInstanceById(t.Context(), "scoped-payment", "", nil)
	require.NoError(t, err)

	// when the message is correlated to the second instance only
	err = engine.CorrelateMessage(t.Context(), "payment-received", second.Key, nil)
	assert.NoError(t, err)

	// then the first instance keeps waiting
	storedFirst, err := engine.FindProcessInstance(t.Context(), first.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateActive, storedFirst.State)
	subscriptions, err := engine.FindEventSubscriptions(t.Context(),
		storage.EventSubscriptionCriteria{ProcessInstanceKey: first.Key})
	require.NoError(t, err)
	assert.Len(t, subscriptions, 1)

	storedSecond, err := engine.FindProcessInstance(t.Context(), second.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, storedSecond.State)
}

func TestCorrelatingUnarmedMessageFails(t *testing.T) {
	// when
	err := bpmnEngine.CorrelateMessage(t.Context(), "ghost-message", 0, nil)

	// then
	assert.EqualError(t, err, "no armed subscription for message ghost-message")
}

func TestMessageEventReceivedTargetsExactExecution(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.RegisterTaskHandler("confirm-order", func(job ActivatedJob) { job.Complete() })

	// given
	deployDefinitions(t, engine, paymentNotificationProcess("direct-payment"))
	instance, err := engine.StartProcessInstanceById(t.Context(), "direct-payment", "", nil)
	require.NoError(t, err)
	subscriptions, err := engine.FindEventSubscriptions(t.Context(),
		storage.EventSubscriptionCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, subscriptions, 1)

	// an execution key without a matching wait is rejected
	err = engine.MessageEventReceived(t.Context(), "payment-received", subscriptions[0].ExecutionKey+1, nil)
	var notFound *ObjectNotFoundError
	require.ErrorAs(t, err, &notFound)

	// when the right execution is addressed
	err = engine.MessageEventReceived(t.Context(), "payment-received", subscriptions[0].ExecutionKey, nil)
	assert.NoError(t, err)

	// then
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
}

func TestSignalBroadcastResumesAllWaitingInstances(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("ship-release", cp.TaskHandler)

	// given two instances waiting on the same signal
	defs := bpmn20.NewProcessBuilder("release")
	defs.Signal("sig-go", "go-live")
	defs.Scope().
		StartEvent("start").
		SignalCatchEvent("await-go", "sig-go").
		ServiceTask("ship", "ship-release").
		EndEvent("end").
		Flow("start", "await-go").
		Flow("await-go", "ship").
		Flow("ship", "end")
	deployDefinitions(t, engine, defs.Build())
	first, err := engine.StartProcessInstanceById(t.Context(), "release", "", nil)
	require.NoError(t, err)
	second, err := engine.StartProcessInstanceById(t.Context(), "release", "", nil)
	require.NoError(t, err)

	// when
	err = engine.SignalEventReceived(t.Context(), "go-live", map[string]any{"channel": "stable"})
	assert.NoError(t, err)

	// then both instances ran to completion
	assert.Equal(t, "ship,ship", cp.CallPath)
	for _, key := range []int64{first.Key, second.Key} {
		stored, err := engine.FindProcessInstance(t.Context(), key)
		require.NoError(t, err)
		assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
		assert.Equal(t, "stable", stored.Variables["channel"])
	}
	subscriptions, err := engine.FindEventSubscriptions(t.Context(), storage.EventSubscriptionCriteria{})
	require.NoError(t, err)
	assert.Empty(t, subscriptions)
}

func TestSignalThrowEventReachesWaitingCatcher(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("handle-alarm", cp.TaskHandler)

	// given a parked catcher instance
	catcher := bpmn20.NewProcessBuilder("alarm-watch")
	catcher.Signal("sig-alarm", "alarm-raised")
	catcher.Scope().
		StartEvent("start").
		SignalCatchEvent("await-alarm", "sig-alarm").
		ServiceTask("react", "handle-alarm").
		EndEvent("end").
		Flow("start", "await-alarm").
		Flow("await-alarm", "react").
		Flow("react", "end")
	deployDefinitions(t, engine, catcher.Build())
	watching, err := engine.StartProcessInstanceById(t.Context(), "alarm-watch", "", nil)
	require.NoError(t, err)

	thrower := bpmn20.NewProcessBuilder("alarm-source")
	thrower.Signal("sig-alarm", "alarm-raised")
	thrower.Scope().
		StartEvent("start").
		SignalThrowEvent("raise-alarm", "sig-alarm").
		EndEvent("end").
		Flow("start", "raise-alarm").
		Flow("raise-alarm", "end")
	deployDefinitions(t, engine, thrower.Build())

	// when the thrower runs
	source, err := engine.StartProcessInstanceById(t.Context(), "alarm-source", "", nil)
	require.NoError(t, err)

	// then both instances completed, the catcher through the broadcast
	assert.Equal(t, "react", cp.CallPath)
	assert.Equal(t, runtime.ActivityStateCompleted, source.State)
	stored, err := engine.FindProcessInstance(t.Context(), watching.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
}

func TestEventBasedGatewayFirstEventWithdrawsCompetingWaits(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("claim-outcome", cp.TaskHandler)

	// given a gateway arming one wait per outgoing event
	defs := bpmn20.NewProcessBuilder("claim")
	defs.Message("msg-approve", "claim-approved")
	defs.Message("msg-reject", "claim-rejected")
	defs.Scope().
		StartEvent("start").
		EventBasedGateway("outcome").
		MessageCatchEvent("on-approve", "msg-approve").
		MessageCatchEvent("on-reject", "msg-reject").
		ServiceTask("pay-out", "claim-outcome").
		ServiceTask("close-claim", "claim-outcome").
		EndEvent("end").
		Flow("start", "outcome").
		Flow("outcome", "on-approve").
		Flow("outcome", "on-reject").
		Flow("on-approve", "pay-out").
		Flow("on-reject", "close-claim").
		Flow("pay-out", "end").
		Flow("close-claim", "end")
	deployDefinitions(t, engine, defs.Build())
	instance, err := engine.StartProcessInstanceById(t.Context(), "claim", "", nil)
	require.NoError(t, err)
	subscriptions, err := engine.FindEventSubscriptions(t.Context(),
		storage.EventSubscriptionCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, subscriptions, 2)

	// when one of the armed events fires
	err = engine.CorrelateMessage(t.Context(), "claim-approved", instance.Key, nil)
	assert.NoError(t, err)

	// then the winning path ran and the competing wait is gone
	assert.Equal(t, "pay-out", cp.CallPath)
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
	subscriptions, err = engine.FindEventSubscriptions(t.Context(),
		storage.EventSubscriptionCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	assert.Empty(t, subscriptions)

	// and the losing message no longer correlates
	err = engine.CorrelateMessage(t.Context(), "claim-rejected", instance.Key, nil)
	assert.EqualError(t, err, "no armed subscription for message claim-rejected")
}

// reviewProcess parks a user task with a message boundary event.
func reviewProcess(processId string, interrupting bool) *bpmn20.TDefinitions {
	defs := bpmn20.NewProcessBuilder(processId)
	defs.Message("msg-remind", "review-reminder")
	defs.Scope().
		StartEvent("start").
		UserTask("review", "sam.lee").
		MessageBoundaryEvent("reminded", "review", "msg-remind", interrupting).
		ServiceTask("escalate", "send-reminder").
		EndEvent("end").
		EndEvent("escalation-end").
		Flow("start", "review").
		Flow("review", "end").
		Flow("reminded", "escalate").
		Flow("escalate", "escalation-end")
	return defs.Build()
}

func TestNonInterruptingBoundarySpawnsParallelToken(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("send-reminder", cp.TaskHandler)

	// given
	deployDefinitions(t, engine, reviewProcess("patient-review", false))
	instance, err := engine.StartProcessInstanceById(t.Context(), "patient-review", "", nil)
	require.NoError(t, err)

	// when the boundary message fires
	err = engine.CorrelateMessage(t.Context(), "review-reminder", instance.Key, nil)
	assert.NoError(t, err)

	// then the reminder ran but the user task is still waiting
	assert.Equal(t, "escalate", cp.CallPath)
	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, runtime.JobHandlerUserTask, jobs[0].HandlerType)
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateActive, stored.State)

	// when the user task is completed
	err = engine.CompleteTask(t.Context(), jobs[0].Key, nil)
	assert.NoError(t, err)

	// then
	stored, err = engine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
}

func TestInterruptingBoundaryCancelsTheActivity(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("send-reminder", cp.TaskHandler)

	// given
	deployDefinitions(t, engine, reviewProcess("strict-review", true))
	instance, err := engine.StartProcessInstanceById(t.Context(), "strict-review", "", nil)
	require.NoError(t, err)

	// when the boundary message fires
	err = engine.CorrelateMessage(t.Context(), "review-reminder", instance.Key, nil)
	assert.NoError(t, err)

	// then the user task was withdrawn and the instance finished on the
	// escalation path
	assert.Equal(t, "escalate", cp.CallPath)
	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
}

func TestTriggerResumesWhateverTheExecutionWaitsFor(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	engine.RegisterTaskHandler("confirm-order", func(job ActivatedJob) { job.Complete() })

	// given an instance parked on a message catch event
	deployDefinitions(t, engine, paymentNotificationProcess("poked-payment"))
	instance, err := engine.StartProcessInstanceById(t.Context(), "poked-payment", "", nil)
	require.NoError(t, err)
	subscriptions, err := engine.FindEventSubscriptions(t.Context(),
		storage.EventSubscriptionCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, subscriptions, 1)

	// when the waiting execution is triggered directly
	err = engine.Trigger(t.Context(), subscriptions[0].ExecutionKey, map[string]any{"amount": 7})
	assert.NoError(t, err)

	// then the wait was consumed and the instance finished
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
	assert.Equal(t, 7, stored.Variables["amount"])
}

func TestTriggeringSuspendedInstanceFails(t *testing.T) {
	// setup
	engine := newTestEngine(t)

	// given a suspended instance parked on a message catch event
	deployDefinitions(t, engine, paymentNotificationProcess("frozen-payment"))
	instance, err := engine.StartProcessInstanceById(t.Context(), "frozen-payment", "", nil)
	require.NoError(t, err)
	subscriptions, err := engine.FindEventSubscriptions(t.Context(),
		storage.EventSubscriptionCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, subscriptions, 1)
	require.NoError(t, engine.SuspendProcessInstance(t.Context(), instance.Key))

	// when
	err = engine.Trigger(t.Context(), subscriptions[0].ExecutionKey, nil)

	// then
	var suspended *SuspendedEntityError
	require.ErrorAs(t, err, &suspended)
	assert.Equal(t, "process instance", suspended.Kind)
}
