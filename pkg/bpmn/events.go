package bpmn

import (
	"context"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

func storageEventCriteria(eventType runtime.EventType, eventName string) storage.EventSubscriptionCriteria {
	return storage.EventSubscriptionCriteria{EventType: eventType, EventName: eventName}
}

type startEventBehavior struct {
	engine *Engine
}

func (b startEventBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	return ec.leaveNode(ctx, execution, node)
}

type endEventBehavior struct {
	engine *Engine
}

// execute ends the token; a cancel end event inside a transaction
// switches the whole scope onto the compensation path instead.
func (b endEventBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	endEvent := node.(bpmn20.TEndEvent)
	if endEvent.IsCancelEnd() {
		return b.engine.cancelTransaction(ctx, ec, execution, endEvent)
	}
	return ec.leaveNode(ctx, execution, node)
}

type intermediateCatchEventBehavior struct {
	engine *Engine
}

// execute arms the catch and parks the token; the trigger side resumes
// it through continueAsCatchEvent.
func (b intermediateCatchEventBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	return b.engine.armCatchEvent(ec, execution, node.(bpmn20.TIntermediateCatchEvent))
}

type intermediateThrowEventBehavior struct {
	engine *Engine
}

func (b intermediateThrowEventBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	throwEvent := node.(bpmn20.TIntermediateThrowEvent)
	if throwEvent.CompensateEventDefinition.Id != "" {
		return b.engine.throwCompensation(ctx, ec, execution, throwEvent)
	}
	if throwEvent.SignalEventDefinition.SignalRef != "" {
		signalName := ec.definition.Definitions.SignalNameById(throwEvent.SignalEventDefinition.SignalRef)
		variables, err := b.engine.resolveVariables(ctx, ec.cc, execution)
		if err != nil {
			return err
		}
		if err := b.engine.broadcastSignal(ctx, ec.cc, signalName, variables.Variables()); err != nil {
			return err
		}
	}
	return ec.leaveNode(ctx, execution, node)
}

type boundaryEventBehavior struct {
	engine *Engine
}

// execute only runs when a token was routed onto the boundary node by a
// trigger or a cancelled transaction; it just moves on.
func (b boundaryEventBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	return ec.leaveNode(ctx, execution, node)
}

// createEventSubscriptionFor registers a message or signal wait on the
// given execution.
func (engine *Engine) createEventSubscriptionFor(ec *executionContext, execution *runtime.Execution, elementId string, eventType runtime.EventType, eventName string) {
	ec.cc.addSubscription(&runtime.EventSubscription{
		Key:                  engine.generateKey(),
		EventType:            eventType,
		EventName:            eventName,
		ExecutionKey:         execution.Key,
		ProcessInstanceKey:   execution.ProcessInstanceKey,
		ProcessDefinitionKey: execution.ProcessDefinitionKey,
		ElementId:            elementId,
		TenantId:             execution.TenantId,
		CreatedAt:            engine.clock.Now(),
	})
}

// triggerSubscription consumes one armed subscription: the waiting
// execution's competing waits are withdrawn, variables land in its
// scope and the token continues from the event node.
func (engine *Engine) triggerSubscription(ctx context.Context, cc *CommandContext, subscription *runtime.EventSubscription, variables map[string]any) error {
	execution, err := cc.findExecution(ctx, subscription.ExecutionKey)
	if err != nil {
		return err
	}
	if execution.Suspended {
		return &SuspendedEntityError{Kind: "process instance", Key: execution.ProcessInstanceKey}
	}
	definition, err := engine.loadDefinition(ctx, cc, execution.ProcessDefinitionKey)
	if err != nil {
		return err
	}
	ec := engine.newExecutionContext(cc, definition)
	if err := engine.continueAsCatchEvent(ctx, ec, execution, subscription.ElementId, variables); err != nil {
		return err
	}
	return ec.run(ctx)
}

// continueAsCatchEvent resumes a waiting execution at the event node
// that fired. Boundary events route onto the boundary node, everything
// else (plain catch events and event-based gateway targets) moves the
// execution there; either way the competing waits of the execution are
// dropped first for interrupting semantics.
func (engine *Engine) continueAsCatchEvent(ctx context.Context, ec *executionContext, execution *runtime.Execution, elementId string, variables map[string]any) error {
	node := ec.process.GetFlowNodeById(elementId)
	if node == nil {
		return newEngineErrorf("process %s has no flow node %s", ec.definition.BpmnProcessId, elementId)
	}
	if err := engine.setVariables(ctx, ec.cc, execution, variables); err != nil {
		return err
	}

	if boundary, ok := node.(bpmn20.TBoundaryEvent); ok && !boundary.CancelActivity {
		// non-interrupting boundary: spawn a parallel token, the activity
		// keeps waiting
		child := engine.createChildExecution(ec.cc, execution, boundary.Id, childExecutionOptions{concurrent: true})
		ec.enqueueEnter(child, boundary.Id)
		return nil
	}

	if err := engine.dropExecutionAttachments(ctx, ec.cc, execution.Key); err != nil {
		return err
	}
	execution.ElementId = elementId
	execution.State = runtime.ActivityStateActive
	if _, ok := node.(bpmn20.TBoundaryEvent); ok {
		// interrupting boundary: the activity's token moves onto the
		// boundary node, whose behavior then routes it onward
		ec.enqueueEnter(execution, elementId)
		return nil
	}
	// a triggered catch event is done waiting; leave it rather than
	// re-entering, which would re-arm the wait
	return ec.leaveNode(ctx, execution, node)
}

// broadcastSignal delivers a signal to every armed signal subscription
// with that name, across process instances.
func (engine *Engine) broadcastSignal(ctx context.Context, cc *CommandContext, signalName string, variables map[string]any) error {
	subscriptions, err := cc.findSubscriptions(ctx, storageEventCriteria(runtime.EventTypeSignal, signalName))
	if err != nil {
		return err
	}
	for _, subscription := range subscriptions {
		cc.removeSubscription(subscription)
		if err := engine.triggerSubscription(ctx, cc, subscription, variables); err != nil {
			return err
		}
	}
	return nil
}

// correlateMessage delivers a message to exactly one armed message
// subscription, scoped to a process instance when a key is given.
func (engine *Engine) correlateMessage(ctx context.Context, cc *CommandContext, messageName string, processInstanceKey int64, variables map[string]any) error {
	criteria := storageEventCriteria(runtime.EventTypeMessage, messageName)
	criteria.ProcessInstanceKey = processInstanceKey
	subscriptions, err := cc.findSubscriptions(ctx, criteria)
	if err != nil {
		return err
	}
	if len(subscriptions) == 0 {
		return newEngineErrorf("no armed subscription for message %s", messageName)
	}
	subscription := subscriptions[0]
	cc.removeSubscription(subscription)
	return engine.triggerSubscription(ctx, cc, subscription, variables)
}

func (engine *Engine) queueTimerFired(cc *CommandContext, timer *runtime.TimerJob, elementId string) {
	cc.QueueEvent(exporter.Event{
		Type:                 exporter.TimerFired,
		Key:                  timer.Key,
		ExecutionKey:         timer.ExecutionKey,
		ProcessInstanceKey:   timer.ProcessInstanceKey,
		ProcessDefinitionKey: timer.ProcessDefinitionKey,
		ElementId:            elementId,
	})
}
