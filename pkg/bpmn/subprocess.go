package bpmn

import (
	"context"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
)

type subProcessBehavior struct {
	engine *Engine
}

func (b subProcessBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	sub := node.(bpmn20.TSubProcess)
	return b.engine.enterScope(ec, execution, &sub.FlowElementsContainer, node)
}

// enterScope parks the entering execution at the scope node and starts a
// fresh scope execution at the scope's none start event.
func (engine *Engine) enterScope(ec *executionContext, execution *runtime.Execution, container *bpmn20.FlowElementsContainer, node bpmn20.FlowNode) error {
	start := findNoneStartEvent(container)
	if start == nil {
		return newEngineErrorf("scope %s has no none start event", node.GetId())
	}
	execution.State = runtime.ActivityStateCompleting
	scope := engine.createChildExecution(ec.cc, execution, node.GetId(), childExecutionOptions{scope: true})
	ec.enqueueEnter(scope, start.Id)
	return nil
}

// findNoneStartEvent returns the start event without any event
// definition, the only kind valid inside an embedded scope.
func findNoneStartEvent(container *bpmn20.FlowElementsContainer) *bpmn20.TStartEvent {
	for i := range container.StartEvents {
		se := &container.StartEvents[i]
		if se.TimerEventDefinition.Id == "" && se.MessageEventDefinition.Id == "" {
			return se
		}
	}
	return nil
}

type callActivityBehavior struct {
	engine *Engine
}

// execute starts the latest definition of the called process as a child
// instance. The parent waits at the call activity until the child
// instance completes; variables propagate both ways through the child
// instance's business key linkage.
func (b callActivityBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	call := node.(bpmn20.TCallActivity)
	if call.CalledElement == "" {
		return newEngineErrorf("call activity %s names no called element", node.GetId())
	}
	variables, err := b.engine.resolveVariables(ctx, ec.cc, execution)
	if err != nil {
		return err
	}
	execution.State = runtime.ActivityStateCompleting
	child, err := b.engine.startInstanceById(ctx, ec.cc, call.CalledElement, "", variables.Variables())
	if err != nil {
		return err
	}
	if child.State == runtime.ActivityStateCompleted {
		if err := b.engine.setVariables(ctx, ec.cc, execution, child.Variables); err != nil {
			return err
		}
		execution.State = runtime.ActivityStateActive
		return ec.leaveNode(ctx, execution, node)
	}
	// the child hit a wait state; link it back so its completion resumes
	// this execution
	ec.cc.addSubscription(&runtime.EventSubscription{
		Key:                  b.engine.generateKey(),
		EventType:            runtime.EventTypeMessage,
		EventName:            callActivityResumeEvent(child.Key),
		ExecutionKey:         execution.Key,
		ProcessInstanceKey:   execution.ProcessInstanceKey,
		ProcessDefinitionKey: execution.ProcessDefinitionKey,
		ElementId:            node.GetId(),
		TenantId:             execution.TenantId,
		CreatedAt:            b.engine.clock.Now(),
	})
	return nil
}
