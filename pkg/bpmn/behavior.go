package bpmn

import (
	"context"
	"fmt"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
)

// activityBehavior executes one element type. Behaviors run inside the
// executionContext's step loop and push follow-up steps instead of
// recursing.
type activityBehavior interface {
	execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error
}

func newBehaviorRegistry(engine *Engine) map[bpmn20.ElementType]activityBehavior {
	return map[bpmn20.ElementType]activityBehavior{
		bpmn20.ElementTypeStartEvent:             startEventBehavior{engine},
		bpmn20.ElementTypeEndEvent:               endEventBehavior{engine},
		bpmn20.ElementTypeServiceTask:            serviceTaskBehavior{engine},
		bpmn20.ElementTypeUserTask:               userTaskBehavior{engine},
		bpmn20.ElementTypeParallelGateway:        parallelGatewayBehavior{engine},
		bpmn20.ElementTypeExclusiveGateway:       exclusiveGatewayBehavior{engine},
		bpmn20.ElementTypeEventBasedGateway:      eventBasedGatewayBehavior{engine},
		bpmn20.ElementTypeIntermediateCatchEvent: intermediateCatchEventBehavior{engine},
		bpmn20.ElementTypeIntermediateThrowEvent: intermediateThrowEventBehavior{engine},
		bpmn20.ElementTypeBoundaryEvent:          boundaryEventBehavior{engine},
		bpmn20.ElementTypeSubProcess:             subProcessBehavior{engine},
		bpmn20.ElementTypeTransaction:            transactionBehavior{engine},
		bpmn20.ElementTypeAdHocSubProcess:        adHocSubProcessBehavior{engine},
		bpmn20.ElementTypeCallActivity:           callActivityBehavior{engine},
	}
}

type stepKind int

const (
	stepEnterNode stepKind = iota
	stepTakeFlow
)

type step struct {
	kind         stepKind
	executionKey int64
	// elementId names the node to enter or the sequence flow to take.
	elementId string
}

// executionContext drives one process instance inside one unit of work.
// Behaviors append steps; the loop in run consumes them FIFO until the
// instance reaches a wait state or finishes.
type executionContext struct {
	engine     *Engine
	cc         *CommandContext
	definition *runtime.ProcessDefinition
	process    *bpmn20.TProcess
	steps      []step
}

func (engine *Engine) newExecutionContext(cc *CommandContext, definition *runtime.ProcessDefinition) *executionContext {
	return &executionContext{
		engine:     engine,
		cc:         cc,
		definition: definition,
		process:    &definition.Definitions.Process,
	}
}

func (ec *executionContext) enqueueEnter(execution *runtime.Execution, nodeId string) {
	ec.steps = append(ec.steps, step{kind: stepEnterNode, executionKey: execution.Key, elementId: nodeId})
}

func (ec *executionContext) enqueueFlow(execution *runtime.Execution, flowId string) {
	ec.steps = append(ec.steps, step{kind: stepTakeFlow, executionKey: execution.Key, elementId: flowId})
}

// run consumes queued steps until none remain. Steps addressing an
// execution that a join or a cancellation removed in the meantime are
// dropped.
func (ec *executionContext) run(ctx context.Context) error {
	for len(ec.steps) > 0 {
		next := ec.steps[0]
		ec.steps = ec.steps[1:]
		if _, removed := ec.cc.executionsDel[next.executionKey]; removed {
			continue
		}
		execution, err := ec.cc.findExecution(ctx, next.executionKey)
		if err != nil {
			return err
		}
		switch next.kind {
		case stepEnterNode:
			err = ec.enterNode(ctx, execution, next.elementId)
		case stepTakeFlow:
			err = ec.takeFlow(ctx, execution, next.elementId)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (ec *executionContext) enterNode(ctx context.Context, execution *runtime.Execution, nodeId string) error {
	node := ec.process.GetFlowNodeById(nodeId)
	if node == nil {
		return newEngineErrorf("process %s has no flow node %s", ec.definition.BpmnProcessId, nodeId)
	}
	execution.ElementId = nodeId
	execution.State = runtime.ActivityStateActive
	ec.emitElementEvent(exporter.ElementActivated, execution, nodeId)
	behavior := ec.behaviorFor(execution, node)
	return behavior.execute(ctx, ec, execution, node)
}

// behaviorFor wraps multi-instance activities unless the execution is
// already one loop instance.
func (ec *executionContext) behaviorFor(execution *runtime.Execution, node bpmn20.FlowNode) activityBehavior {
	if activity, ok := node.(bpmn20.ActivityElement); ok && activity.IsMultiInstance() {
		if !isLoopInstance(execution) {
			return multiInstanceBehavior{ec.engine}
		}
	}
	return ec.engine.behaviors[node.GetType()]
}

func isLoopInstance(execution *runtime.Execution) bool {
	return execution.GetVariable(varLoopCounter) != nil
}

func (ec *executionContext) takeFlow(ctx context.Context, execution *runtime.Execution, flowId string) error {
	flow := findSequenceFlowById(&ec.process.FlowElementsContainer, flowId)
	if flow == nil {
		return newEngineErrorf("process %s has no sequence flow %s", ec.definition.BpmnProcessId, flowId)
	}
	ec.cc.QueueEvent(exporter.Event{
		Type:                 exporter.SequenceFlowTaken,
		ExecutionKey:         execution.Key,
		ProcessInstanceKey:   execution.ProcessInstanceKey,
		ProcessDefinitionKey: execution.ProcessDefinitionKey,
		ElementId:            flow.Id,
	})
	ec.enqueueEnter(execution, flow.TargetRef)
	return nil
}

// leaveNode completes a node and routes the token onward: a single
// outgoing flow moves the execution, several fork it, none ends it.
func (ec *executionContext) leaveNode(ctx context.Context, execution *runtime.Execution, node bpmn20.FlowNode) error {
	if activity, ok := node.(bpmn20.ActivityElement); ok && activity.IsMultiInstance() && isLoopInstance(execution) {
		// one loop instance of a task-shaped multi-instance activity
		// finished; the loop bookkeeping routes onward, not the
		// activity's own outgoing flow
		ec.emitElementEvent(exporter.ElementCompleted, execution, node.GetId())
		wrapper, err := ec.cc.findExecution(ctx, execution.ParentKey)
		if err != nil {
			return err
		}
		if err := ec.engine.dropExecutionAttachments(ctx, ec.cc, execution.Key); err != nil {
			return err
		}
		ec.cc.removeExecution(execution, "instance completed")
		return ec.engine.loopInstanceCompleted(ctx, ec, execution, wrapper, node, false)
	}
	if err := ec.registerCompensationIfHandled(ctx, execution, node); err != nil {
		return err
	}
	ec.emitElementEvent(exporter.ElementCompleted, execution, node.GetId())
	container := ec.process.GetContainerOf(node.GetId())
	flows := bpmn20.FindSequenceFlows(container.SequenceFlows, node.GetOutgoingAssociation())
	return ec.leaveVia(ctx, execution, node, flows)
}

func (ec *executionContext) leaveVia(ctx context.Context, execution *runtime.Execution, node bpmn20.FlowNode, flows []bpmn20.TSequenceFlow) error {
	switch len(flows) {
	case 0:
		return ec.tokenEnded(ctx, execution, node)
	case 1:
		ec.enqueueFlow(execution, flows[0].Id)
		return nil
	default:
		ec.createConcurrentExecutions(execution, node, flows)
		return nil
	}
}

// createConcurrentExecutions forks: the forking execution becomes an
// inactive parent parked at the fork node and each flow gets its own
// concurrent child.
func (ec *executionContext) createConcurrentExecutions(execution *runtime.Execution, node bpmn20.FlowNode, flows []bpmn20.TSequenceFlow) {
	execution.State = runtime.ActivityStateCompleting
	for _, flow := range flows {
		child := ec.engine.createChildExecution(ec.cc, execution, node.GetId(), childExecutionOptions{concurrent: true})
		ec.enqueueFlow(child, flow.Id)
	}
}

// tokenEnded handles a token that has no way forward: branch ends,
// scope completions and instance completion.
func (ec *executionContext) tokenEnded(ctx context.Context, execution *runtime.Execution, node bpmn20.FlowNode) error {
	if execution.IsConcurrent {
		ec.cc.removeExecution(execution, "finished")
		parent, err := ec.cc.findExecution(ctx, execution.ParentKey)
		if err != nil {
			return err
		}
		if parent.IsScope {
			if adHoc, ok := ec.process.GetFlowNodeById(parent.ElementId).(bpmn20.TAdHocSubProcess); ok {
				return ec.engine.adHocActivityCompleted(ctx, ec, parent, adHoc)
			}
		}
		remaining, err := ec.liveConcurrentChildren(ctx, parent.Key)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		if parent.State == runtime.ActivityStateActive {
			// the parent still holds its own live token, e.g. an activity
			// that spawned a non-interrupting boundary token
			return nil
		}
		return ec.tokenEnded(ctx, parent, node)
	}

	if execution.State == runtime.ActivityStateCompensating {
		// compensation handlers spawned by a throw event all returned;
		// a compensating transaction scope falls through to scope
		// completion instead
		if current, ok := ec.process.GetFlowNodeById(execution.ElementId).(bpmn20.TIntermediateThrowEvent); ok {
			execution.State = runtime.ActivityStateActive
			return ec.leaveNode(ctx, execution, current)
		}
	}

	if execution.IsProcessInstance() {
		return ec.completeProcessInstance(ctx, execution)
	}

	scopeId := ec.process.ScopeIdOf(node.GetId())
	if scopeId == "" {
		scopeId = ec.process.ScopeIdOf(execution.ElementId)
	}
	if scopeId == "" {
		return newEngineErrorf("execution %d ended outside any scope at element %s", execution.Key, node.GetId())
	}
	return ec.scopeCompleted(ctx, execution, scopeId)
}

func (ec *executionContext) liveConcurrentChildren(ctx context.Context, parentKey int64) (int, error) {
	children, err := ec.engine.findChildExecutions(ctx, ec.cc, parentKey)
	if err != nil {
		return 0, err
	}
	live := 0
	for _, child := range children {
		if child.State == runtime.ActivityStateActive || child.State == runtime.ActivityStateCompleting {
			live++
		}
	}
	return live, nil
}

// scopeCompleted finishes the scope execution of the embedded scope with
// the given id and resumes the waiting parent after the scope node.
func (ec *executionContext) scopeCompleted(ctx context.Context, scope *runtime.Execution, scopeId string) error {
	scopeNode := ec.process.GetFlowNodeById(scopeId)
	if scopeNode == nil {
		return newEngineErrorf("process %s has no scope %s", ec.definition.BpmnProcessId, scopeId)
	}
	cancelled := scope.State == runtime.ActivityStateCompensating

	parent, err := ec.cc.findExecution(ctx, scope.ParentKey)
	if err != nil {
		return err
	}
	if err := ec.engine.dropExecutionAttachments(ctx, ec.cc, scope.Key); err != nil {
		return err
	}
	if cancelled {
		ec.cc.removeExecution(scope, "cancelled")
	} else {
		ec.cc.removeExecution(scope, "scope completed")
	}

	if isLoopInstance(scope) {
		return ec.engine.loopInstanceCompleted(ctx, ec, scope, parent, scopeNode, cancelled)
	}

	parent.State = runtime.ActivityStateActive
	parent.ElementId = scopeId
	if cancelled {
		if activity, ok := scopeNode.(bpmn20.ActivityElement); ok && activity.IsMultiInstance() && isLoopInstance(parent) {
			// a cancelled instance of a multi-instance transaction counts
			// as a completed one; the cancel boundary belongs to the loop
			// as a whole, not to single instances
			wrapper, err := ec.cc.findExecution(ctx, parent.ParentKey)
			if err != nil {
				return err
			}
			if err := ec.engine.dropExecutionAttachments(ctx, ec.cc, parent.Key); err != nil {
				return err
			}
			ec.cc.removeExecution(parent, "instance cancelled")
			return ec.engine.loopInstanceCompleted(ctx, ec, parent, wrapper, scopeNode, true)
		}
		return ec.takeCancelBoundaryFlow(ctx, parent, scopeId)
	}
	return ec.leaveNode(ctx, parent, scopeNode)
}

// takeCancelBoundaryFlow routes a cancelled transaction through its
// cancel boundary event.
func (ec *executionContext) takeCancelBoundaryFlow(ctx context.Context, execution *runtime.Execution, scopeId string) error {
	for _, be := range ec.process.FindBoundaryEventsFor(scopeId) {
		if be.IsCancelBoundary() {
			ec.enqueueEnter(execution, be.Id)
			return nil
		}
	}
	return newEngineErrorf("transaction %s was cancelled but has no cancel boundary event", scopeId)
}

func (ec *executionContext) completeProcessInstance(ctx context.Context, instance *runtime.Execution) error {
	instance.State = runtime.ActivityStateCompleted
	ec.cc.QueueEvent(exporter.Event{
		Type:                 exporter.ProcessInstanceCompleted,
		Key:                  instance.Key,
		ProcessInstanceKey:   instance.Key,
		ProcessDefinitionKey: instance.ProcessDefinitionKey,
	})
	if err := ec.engine.cleanupProcessInstance(ctx, ec.cc, instance.Key); err != nil {
		return err
	}
	return ec.engine.resumeCallingInstance(ctx, ec.cc, instance)
}

func callActivityResumeEvent(calledInstanceKey int64) string {
	return fmt.Sprintf("call-activity-resume:%d", calledInstanceKey)
}

// resumeCallingInstance continues a parent instance waiting at a call
// activity once the called instance finished; variables of the finished
// instance propagate into the caller's scope.
func (engine *Engine) resumeCallingInstance(ctx context.Context, cc *CommandContext, called *runtime.Execution) error {
	subscriptions, err := cc.findSubscriptions(ctx, storageEventCriteria(runtime.EventTypeMessage, callActivityResumeEvent(called.Key)))
	if err != nil {
		return err
	}
	if len(subscriptions) == 0 {
		return nil
	}
	subscription := subscriptions[0]
	cc.removeSubscription(subscription)
	waiting, err := cc.findExecution(ctx, subscription.ExecutionKey)
	if err != nil {
		return err
	}
	definition, err := engine.loadDefinition(ctx, cc, waiting.ProcessDefinitionKey)
	if err != nil {
		return err
	}
	callerEc := engine.newExecutionContext(cc, definition)
	if err := engine.setVariables(ctx, cc, waiting, called.Variables); err != nil {
		return err
	}
	waiting.State = runtime.ActivityStateActive
	node := callerEc.process.GetFlowNodeById(subscription.ElementId)
	if node == nil {
		return newEngineErrorf("process %s has no flow node %s", definition.BpmnProcessId, subscription.ElementId)
	}
	if err := callerEc.leaveNode(ctx, waiting, node); err != nil {
		return err
	}
	return callerEc.run(ctx)
}

// registerCompensationIfHandled records, on the nearest enclosing scope,
// that a completed activity can be undone by its compensation handler.
func (ec *executionContext) registerCompensationIfHandled(ctx context.Context, execution *runtime.Execution, node bpmn20.FlowNode) error {
	if _, ok := node.(bpmn20.ActivityElement); !ok {
		return nil
	}
	handlerId := ec.process.FindCompensationHandlerId(node.GetId())
	if handlerId == "" {
		return nil
	}
	scope, err := ec.engine.variableScopeOf(ctx, ec.cc, execution)
	if err != nil {
		return err
	}
	ec.cc.addSubscription(&runtime.EventSubscription{
		Key:                  ec.engine.generateKey(),
		EventType:            runtime.EventTypeCompensate,
		EventName:            node.GetId(),
		ExecutionKey:         scope.Key,
		ProcessInstanceKey:   execution.ProcessInstanceKey,
		ProcessDefinitionKey: execution.ProcessDefinitionKey,
		ElementId:            handlerId,
		TenantId:             execution.TenantId,
		CreatedAt:            ec.engine.clock.Now(),
	})
	return nil
}

func (ec *executionContext) emitElementEvent(eventType exporter.EventType, execution *runtime.Execution, elementId string) {
	ec.cc.QueueEvent(exporter.Event{
		Type:                 eventType,
		ExecutionKey:         execution.Key,
		ProcessInstanceKey:   execution.ProcessInstanceKey,
		ProcessDefinitionKey: execution.ProcessDefinitionKey,
		ElementId:            elementId,
	})
}

// findSequenceFlowById searches this container and every nested scope.
func findSequenceFlowById(container *bpmn20.FlowElementsContainer, id string) *bpmn20.TSequenceFlow {
	for i := range container.SequenceFlows {
		if container.SequenceFlows[i].Id == id {
			return &container.SequenceFlows[i]
		}
	}
	for i := range container.SubProcesses {
		if flow := findSequenceFlowById(&container.SubProcesses[i].FlowElementsContainer, id); flow != nil {
			return flow
		}
	}
	for i := range container.Transactions {
		if flow := findSequenceFlowById(&container.Transactions[i].FlowElementsContainer, id); flow != nil {
			return flow
		}
	}
	for i := range container.AdHocSubProcesses {
		if flow := findSequenceFlowById(&container.AdHocSubProcesses[i].FlowElementsContainer, id); flow != nil {
			return flow
		}
	}
	return nil
}
