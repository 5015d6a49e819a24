package bpmn

import (
	"context"
	"sort"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

type transactionBehavior struct {
	engine *Engine
}

// execute enters the transaction like a plain embedded scope; cancel
// semantics only kick in when a cancel end event is reached inside.
func (b transactionBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	tx := node.(bpmn20.TTransaction)
	return b.engine.enterScope(ec, execution, &tx.FlowElementsContainer, node)
}

// cancelTransaction handles a cancel end event: every other token in the
// transaction scope is terminated, the completed activities of the scope
// are compensated in reverse completion order, and once the handlers
// return the token continues through the cancel boundary event.
func (engine *Engine) cancelTransaction(ctx context.Context, ec *executionContext, execution *runtime.Execution, endEvent bpmn20.TEndEvent) error {
	scopeId := ec.process.ScopeIdOf(endEvent.Id)
	if scopeId == "" {
		return newEngineErrorf("cancel end event %s sits outside any transaction", endEvent.Id)
	}
	if _, ok := ec.process.GetFlowNodeById(scopeId).(bpmn20.TTransaction); !ok {
		return newEngineErrorf("cancel end event %s sits in %s, which is not a transaction", endEvent.Id, scopeId)
	}
	ec.emitElementEvent(exporter.ElementCompleted, execution, endEvent.Id)

	scope, err := engine.variableScopeOf(ctx, ec.cc, execution)
	if err != nil {
		return err
	}
	children, err := engine.findChildExecutions(ctx, ec.cc, scope.Key)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := engine.terminateExecutionTree(ctx, ec.cc, child, "transaction cancelled"); err != nil {
			return err
		}
	}

	scope.State = runtime.ActivityStateCompensating
	spawned, err := engine.compensateScope(ctx, ec, scope, scope.Key, "")
	if err != nil {
		return err
	}
	if spawned == 0 {
		return ec.scopeCompleted(ctx, scope, scopeId)
	}
	return nil
}

// throwCompensation handles an intermediate compensate throw event: the
// completed activities of the surrounding scope run their handlers, then
// the throwing token continues.
func (engine *Engine) throwCompensation(ctx context.Context, ec *executionContext, execution *runtime.Execution, throwEvent bpmn20.TIntermediateThrowEvent) error {
	scope, err := engine.variableScopeOf(ctx, ec.cc, execution)
	if err != nil {
		return err
	}
	spawned, err := engine.compensateScope(ctx, ec, execution, scope.Key, throwEvent.CompensateEventDefinition.ActivityRef)
	if err != nil {
		return err
	}
	if spawned == 0 {
		return ec.leaveNode(ctx, execution, throwEvent)
	}
	execution.State = runtime.ActivityStateCompensating
	return nil
}

// compensateScope consumes the compensate subscriptions registered on
// one scope execution and spawns a handler token per undone activity, as
// concurrent children of owner. Subscriptions of nested or sibling
// scopes are untouched; compensation never crosses a scope boundary.
func (engine *Engine) compensateScope(ctx context.Context, ec *executionContext, owner *runtime.Execution, scopeExecutionKey int64, activityRef string) (int, error) {
	subscriptions, err := ec.cc.findSubscriptions(ctx, storage.EventSubscriptionCriteria{
		EventType:    runtime.EventTypeCompensate,
		ExecutionKey: scopeExecutionKey,
	})
	if err != nil {
		return 0, err
	}
	// reverse completion order; keys are monotonic
	sort.Slice(subscriptions, func(i, j int) bool {
		return subscriptions[i].Key > subscriptions[j].Key
	})
	spawned := 0
	for _, subscription := range subscriptions {
		if activityRef != "" && subscription.EventName != activityRef {
			continue
		}
		ec.cc.removeSubscription(subscription)
		ec.cc.QueueEvent(exporter.Event{
			Type:                 exporter.CompensationTriggered,
			Key:                  subscription.Key,
			ExecutionKey:         owner.Key,
			ProcessInstanceKey:   owner.ProcessInstanceKey,
			ProcessDefinitionKey: owner.ProcessDefinitionKey,
			ElementId:            subscription.EventName,
		})
		handler := engine.createChildExecution(ec.cc, owner, subscription.ElementId, childExecutionOptions{concurrent: true})
		ec.enqueueEnter(handler, subscription.ElementId)
		spawned++
	}
	return spawned, nil
}
