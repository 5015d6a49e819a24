package bpmn

import (
	"context"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
)

type parallelGatewayBehavior struct {
	engine *Engine
}

// execute joins arriving concurrent tokens and forks on the way out.
// The join fires once every inbound flow delivered its token; arrivals
// are tracked across the whole concurrency tree of the owning scope, so
// tokens forked at different depths still meet at one join.
func (b parallelGatewayBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	if len(node.GetIncomingAssociation()) <= 1 || !execution.IsConcurrent {
		return ec.leaveNode(ctx, execution, node)
	}

	execution.State = runtime.ActivityStateCompleting

	scope, err := b.engine.variableScopeOf(ctx, ec.cc, execution)
	if err != nil {
		return err
	}
	arrivals, err := b.engine.collectJoinArrivals(ctx, ec.cc, scope.Key, node.GetId())
	if err != nil {
		return err
	}
	if len(arrivals) < len(node.GetIncomingAssociation()) {
		return nil
	}

	// this token carries on; the other arrivals are consumed, together
	// with any fork parents that ended up childless
	for _, arrival := range arrivals {
		if arrival.Key == execution.Key {
			continue
		}
		ec.cc.removeExecution(arrival, "joined")
		if err := b.engine.pruneEmptyForkParents(ctx, ec.cc, arrival.ParentKey, scope.Key); err != nil {
			return err
		}
	}
	execution.State = runtime.ActivityStateActive
	return ec.leaveNode(ctx, execution, node)
}

// collectJoinArrivals gathers the concurrent tokens parked at the given
// join below one scope. Nested scopes track their own joins and are not
// descended into.
func (engine *Engine) collectJoinArrivals(ctx context.Context, cc *CommandContext, parentKey int64, joinId string) ([]*runtime.Execution, error) {
	children, err := engine.findChildExecutions(ctx, cc, parentKey)
	if err != nil {
		return nil, err
	}
	var arrivals []*runtime.Execution
	for _, child := range children {
		if child.IsScope {
			continue
		}
		if child.IsConcurrent && child.State == runtime.ActivityStateCompleting && child.ElementId == joinId {
			arrivals = append(arrivals, child)
			continue
		}
		nested, err := engine.collectJoinArrivals(ctx, cc, child.Key, joinId)
		if err != nil {
			return nil, err
		}
		arrivals = append(arrivals, nested...)
	}
	return arrivals, nil
}

// pruneEmptyForkParents removes fork parents a join left childless,
// walking up to but never past the owning scope.
func (engine *Engine) pruneEmptyForkParents(ctx context.Context, cc *CommandContext, parentKey int64, scopeKey int64) error {
	for parentKey != scopeKey {
		parent, err := cc.findExecution(ctx, parentKey)
		if err != nil {
			return err
		}
		if !parent.IsConcurrent || parent.IsScope || parent.State != runtime.ActivityStateCompleting {
			return nil
		}
		children, err := engine.findChildExecutions(ctx, cc, parent.Key)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return nil
		}
		cc.removeExecution(parent, "joined")
		parentKey = parent.ParentKey
	}
	return nil
}

type exclusiveGatewayBehavior struct {
	engine *Engine
}

// execute picks the first outgoing flow whose condition evaluates true,
// falling back to the default flow.
func (b exclusiveGatewayBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	gateway := node.(bpmn20.TExclusiveGateway)
	ec.emitElementEvent(exporter.ElementCompleted, execution, node.GetId())

	variables, err := b.engine.resolveVariables(ctx, ec.cc, execution)
	if err != nil {
		return err
	}
	container := ec.process.GetContainerOf(node.GetId())
	flows := bpmn20.FindSequenceFlows(container.SequenceFlows, node.GetOutgoingAssociation())

	var defaultFlow *bpmn20.TSequenceFlow
	for i := range flows {
		flow := &flows[i]
		if flow.Id == gateway.DefaultFlow {
			defaultFlow = flow
			continue
		}
		if flow.ConditionExpression == "" {
			if gateway.DefaultFlow == "" && len(flows) == 1 {
				ec.enqueueFlow(execution, flow.Id)
				return nil
			}
			continue
		}
		matched, err := b.engine.evaluateBool(flow.ConditionExpression, variables.Variables())
		if err != nil {
			return err
		}
		if matched {
			ec.enqueueFlow(execution, flow.Id)
			return nil
		}
	}
	if defaultFlow != nil {
		ec.enqueueFlow(execution, defaultFlow.Id)
		return nil
	}
	return newEngineErrorf("no sequence flow condition matched at exclusive gateway %s and no default flow is set", node.GetId())
}

type eventBasedGatewayBehavior struct {
	engine *Engine
}

// execute arms one catch per outgoing target and parks the token at the
// gateway; the first event to occur wins and withdraws the others.
func (b eventBasedGatewayBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	container := ec.process.GetContainerOf(node.GetId())
	flows := bpmn20.FindSequenceFlows(container.SequenceFlows, node.GetOutgoingAssociation())
	for _, flow := range flows {
		target := ec.process.GetFlowNodeById(flow.TargetRef)
		catchEvent, ok := target.(bpmn20.TIntermediateCatchEvent)
		if !ok {
			return newEngineErrorf("event-based gateway %s targets %s, which is not an intermediate catch event", node.GetId(), flow.TargetRef)
		}
		if err := b.engine.armCatchEvent(ec, execution, catchEvent); err != nil {
			return err
		}
	}
	return nil
}

// armCatchEvent registers the wait-state artifact for one catch event on
// the given execution: a timer job or an event subscription.
func (engine *Engine) armCatchEvent(ec *executionContext, execution *runtime.Execution, catchEvent bpmn20.TIntermediateCatchEvent) error {
	switch {
	case catchEvent.TimerEventDefinition.TimeDuration != "" || catchEvent.TimerEventDefinition.TimeCycle != "" || catchEvent.TimerEventDefinition.TimeDate != "":
		return engine.createTimerCatch(ec, execution, catchEvent.Id, catchEvent.TimerEventDefinition)
	case catchEvent.MessageEventDefinition.MessageRef != "":
		engine.createEventSubscriptionFor(ec, execution, catchEvent.Id, runtime.EventTypeMessage,
			ec.definition.Definitions.MessageNameById(catchEvent.MessageEventDefinition.MessageRef))
		return nil
	case catchEvent.SignalEventDefinition.SignalRef != "":
		engine.createEventSubscriptionFor(ec, execution, catchEvent.Id, runtime.EventTypeSignal,
			ec.definition.Definitions.SignalNameById(catchEvent.SignalEventDefinition.SignalRef))
		return nil
	default:
		return newEngineErrorf("catch event %s has no supported event definition", catchEvent.Id)
	}
}
