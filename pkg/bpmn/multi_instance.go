package bpmn

import (
	"context"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
)

// Loop bookkeeping variable names, following the usual BPMN engine
// convention so completion conditions can refer to them.
const (
	varLoopCounter          = "loopCounter"
	varNrOfInstances        = "nrOfInstances"
	varNrOfCompleted        = "nrOfCompletedInstances"
	varLoopCollection       = "__loopCollection"
	varLoopSequential       = "__loopSequential"
	varLoopNextIndex        = "__loopNextIndex"
	defaultLoopInputElement = "item"
)

type multiInstanceBehavior struct {
	engine *Engine
}

// execute fans an activity out over its input collection. The entering
// execution parks at the activity and each element of the collection
// runs in its own scope execution carrying loopCounter and the input
// element; sequential mode runs them one by one.
func (b multiInstanceBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	activity := node.(bpmn20.ActivityElement)
	loop := activity.GetLoopCharacteristics()

	variables, err := b.engine.resolveVariables(ctx, ec.cc, execution)
	if err != nil {
		return err
	}
	value, err := b.engine.evaluateExpression(loop.InputCollection, variables.Variables())
	if err != nil {
		return err
	}
	collection, err := asCollection(value)
	if err != nil {
		return newEngineErrorf("input collection of %s: %s", node.GetId(), err)
	}
	if len(collection) == 0 {
		return ec.leaveNode(ctx, execution, node)
	}

	execution.State = runtime.ActivityStateCompleting
	execution.SetVariable(varNrOfInstances, len(collection))
	execution.SetVariable(varNrOfCompleted, 0)
	execution.SetVariable(varLoopSequential, loop.IsSequential)
	if loop.IsSequential {
		execution.SetVariable(varLoopCollection, collection)
		execution.SetVariable(varLoopNextIndex, 1)
		b.engine.createLoopInstance(ec, execution, node, loop, collection[0], 0)
		return nil
	}
	for index, item := range collection {
		b.engine.createLoopInstance(ec, execution, node, loop, item, index)
	}
	return nil
}

func (engine *Engine) createLoopInstance(ec *executionContext, wrapper *runtime.Execution, node bpmn20.FlowNode, loop bpmn20.TMultiInstanceLoopCharacteristics, item any, index int) {
	inputElement := loop.InputElement
	if inputElement == "" {
		inputElement = defaultLoopInputElement
	}
	instance := engine.createChildExecution(ec.cc, wrapper, node.GetId(), childExecutionOptions{
		concurrent: true,
		scope:      true,
		variables: map[string]any{
			varLoopCounter: index,
			inputElement:   item,
		},
	})
	ec.enqueueEnter(instance, node.GetId())
}

// loopInstanceCompleted runs the loop bookkeeping after one instance
// finished, whether it completed or was cancelled. A satisfied
// completion condition terminates the remaining instances.
func (engine *Engine) loopInstanceCompleted(ctx context.Context, ec *executionContext, instance *runtime.Execution, wrapper *runtime.Execution, node bpmn20.FlowNode, cancelled bool) error {
	activity, ok := node.(bpmn20.ActivityElement)
	if !ok {
		return newEngineErrorf("element %s is not an activity", node.GetId())
	}
	loop := activity.GetLoopCharacteristics()

	completed := asInt(wrapper.GetVariable(varNrOfCompleted)) + 1
	wrapper.SetVariable(varNrOfCompleted, completed)
	total := asInt(wrapper.GetVariable(varNrOfInstances))

	if loop.CompletionCondition != "" {
		variables, err := engine.resolveVariables(ctx, ec.cc, wrapper)
		if err != nil {
			return err
		}
		merged := variables.Variables()
		for k, v := range instance.Variables {
			merged[k] = v
		}
		merged[varNrOfInstances] = total
		merged[varNrOfCompleted] = completed
		done, err := engine.evaluateBool(loop.CompletionCondition, merged)
		if err != nil {
			return err
		}
		if done {
			children, err := engine.findChildExecutions(ctx, ec.cc, wrapper.Key)
			if err != nil {
				return err
			}
			for _, child := range children {
				if err := engine.terminateExecutionTree(ctx, ec.cc, child, "completion condition met"); err != nil {
					return err
				}
			}
			return engine.finishLoop(ctx, ec, wrapper, node)
		}
	}

	if asBool(wrapper.GetVariable(varLoopSequential)) {
		next := asInt(wrapper.GetVariable(varLoopNextIndex))
		collection, err := asCollection(wrapper.GetVariable(varLoopCollection))
		if err != nil {
			return err
		}
		if next < len(collection) {
			wrapper.SetVariable(varLoopNextIndex, next+1)
			engine.createLoopInstance(ec, wrapper, node, loop, collection[next], next)
			return nil
		}
		return engine.finishLoop(ctx, ec, wrapper, node)
	}

	remaining, err := ec.liveConcurrentChildren(ctx, wrapper.Key)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return engine.finishLoop(ctx, ec, wrapper, node)
}

func (engine *Engine) finishLoop(ctx context.Context, ec *executionContext, wrapper *runtime.Execution, node bpmn20.FlowNode) error {
	delete(wrapper.Variables, varLoopCollection)
	delete(wrapper.Variables, varLoopSequential)
	delete(wrapper.Variables, varLoopNextIndex)
	wrapper.State = runtime.ActivityStateActive
	return ec.leaveNode(ctx, wrapper, node)
}

func asCollection(value any) ([]any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case []string:
		res := make([]any, len(v))
		for i := range v {
			res[i] = v[i]
		}
		return res, nil
	case []int:
		res := make([]any, len(v))
		for i := range v {
			res[i] = v[i]
		}
		return res, nil
	default:
		return nil, newEngineErrorf("value %v is not a collection", value)
	}
}

func asInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func asBool(value any) bool {
	b, ok := value.(bool)
	return ok && b
}
