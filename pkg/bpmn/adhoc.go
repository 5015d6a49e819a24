package bpmn

import (
	"context"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
)

type adHocSubProcessBehavior struct {
	engine *Engine
}

// execute parks the entering execution and opens an idle scope. Nothing
// starts by itself: inner activities have no incoming flow and are
// enabled one by one through the engine API.
func (b adHocSubProcessBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	execution.State = runtime.ActivityStateCompleting
	b.engine.createChildExecution(ec.cc, execution, node.GetId(), childExecutionOptions{scope: true})
	return nil
}

// enableAdHocActivity starts one inner activity of an open ad-hoc scope.
// A sequential ad-hoc sub-process tolerates at most one running activity
// at a time.
func (engine *Engine) enableAdHocActivity(ctx context.Context, cc *CommandContext, processInstanceKey int64, adHocId string, activityId string) error {
	scope, adHoc, ec, err := engine.findAdHocScope(ctx, cc, processInstanceKey, adHocId)
	if err != nil {
		return err
	}
	if adHoc.GetFlowNodeById(activityId) == nil {
		return newEngineErrorf("ad-hoc sub process %s contains no activity %s", adHocId, activityId)
	}
	if adHoc.Ordering == bpmn20.AdHocOrderingSequential {
		active, err := engine.countActiveConcurrentChildren(ctx, cc, scope.Key)
		if err != nil {
			return err
		}
		if active > 0 {
			return newEngineErrorf("can only enable one activity in a sequential ad-hoc sub process")
		}
	}
	child := engine.createChildExecution(cc, scope, activityId, childExecutionOptions{concurrent: true})
	ec.enqueueEnter(child, activityId)
	return ec.run(ctx)
}

// completeAdHocSubProcess closes an open ad-hoc scope: running inner
// activities are terminated and the token continues after the sub-process.
func (engine *Engine) completeAdHocSubProcess(ctx context.Context, cc *CommandContext, processInstanceKey int64, adHocId string) error {
	scope, _, ec, err := engine.findAdHocScope(ctx, cc, processInstanceKey, adHocId)
	if err != nil {
		return err
	}
	children, err := engine.findChildExecutions(ctx, cc, scope.Key)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := engine.terminateExecutionTree(ctx, cc, child, "ad-hoc sub process completed"); err != nil {
			return err
		}
	}
	if err := ec.scopeCompleted(ctx, scope, adHocId); err != nil {
		return err
	}
	return ec.run(ctx)
}

func (engine *Engine) findAdHocScope(ctx context.Context, cc *CommandContext, processInstanceKey int64, adHocId string) (*runtime.Execution, *bpmn20.TAdHocSubProcess, *executionContext, error) {
	instance, err := cc.findExecution(ctx, processInstanceKey)
	if err != nil {
		return nil, nil, nil, err
	}
	definition, err := engine.loadDefinition(ctx, cc, instance.ProcessDefinitionKey)
	if err != nil {
		return nil, nil, nil, err
	}
	ec := engine.newExecutionContext(cc, definition)
	node, ok := ec.process.GetFlowNodeById(adHocId).(bpmn20.TAdHocSubProcess)
	if !ok {
		return nil, nil, nil, newEngineErrorf("process %s has no ad-hoc sub process %s", definition.BpmnProcessId, adHocId)
	}
	scope, err := engine.findScopeExecution(ctx, cc, processInstanceKey, adHocId)
	if err != nil {
		return nil, nil, nil, err
	}
	return scope, &node, ec, nil
}

// findScopeExecution locates the open scope execution sitting at the
// given scope element of an instance.
func (engine *Engine) findScopeExecution(ctx context.Context, cc *CommandContext, processInstanceKey int64, elementId string) (*runtime.Execution, error) {
	executions, err := cc.findExecutions(ctx, executionCriteriaFor(processInstanceKey, elementId))
	if err != nil {
		return nil, err
	}
	for _, execution := range executions {
		if execution.IsScope && execution.IsActive() {
			return execution, nil
		}
	}
	return nil, newObjectNotFoundError("scope execution at "+elementId, processInstanceKey)
}

// adHocActivityCompleted evaluates the completion condition after one
// inner activity finished; when it holds, remaining activities are
// terminated and the scope completes.
func (engine *Engine) adHocActivityCompleted(ctx context.Context, ec *executionContext, scope *runtime.Execution, adHoc bpmn20.TAdHocSubProcess) error {
	if adHoc.CompletionCondition == "" {
		return nil
	}
	variables, err := engine.resolveVariables(ctx, ec.cc, scope)
	if err != nil {
		return err
	}
	done, err := engine.evaluateBool(adHoc.CompletionCondition, variables.Variables())
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	children, err := engine.findChildExecutions(ctx, ec.cc, scope.Key)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := engine.terminateExecutionTree(ctx, ec.cc, child, "completion condition met"); err != nil {
			return err
		}
	}
	return ec.scopeCompleted(ctx, scope, adHoc.Id)
}
