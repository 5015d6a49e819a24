package bpmn

import (
	"context"

	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

// createProcessInstance creates the root execution of a new instance.
// The root is a scope and stays in storage after completion.
func (engine *Engine) createProcessInstance(cc *CommandContext, definition *runtime.ProcessDefinition, businessKey string, variables map[string]any) *runtime.Execution {
	key := engine.generateKey()
	if variables == nil {
		variables = map[string]any{}
	}
	instance := &runtime.Execution{
		Key:                  key,
		ProcessInstanceKey:   key,
		ProcessDefinitionKey: definition.Key,
		BusinessKey:          businessKey,
		State:                runtime.ActivityStateActive,
		IsScope:              true,
		TenantId:             definition.TenantId,
		Variables:            variables,
		CreatedAt:            engine.clock.Now(),
	}
	cc.addExecution(instance)
	return instance
}

type childExecutionOptions struct {
	concurrent bool
	scope      bool
	variables  map[string]any
}

func (engine *Engine) createChildExecution(cc *CommandContext, parent *runtime.Execution, elementId string, opts childExecutionOptions) *runtime.Execution {
	child := &runtime.Execution{
		Key:                  engine.generateKey(),
		ProcessInstanceKey:   parent.ProcessInstanceKey,
		ParentKey:            parent.Key,
		ProcessDefinitionKey: parent.ProcessDefinitionKey,
		ElementId:            elementId,
		State:                runtime.ActivityStateActive,
		IsConcurrent:         opts.concurrent,
		IsScope:              opts.scope,
		TenantId:             parent.TenantId,
		CreatedAt:            engine.clock.Now(),
	}
	if opts.scope {
		if opts.variables == nil {
			opts.variables = map[string]any{}
		}
		child.Variables = opts.variables
	}
	cc.addExecution(child)
	return child
}

// resolveVariables builds the chained variable view for an execution:
// the root instance scope at the bottom, every intermediate scope in
// between, the execution's own scope (if any) as the leaf.
func (engine *Engine) resolveVariables(ctx context.Context, cc *CommandContext, execution *runtime.Execution) (runtime.VariableHolder, error) {
	chain := []*runtime.Execution{}
	current := execution
	for {
		if current.IsScope {
			chain = append(chain, current)
		}
		if current.IsProcessInstance() {
			break
		}
		parent, err := cc.findExecution(ctx, current.ParentKey)
		if err != nil {
			return runtime.VariableHolder{}, err
		}
		current = parent
	}
	var holder *runtime.VariableHolder
	for i := len(chain) - 1; i >= 0; i-- {
		h := runtime.NewVariableHolder(holder, chain[i].Variables)
		holder = &h
	}
	if holder == nil {
		h := runtime.NewVariableHolder(nil, nil)
		holder = &h
	}
	return *holder, nil
}

// variableScopeOf returns the nearest enclosing scope execution of the
// given execution, which may be the execution itself.
func (engine *Engine) variableScopeOf(ctx context.Context, cc *CommandContext, execution *runtime.Execution) (*runtime.Execution, error) {
	current := execution
	for !current.IsScope {
		parent, err := cc.findExecution(ctx, current.ParentKey)
		if err != nil {
			return nil, err
		}
		current = parent
	}
	return current, nil
}

// setVariables writes variables into the nearest enclosing scope.
func (engine *Engine) setVariables(ctx context.Context, cc *CommandContext, execution *runtime.Execution, variables map[string]any) error {
	if len(variables) == 0 {
		return nil
	}
	scope, err := engine.variableScopeOf(ctx, cc, execution)
	if err != nil {
		return err
	}
	for k, v := range variables {
		scope.SetVariable(k, v)
	}
	return nil
}

func executionCriteriaFor(processInstanceKey int64, elementId string) storage.ExecutionCriteria {
	return storage.ExecutionCriteria{ProcessInstanceKey: processInstanceKey, ElementId: elementId}
}

func (engine *Engine) findChildExecutions(ctx context.Context, cc *CommandContext, parentKey int64) ([]*runtime.Execution, error) {
	return cc.findExecutions(ctx, storage.ExecutionCriteria{ParentKey: parentKey})
}

// countActiveConcurrentChildren counts the fork siblings still holding a
// live token under the given parent. Zero means a join may fire.
func (engine *Engine) countActiveConcurrentChildren(ctx context.Context, cc *CommandContext, parentKey int64) (int, error) {
	children, err := cc.findExecutions(ctx, storage.ExecutionCriteria{
		ParentKey:      parentKey,
		OnlyActive:     true,
		OnlyConcurrent: true,
	})
	if err != nil {
		return 0, err
	}
	return len(children), nil
}

// terminateExecutionTree removes an execution and all its descendants,
// dropping their event subscriptions, jobs and timers.
func (engine *Engine) terminateExecutionTree(ctx context.Context, cc *CommandContext, execution *runtime.Execution, reason string) error {
	children, err := engine.findChildExecutions(ctx, cc, execution.Key)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := engine.terminateExecutionTree(ctx, cc, child, reason); err != nil {
			return err
		}
	}
	if err := engine.dropExecutionAttachments(ctx, cc, execution.Key); err != nil {
		return err
	}
	cc.removeExecution(execution, reason)
	return nil
}

// dropExecutionAttachments removes subscriptions, jobs and timer jobs
// bound to one execution.
func (engine *Engine) dropExecutionAttachments(ctx context.Context, cc *CommandContext, executionKey int64) error {
	subscriptions, err := cc.findSubscriptions(ctx, storage.EventSubscriptionCriteria{ExecutionKey: executionKey})
	if err != nil {
		return err
	}
	for _, s := range subscriptions {
		cc.removeSubscription(s)
	}
	jobs, err := cc.findJobs(ctx, storage.JobCriteria{ExecutionKey: executionKey})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		cc.removeJob(j)
	}
	timers, err := engine.findTimerJobsForExecution(ctx, cc, executionKey)
	if err != nil {
		return err
	}
	for _, t := range timers {
		cc.removeTimerJob(t)
	}
	return nil
}

// findTimerJobsForExecution filters the instance's timers down to one
// execution, merging session state over storage.
func (engine *Engine) findTimerJobsForExecution(ctx context.Context, cc *CommandContext, executionKey int64) ([]*runtime.TimerJob, error) {
	execution, err := cc.findExecution(ctx, executionKey)
	if err != nil {
		return nil, err
	}
	stored, err := engine.persistence.FindTimerJobsByProcessInstance(ctx, execution.ProcessInstanceKey)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	res := []*runtime.TimerJob{}
	for i := range stored {
		key := stored[i].Key
		seen[key] = true
		if cc.timerJobsDel[key] {
			continue
		}
		if cached, ok := cc.timerJobs[key]; ok {
			if cached.ExecutionKey == executionKey {
				res = append(res, cached)
			}
			continue
		}
		if stored[i].ExecutionKey != executionKey {
			continue
		}
		t := stored[i]
		cc.timerJobs[key] = &t
		res = append(res, &t)
	}
	for key, t := range cc.timerJobs {
		if !seen[key] && t.ExecutionKey == executionKey {
			res = append(res, t)
		}
	}
	return res, nil
}

// cleanupProcessInstance drops every subscription, job and timer of a
// finished instance; the root execution row stays for queries.
func (engine *Engine) cleanupProcessInstance(ctx context.Context, cc *CommandContext, instanceKey int64) error {
	subscriptions, err := cc.findSubscriptions(ctx, storage.EventSubscriptionCriteria{ProcessInstanceKey: instanceKey})
	if err != nil {
		return err
	}
	for _, s := range subscriptions {
		cc.removeSubscription(s)
	}
	jobs, err := cc.findJobs(ctx, storage.JobCriteria{ProcessInstanceKey: instanceKey})
	if err != nil {
		return err
	}
	for _, j := range jobs {
		cc.removeJob(j)
	}
	stored, err := engine.persistence.FindTimerJobsByProcessInstance(ctx, instanceKey)
	if err != nil {
		return err
	}
	for i := range stored {
		if cc.timerJobsDel[stored[i].Key] {
			continue
		}
		if cached, ok := cc.timerJobs[stored[i].Key]; ok {
			cc.removeTimerJob(cached)
			continue
		}
		t := stored[i]
		cc.timerJobs[t.Key] = &t
		cc.removeTimerJob(&t)
	}
	for key, t := range cc.timerJobs {
		if t.ProcessInstanceKey == instanceKey && !cc.timerJobsDel[key] {
			cc.removeTimerJob(t)
		}
	}
	return nil
}
