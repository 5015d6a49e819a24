package bpmn

import (
	"context"
	"errors"
	"time"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

// startInstanceById starts the latest deployed version of a process
// inside an already open unit of work.
func (engine *Engine) startInstanceById(ctx context.Context, cc *CommandContext, bpmnProcessId string, businessKey string, variables map[string]any) (*runtime.Execution, error) {
	definition, err := engine.loadLatestDefinition(ctx, cc, bpmnProcessId)
	if err != nil {
		return nil, err
	}
	return engine.startInstance(ctx, cc, definition, "", businessKey, variables)
}

// startInstanceAt starts an instance from one specific start event,
// used by timer start events.
func (engine *Engine) startInstanceAt(ctx context.Context, cc *CommandContext, definition *runtime.ProcessDefinition, startElementId string, businessKey string, variables map[string]any) (*runtime.Execution, error) {
	return engine.startInstance(ctx, cc, definition, startElementId, businessKey, variables)
}

func (engine *Engine) startInstance(ctx context.Context, cc *CommandContext, definition *runtime.ProcessDefinition, startElementId string, businessKey string, variables map[string]any) (*runtime.Execution, error) {
	if definition.Suspended {
		return nil, &SuspendedEntityError{Kind: "process definition", Key: definition.Key}
	}
	if startElementId == "" {
		start := findNoneStartEvent(&definition.Definitions.Process.FlowElementsContainer)
		if start == nil {
			return nil, newEngineErrorf("process %s has no none start event", definition.BpmnProcessId)
		}
		startElementId = start.Id
	}
	instance := engine.createProcessInstance(cc, definition, businessKey, variables)
	cc.QueueEvent(exporter.Event{
		Type:                 exporter.ProcessInstanceStarted,
		Key:                  instance.Key,
		ProcessInstanceKey:   instance.Key,
		ProcessDefinitionKey: definition.Key,
		ElementId:            startElementId,
	})
	ec := engine.newExecutionContext(cc, definition)
	ec.enqueueEnter(instance, startElementId)
	if err := ec.run(ctx); err != nil {
		return nil, err
	}
	return instance, nil
}

// StartProcessInstanceById starts the latest version of the process with
// the given BPMN process id.
func (engine *Engine) StartProcessInstanceById(ctx context.Context, bpmnProcessId string, businessKey string, variables map[string]any) (*runtime.Execution, error) {
	var instance *runtime.Execution
	err := engine.executeCommand(ctx, nil, funcCommand{
		name: "start-process-instance",
		fn: func(ctx context.Context, cc *CommandContext) error {
			started, err := engine.startInstanceById(ctx, cc, bpmnProcessId, businessKey, variables)
			if err != nil {
				return err
			}
			instance = started
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// StartProcessInstanceByKey starts one specific definition version.
func (engine *Engine) StartProcessInstanceByKey(ctx context.Context, definitionKey int64, businessKey string, variables map[string]any) (*runtime.Execution, error) {
	var instance *runtime.Execution
	err := engine.executeCommand(ctx, nil, funcCommand{
		name: "start-process-instance",
		fn: func(ctx context.Context, cc *CommandContext) error {
			definition, err := engine.loadDefinition(ctx, cc, definitionKey)
			if err != nil {
				return err
			}
			started, err := engine.startInstance(ctx, cc, definition, "", businessKey, variables)
			if err != nil {
				return err
			}
			instance = started
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// CompleteTask finishes a waiting user task or external service task job
// and moves the instance on.
func (engine *Engine) CompleteTask(ctx context.Context, jobKey int64, variables map[string]any) error {
	return engine.executeCommand(ctx, nil, funcCommand{
		name: "complete-task",
		fn: func(ctx context.Context, cc *CommandContext) error {
			return engine.completeJob(ctx, cc, jobKey, variables)
		},
	})
}

// SignalEventReceived broadcasts a signal to every waiting signal catch
// event with that name, across process instances.
func (engine *Engine) SignalEventReceived(ctx context.Context, signalName string, variables map[string]any) error {
	return engine.executeCommand(ctx, nil, funcCommand{
		name: "signal-event-received",
		fn: func(ctx context.Context, cc *CommandContext) error {
			return engine.broadcastSignal(ctx, cc, signalName, variables)
		},
	})
}

// CorrelateMessage delivers a message to one waiting message catch
// event. A process instance key of zero correlates across instances.
func (engine *Engine) CorrelateMessage(ctx context.Context, messageName string, processInstanceKey int64, variables map[string]any) error {
	return engine.executeCommand(ctx, nil, funcCommand{
		name: "correlate-message",
		fn: func(ctx context.Context, cc *CommandContext) error {
			return engine.correlateMessage(ctx, cc, messageName, processInstanceKey, variables)
		},
	})
}

// MessageEventReceived delivers a message to the exact execution waiting
// for it, bypassing correlation.
func (engine *Engine) MessageEventReceived(ctx context.Context, messageName string, executionKey int64, variables map[string]any) error {
	return engine.executeCommand(ctx, nil, funcCommand{
		name: "message-event-received",
		fn: func(ctx context.Context, cc *CommandContext) error {
			subscriptions, err := cc.findSubscriptions(ctx, storage.EventSubscriptionCriteria{
				EventType:    runtime.EventTypeMessage,
				EventName:    messageName,
				ExecutionKey: executionKey,
			})
			if err != nil {
				return err
			}
			if len(subscriptions) == 0 {
				return &ObjectNotFoundError{Kind: "event subscription", Key: messageName}
			}
			subscription := subscriptions[0]
			cc.removeSubscription(subscription)
			return engine.triggerSubscription(ctx, cc, subscription, variables)
		},
	})
}

// Trigger resumes one waiting execution regardless of what it waits
// for: an armed event subscription is consumed, otherwise a waiting job
// is completed.
func (engine *Engine) Trigger(ctx context.Context, executionKey int64, variables map[string]any) error {
	return engine.executeCommand(ctx, nil, funcCommand{
		name: "trigger",
		fn: func(ctx context.Context, cc *CommandContext) error {
			execution, err := cc.findExecution(ctx, executionKey)
			if err != nil {
				return err
			}
			if execution.Suspended {
				return &SuspendedEntityError{Kind: "process instance", Key: execution.ProcessInstanceKey}
			}
			subscriptions, err := cc.findSubscriptions(ctx, storage.EventSubscriptionCriteria{ExecutionKey: executionKey})
			if err != nil {
				return err
			}
			if len(subscriptions) > 0 {
				subscription := subscriptions[0]
				cc.removeSubscription(subscription)
				return engine.triggerSubscription(ctx, cc, subscription, variables)
			}
			jobs, err := cc.findJobs(ctx, storage.JobCriteria{ExecutionKey: executionKey})
			if err != nil {
				return err
			}
			if len(jobs) > 0 {
				return engine.completeJob(ctx, cc, jobs[0].Key, variables)
			}
			return newObjectNotFoundError("wait state for execution", executionKey)
		},
	})
}

// ExecuteJob runs one job synchronously on the caller's goroutine,
// applying the same failure bookkeeping as the background executor.
func (engine *Engine) ExecuteJob(ctx context.Context, jobKey int64) error {
	err := engine.runJobCommand(ctx, jobKey)
	if err == nil || errors.Is(err, errJobSkipped) {
		return err
	}
	if failErr := engine.recordJobFailure(ctx, jobKey, err.Error()); failErr != nil {
		engine.logger.Error("failed to record job failure", "jobKey", jobKey, "err", failErr)
	}
	return err
}

// EnableAdHocActivity starts one contained activity of an open ad-hoc
// sub-process.
func (engine *Engine) EnableAdHocActivity(ctx context.Context, processInstanceKey int64, adHocId string, activityId string) error {
	return engine.executeCommand(ctx, nil, funcCommand{
		name: "enable-ad-hoc-activity",
		fn: func(ctx context.Context, cc *CommandContext) error {
			return engine.enableAdHocActivity(ctx, cc, processInstanceKey, adHocId, activityId)
		},
	})
}

// CompleteAdHocSubProcess closes an open ad-hoc sub-process and moves
// the token past it.
func (engine *Engine) CompleteAdHocSubProcess(ctx context.Context, processInstanceKey int64, adHocId string) error {
	return engine.executeCommand(ctx, nil, funcCommand{
		name: "complete-ad-hoc-sub-process",
		fn: func(ctx context.Context, cc *CommandContext) error {
			return engine.completeAdHocSubProcess(ctx, cc, processInstanceKey, adHocId)
		},
	})
}

// SuspendProcessDefinition suspends a definition, immediately when at is
// nil, otherwise via a scheduled job at the given time.
func (engine *Engine) SuspendProcessDefinition(ctx context.Context, definitionKey int64, at *time.Time) error {
	return engine.scheduleDefinitionStateChange(ctx, definitionKey, at, true)
}

// ActivateProcessDefinition lifts a definition suspension, immediately
// or at the given time.
func (engine *Engine) ActivateProcessDefinition(ctx context.Context, definitionKey int64, at *time.Time) error {
	return engine.scheduleDefinitionStateChange(ctx, definitionKey, at, false)
}

func (engine *Engine) scheduleDefinitionStateChange(ctx context.Context, definitionKey int64, at *time.Time, suspend bool) error {
	name := "activate-process-definition"
	handlerType := runtime.JobHandlerActivateDefinition
	if suspend {
		name = "suspend-process-definition"
		handlerType = runtime.JobHandlerSuspendDefinition
	}
	return engine.executeCommand(ctx, nil, funcCommand{
		name: name,
		fn: func(ctx context.Context, cc *CommandContext) error {
			definition, err := engine.loadDefinition(ctx, cc, definitionKey)
			if err != nil {
				return err
			}
			if at == nil {
				if suspend {
					return engine.suspendDefinition(ctx, cc, definition.Key)
				}
				return engine.activateDefinition(ctx, cc, definition.Key)
			}
			cc.addTimerJob(&runtime.TimerJob{
				Key:                  engine.generateKey(),
				ProcessDefinitionKey: definition.Key,
				HandlerType:          handlerType,
				DueDate:              *at,
				TenantId:             definition.TenantId,
				CreatedAt:            engine.clock.Now(),
			})
			return nil
		},
	})
}

// SuspendProcessInstance halts a running instance: advancing commands
// against it fail fast and its jobs leave the acquisition pool.
func (engine *Engine) SuspendProcessInstance(ctx context.Context, processInstanceKey int64) error {
	return engine.setInstanceSuspension(ctx, processInstanceKey, true)
}

// ActivateProcessInstance lifts an instance suspension.
func (engine *Engine) ActivateProcessInstance(ctx context.Context, processInstanceKey int64) error {
	return engine.setInstanceSuspension(ctx, processInstanceKey, false)
}

func (engine *Engine) setInstanceSuspension(ctx context.Context, processInstanceKey int64, suspended bool) error {
	name := "activate-process-instance"
	if suspended {
		name = "suspend-process-instance"
	}
	return engine.executeCommand(ctx, nil, funcCommand{
		name: name,
		fn: func(ctx context.Context, cc *CommandContext) error {
			root, err := cc.findExecution(ctx, processInstanceKey)
			if err != nil {
				return err
			}
			if !root.IsProcessInstance() {
				return newEngineErrorf("execution %d is not a process instance root", processInstanceKey)
			}
			executions, err := cc.findExecutions(ctx, storage.ExecutionCriteria{ProcessInstanceKey: processInstanceKey})
			if err != nil {
				return err
			}
			for _, execution := range executions {
				execution.Suspended = suspended
			}
			root.Suspended = suspended
			return nil
		},
	})
}

// FindProcessInstance reads the root execution of an instance.
func (engine *Engine) FindProcessInstance(ctx context.Context, processInstanceKey int64) (runtime.Execution, error) {
	instance, err := engine.persistence.FindExecutionByKey(ctx, processInstanceKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.Execution{}, newObjectNotFoundError("process instance", processInstanceKey)
		}
		return runtime.Execution{}, err
	}
	if !instance.IsProcessInstance() {
		return runtime.Execution{}, &ObjectNotFoundError{Kind: "process instance", Key: processInstanceKey}
	}
	return instance, nil
}

// FindExecutions queries committed executions.
func (engine *Engine) FindExecutions(ctx context.Context, criteria storage.ExecutionCriteria) ([]runtime.Execution, error) {
	return engine.persistence.FindExecutions(ctx, criteria)
}

// FindJobs queries committed jobs.
func (engine *Engine) FindJobs(ctx context.Context, criteria storage.JobCriteria) ([]runtime.Job, error) {
	return engine.persistence.FindJobs(ctx, criteria)
}

// FindEventSubscriptions queries committed event subscriptions.
func (engine *Engine) FindEventSubscriptions(ctx context.Context, criteria storage.EventSubscriptionCriteria) ([]runtime.EventSubscription, error) {
	return engine.persistence.FindEventSubscriptions(ctx, criteria)
}
