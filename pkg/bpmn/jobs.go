package bpmn

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
)

// jobConfig is the HandlerConfig payload of non-timer jobs.
type jobConfig struct {
	ElementId string `json:"elementId,omitempty"`
}

func encodeJobConfig(cfg jobConfig) string {
	raw, _ := json.Marshal(cfg)
	return string(raw)
}

func decodeJobConfig(raw string) (jobConfig, error) {
	var cfg jobConfig
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, newEngineErrorf("malformed job config %q: %s", raw, err)
	}
	return cfg, nil
}

// createInternalJob persists a job for an engine-side handler type.
func (engine *Engine) createInternalJob(cc *CommandContext, execution *runtime.Execution, handlerType string, elementId string, dueDate *time.Time) *runtime.Job {
	job := &runtime.Job{
		Key:                  engine.generateKey(),
		ExecutionKey:         execution.Key,
		ProcessInstanceKey:   execution.ProcessInstanceKey,
		ProcessDefinitionKey: execution.ProcessDefinitionKey,
		HandlerType:          handlerType,
		HandlerConfig:        encodeJobConfig(jobConfig{ElementId: elementId}),
		DueDate:              dueDate,
		Retries:              engine.config.JobExecutor.DefaultRetries,
		TenantId:             execution.TenantId,
		CreatedAt:            engine.clock.Now(),
	}
	cc.addJob(job)
	return job
}

// createExternalJob persists a job a worker or the API completes; the
// handler type is the service task's type string.
func (engine *Engine) createExternalJob(cc *CommandContext, execution *runtime.Execution, taskType string, elementId string) *runtime.Job {
	return engine.createInternalJob(cc, execution, taskType, elementId, nil)
}

// createFailedJob records a synchronous handler failure as a retryable
// job with one attempt already spent.
func (engine *Engine) createFailedJob(cc *CommandContext, execution *runtime.Execution, taskType string, elementId string, reason string) *runtime.Job {
	job := engine.createInternalJob(cc, execution, taskType, elementId, nil)
	engine.markJobFailed(cc, job, reason)
	return job
}

// markJobFailed burns one retry; a job out of retries is dead and keeps
// its exception info for operators.
func (engine *Engine) markJobFailed(cc *CommandContext, job *runtime.Job, reason string) {
	job.Retries--
	job.LockOwner = ""
	job.LockExpirationTime = nil
	job.ExceptionMessage = reason
	if job.IsDead() {
		job.ExceptionStacktrace = string(debug.Stack())
		cc.QueueEvent(exporter.Event{
			Type:                 exporter.JobRetriesExhausted,
			Key:                  job.Key,
			ExecutionKey:         job.ExecutionKey,
			ProcessInstanceKey:   job.ProcessInstanceKey,
			ProcessDefinitionKey: job.ProcessDefinitionKey,
		})
		return
	}
	due := engine.clock.Now().Add(engine.config.JobExecutor.RetryBackoff)
	job.DueDate = &due
}

// promoteTimer performs the due-timer transition: the timer row is
// deleted, a job row is inserted, and a remaining cycle gets its next
// timer row.
func (engine *Engine) promoteTimer(ctx context.Context, cc *CommandContext, timer *runtime.TimerJob) error {
	cfg, err := decodeTimerConfig(timer.HandlerConfig)
	if err != nil {
		return err
	}
	cc.removeTimerJob(timer)
	engine.queueTimerFired(cc, timer, cfg.ElementId)

	job := &runtime.Job{
		Key:                  engine.generateKey(),
		ExecutionKey:         timer.ExecutionKey,
		ProcessInstanceKey:   timer.ProcessInstanceKey,
		ProcessDefinitionKey: timer.ProcessDefinitionKey,
		HandlerType:          timer.HandlerType,
		HandlerConfig:        timer.HandlerConfig,
		Retries:              engine.config.JobExecutor.DefaultRetries,
		TenantId:             timer.TenantId,
		CreatedAt:            engine.clock.Now(),
	}
	cc.addJob(job)

	var endDate *time.Time
	if cfg.EndDateExpression != "" && timer.ProcessInstanceKey != 0 {
		instance, err := cc.findExecution(ctx, timer.ProcessInstanceKey)
		if err != nil {
			return err
		}
		endDate, err = engine.timerEndDate(cfg, instance.Variables)
		if err != nil {
			return err
		}
	}
	_, err = engine.rescheduleTimer(cc, timer, endDate)
	return err
}

// errJobSkipped marks a job left untouched because its instance is
// suspended.
var errJobSkipped = newEngineErrorf("job skipped")

// executeJob dispatches one acquired job to its handler inside the
// caller's unit of work. A handler error propagates so the whole
// session rolls back; the executor burns the retry in a fresh command.
func (engine *Engine) executeJob(ctx context.Context, cc *CommandContext, job *runtime.Job) error {
	instanceSuspended, err := engine.jobInstanceSuspended(ctx, cc, job)
	if err != nil {
		return err
	}
	if instanceSuspended {
		// leave the job untouched; the lock expires and the job runs once
		// the instance is activated
		return errJobSkipped
	}

	switch job.HandlerType {
	case runtime.JobHandlerAsyncContinue:
		return engine.runAsyncContinuation(ctx, cc, job)
	case runtime.JobHandlerTimerTrigger:
		return engine.runTimerTrigger(ctx, cc, job)
	case runtime.JobHandlerTimerStartEvent:
		return engine.runTimerStartEvent(ctx, cc, job)
	case runtime.JobHandlerSuspendDefinition:
		return engine.runDefinitionSuspension(ctx, cc, job, true)
	case runtime.JobHandlerActivateDefinition:
		return engine.runDefinitionSuspension(ctx, cc, job, false)
	default:
		return engine.runTaskHandlerJob(ctx, cc, job)
	}
}

func (engine *Engine) jobInstanceSuspended(ctx context.Context, cc *CommandContext, job *runtime.Job) (bool, error) {
	if job.ProcessInstanceKey == 0 {
		return false, nil
	}
	instance, err := cc.findExecution(ctx, job.ProcessInstanceKey)
	if err != nil {
		return false, err
	}
	return instance.Suspended, nil
}

// runAsyncContinuation executes the parked activity body of an async
// service task.
func (engine *Engine) runAsyncContinuation(ctx context.Context, cc *CommandContext, job *runtime.Job) error {
	cfg, err := decodeJobConfig(job.HandlerConfig)
	if err != nil {
		return err
	}
	execution, err := cc.findExecution(ctx, job.ExecutionKey)
	if err != nil {
		return err
	}
	definition, err := engine.loadDefinition(ctx, cc, execution.ProcessDefinitionKey)
	if err != nil {
		return err
	}
	ec := engine.newExecutionContext(cc, definition)
	task, ok := ec.process.GetFlowNodeById(cfg.ElementId).(bpmn20.TServiceTask)
	if !ok {
		return newEngineErrorf("async continuation points at %s, which is not a service task", cfg.ElementId)
	}
	cc.removeJob(job)
	if err := (serviceTaskBehavior{engine}).runServiceTask(ctx, ec, execution, task); err != nil {
		return err
	}
	return ec.run(ctx)
}

func (engine *Engine) runTimerTrigger(ctx context.Context, cc *CommandContext, job *runtime.Job) error {
	cfg, err := decodeTimerConfig(job.HandlerConfig)
	if err != nil {
		return err
	}
	execution, err := cc.findExecution(ctx, job.ExecutionKey)
	if err != nil {
		return err
	}
	definition, err := engine.loadDefinition(ctx, cc, execution.ProcessDefinitionKey)
	if err != nil {
		return err
	}
	cc.removeJob(job)
	ec := engine.newExecutionContext(cc, definition)
	if err := engine.continueAsCatchEvent(ctx, ec, execution, cfg.ElementId, nil); err != nil {
		return err
	}
	return ec.run(ctx)
}

func (engine *Engine) runTimerStartEvent(ctx context.Context, cc *CommandContext, job *runtime.Job) error {
	definition, err := engine.loadDefinition(ctx, cc, job.ProcessDefinitionKey)
	if err != nil {
		return err
	}
	if definition.Suspended {
		return &SuspendedEntityError{Kind: "process definition", Key: definition.Key}
	}
	cfg, err := decodeTimerConfig(job.HandlerConfig)
	if err != nil {
		return err
	}
	cc.removeJob(job)
	_, err = engine.startInstanceAt(ctx, cc, definition, cfg.ElementId, "", nil)
	return err
}

// runTaskHandlerJob executes a job whose handler type is a registered
// service task type.
func (engine *Engine) runTaskHandlerJob(ctx context.Context, cc *CommandContext, job *runtime.Job) error {
	handler, ok := engine.taskHandler(job.HandlerType)
	if !ok {
		return newEngineErrorf("no handler registered for job type %s", job.HandlerType)
	}
	cfg, err := decodeJobConfig(job.HandlerConfig)
	if err != nil {
		return err
	}
	execution, err := cc.findExecution(ctx, job.ExecutionKey)
	if err != nil {
		return err
	}
	definition, err := engine.loadDefinition(ctx, cc, execution.ProcessDefinitionKey)
	if err != nil {
		return err
	}
	variables, err := engine.resolveVariables(ctx, cc, execution)
	if err != nil {
		return err
	}
	aj := &activatedJob{
		key:                job.Key,
		processInstanceKey: job.ProcessInstanceKey,
		elementId:          cfg.ElementId,
		bpmnProcessId:      definition.BpmnProcessId,
		createdAt:          job.CreatedAt,
		variables:          variables,
		outputs:            map[string]any{},
	}
	handler(aj)
	if aj.failed {
		return fmt.Errorf("%s", aj.failReason)
	}
	return engine.finishJob(ctx, cc, job, execution, definition, cfg.ElementId, aj.outputs)
}

// completeJob finishes a waiting job through the API: user tasks and
// externally completed service tasks.
func (engine *Engine) completeJob(ctx context.Context, cc *CommandContext, jobKey int64, variables map[string]any) error {
	job, err := cc.findJob(ctx, jobKey)
	if err != nil {
		return err
	}
	execution, err := cc.findExecution(ctx, job.ExecutionKey)
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
	cfg, err := decodeJobConfig(job.HandlerConfig)
	if err != nil {
		return err
	}
	return engine.finishJob(ctx, cc, job, execution, definition, cfg.ElementId, variables)
}

// finishJob removes the job row, merges outputs and moves the token on.
func (engine *Engine) finishJob(ctx context.Context, cc *CommandContext, job *runtime.Job, execution *runtime.Execution, definition *runtime.ProcessDefinition, elementId string, outputs map[string]any) error {
	cc.removeJob(job)
	if err := engine.setVariables(ctx, cc, execution, outputs); err != nil {
		return err
	}
	if err := engine.dropExecutionAttachments(ctx, cc, execution.Key); err != nil {
		return err
	}
	ec := engine.newExecutionContext(cc, definition)
	node := ec.process.GetFlowNodeById(elementId)
	if node == nil {
		return newEngineErrorf("process %s has no flow node %s", definition.BpmnProcessId, elementId)
	}
	if err := ec.leaveNode(ctx, execution, node); err != nil {
		return err
	}
	return ec.run(ctx)
}

// runDefinitionSuspension is the handler behind scheduled suspend and
// activate operations.
func (engine *Engine) runDefinitionSuspension(ctx context.Context, cc *CommandContext, job *runtime.Job, suspend bool) error {
	cc.removeJob(job)
	if suspend {
		return engine.suspendDefinition(ctx, cc, job.ProcessDefinitionKey)
	}
	return engine.activateDefinition(ctx, cc, job.ProcessDefinitionKey)
}
