package bpmn

import (
	"context"
	"time"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
)

// TaskHandler processes an activated job. Handlers run synchronously
// inside the engine's unit of work; Complete and Fail record the
// outcome, they do not commit anything themselves.
type TaskHandler func(job ActivatedJob)

// ActivatedJob is the handler-facing view of a job about to execute.
type ActivatedJob interface {
	Key() int64
	ProcessInstanceKey() int64
	ElementId() string
	BpmnProcessId() string
	CreatedAt() time.Time
	Variable(name string) any
	Variables() map[string]any
	SetVariable(name string, value any)
	Complete()
	Fail(reason string)
}

type activatedJob struct {
	key                int64
	processInstanceKey int64
	elementId          string
	bpmnProcessId      string
	createdAt          time.Time
	variables          runtime.VariableHolder
	outputs            map[string]any
	completed          bool
	failed             bool
	failReason         string
}

func (aj *activatedJob) Key() int64                { return aj.key }
func (aj *activatedJob) ProcessInstanceKey() int64 { return aj.processInstanceKey }
func (aj *activatedJob) ElementId() string         { return aj.elementId }
func (aj *activatedJob) BpmnProcessId() string     { return aj.bpmnProcessId }
func (aj *activatedJob) CreatedAt() time.Time      { return aj.createdAt }

func (aj *activatedJob) Variable(name string) any {
	return aj.variables.GetVariable(name)
}

func (aj *activatedJob) Variables() map[string]any {
	return aj.variables.Variables()
}

func (aj *activatedJob) SetVariable(name string, value any) {
	aj.outputs[name] = value
}

func (aj *activatedJob) Complete() {
	aj.completed = true
}

func (aj *activatedJob) Fail(reason string) {
	aj.failed = true
	aj.failReason = reason
}

type serviceTaskBehavior struct {
	engine *Engine
}

// execute runs a registered handler inline or parks the task as an
// externally completable job. An async task always goes through a job
// so the caller returns before the task body runs.
func (b serviceTaskBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	task := node.(bpmn20.TServiceTask)
	if task.Async {
		b.engine.createInternalJob(ec.cc, execution, runtime.JobHandlerAsyncContinue, node.GetId(), nil)
		return b.engine.registerBoundaryCatches(ctx, ec, execution, node)
	}
	return b.runServiceTask(ctx, ec, execution, task)
}

func (b serviceTaskBehavior) runServiceTask(ctx context.Context, ec *executionContext, execution *runtime.Execution, task bpmn20.TServiceTask) error {
	handler, ok := b.engine.taskHandler(task.TaskType)
	if !ok {
		b.engine.createExternalJob(ec.cc, execution, task.TaskType, task.GetId())
		return b.engine.registerBoundaryCatches(ctx, ec, execution, task)
	}
	variables, err := b.engine.resolveVariables(ctx, ec.cc, execution)
	if err != nil {
		return err
	}
	aj := &activatedJob{
		key:                b.engine.generateKey(),
		processInstanceKey: execution.ProcessInstanceKey,
		elementId:          task.GetId(),
		bpmnProcessId:      ec.definition.BpmnProcessId,
		createdAt:          b.engine.clock.Now(),
		variables:          variables,
		outputs:            map[string]any{},
	}
	handler(aj)
	if aj.failed {
		b.engine.createFailedJob(ec.cc, execution, task.TaskType, task.GetId(), aj.failReason)
		return b.engine.registerBoundaryCatches(ctx, ec, execution, task)
	}
	if err := b.engine.setVariables(ctx, ec.cc, execution, aj.outputs); err != nil {
		return err
	}
	return ec.leaveNode(ctx, execution, task)
}

type userTaskBehavior struct {
	engine *Engine
}

// execute always parks user tasks as jobs; a user task has no inline
// handler, somebody completes it through the API.
func (b userTaskBehavior) execute(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	b.engine.createInternalJob(ec.cc, execution, runtime.JobHandlerUserTask, node.GetId(), nil)
	return b.engine.registerBoundaryCatches(ctx, ec, execution, node)
}

// registerBoundaryCatches arms the boundary events of an activity that
// just entered a wait state: timers become timer jobs, messages and
// signals become event subscriptions.
func (engine *Engine) registerBoundaryCatches(ctx context.Context, ec *executionContext, execution *runtime.Execution, node bpmn20.FlowNode) error {
	for _, be := range ec.process.FindBoundaryEventsFor(node.GetId()) {
		switch {
		case be.TimerEventDefinition.TimeDuration != "" || be.TimerEventDefinition.TimeCycle != "":
			if err := engine.createTimerCatch(ec, execution, be.Id, be.TimerEventDefinition); err != nil {
				return err
			}
		case be.MessageEventDefinition.MessageRef != "":
			engine.createEventSubscriptionFor(ec, execution, be.Id, runtime.EventTypeMessage,
				ec.definition.Definitions.MessageNameById(be.MessageEventDefinition.MessageRef))
		case be.SignalEventDefinition.SignalRef != "":
			engine.createEventSubscriptionFor(ec, execution, be.Id, runtime.EventTypeSignal,
				ec.definition.Definitions.SignalNameById(be.SignalEventDefinition.SignalRef))
		}
	}
	return nil
}
