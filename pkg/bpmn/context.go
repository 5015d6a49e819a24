package bpmn

import (
	"context"
	"errors"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

// CloseListener is the ordered extension point of a CommandContext.
// Hooks fire in registration order at well-defined points of the close
// protocol.
type CloseListener interface {
	// Closing fires before the session flushes; listeners may still add work.
	Closing(cc *CommandContext)
	// AfterSessionsFlush fires once all entity state is durable; domain
	// events have not been emitted yet.
	AfterSessionsFlush(cc *CommandContext)
	// Closed fires after everything committed and events went out.
	Closed(cc *CommandContext)
	// CloseFailure fires when the unit of work rolled back.
	CloseFailure(cc *CommandContext, err error)
}

// CloseListenerFuncs adapts plain funcs to CloseListener; nil hooks are
// skipped.
type CloseListenerFuncs struct {
	OnClosing            func(cc *CommandContext)
	OnAfterSessionsFlush func(cc *CommandContext)
	OnClosed             func(cc *CommandContext)
	OnCloseFailure       func(cc *CommandContext, err error)
}

func (l CloseListenerFuncs) Closing(cc *CommandContext) {
	if l.OnClosing != nil {
		l.OnClosing(cc)
	}
}

func (l CloseListenerFuncs) AfterSessionsFlush(cc *CommandContext) {
	if l.OnAfterSessionsFlush != nil {
		l.OnAfterSessionsFlush(cc)
	}
}

func (l CloseListenerFuncs) Closed(cc *CommandContext) {
	if l.OnClosed != nil {
		l.OnClosed(cc)
	}
}

func (l CloseListenerFuncs) CloseFailure(cc *CommandContext, err error) {
	if l.OnCloseFailure != nil {
		l.OnCloseFailure(cc, err)
	}
}

// CommandContext is the unit of work every engine command runs in. It
// holds the entity sessions (write-through caches over storage), the
// queued domain events, and the registered close listeners. All entity
// mutations stay in the session until close; a failed close leaves no
// partial state and emits no events.
type CommandContext struct {
	engine *Engine

	executions    map[int64]*runtime.Execution
	executionsDel map[int64]*runtime.Execution

	jobs    map[int64]*runtime.Job
	jobsDel map[int64]bool

	timerJobs    map[int64]*runtime.TimerJob
	timerJobsDel map[int64]bool

	subscriptions    map[int64]*runtime.EventSubscription
	subscriptionsDel map[int64]bool

	definitions      map[int64]*runtime.ProcessDefinition
	definitionsDirty map[int64]bool

	deployments      map[int64]*runtime.Deployment
	deploymentsDirty map[int64]bool
	deploymentsDel   map[int64]bool

	events         []exporter.Event
	closeListeners []CloseListener
}

func newCommandContext(engine *Engine) *CommandContext {
	return &CommandContext{
		engine:           engine,
		executions:       map[int64]*runtime.Execution{},
		executionsDel:    map[int64]*runtime.Execution{},
		jobs:             map[int64]*runtime.Job{},
		jobsDel:          map[int64]bool{},
		timerJobs:        map[int64]*runtime.TimerJob{},
		timerJobsDel:     map[int64]bool{},
		subscriptions:    map[int64]*runtime.EventSubscription{},
		subscriptionsDel: map[int64]bool{},
		definitions:      map[int64]*runtime.ProcessDefinition{},
		definitionsDirty: map[int64]bool{},
		deployments:      map[int64]*runtime.Deployment{},
		deploymentsDirty: map[int64]bool{},
		deploymentsDel:   map[int64]bool{},
	}
}

func (cc *CommandContext) AddCloseListener(listener CloseListener) {
	cc.closeListeners = append(cc.closeListeners, listener)
}

// QueueEvent queues a domain event for post-commit delivery to the
// engine's exporters, in queue order.
func (cc *CommandContext) QueueEvent(event exporter.Event) {
	if event.At.IsZero() {
		event.At = cc.engine.clock.Now()
	}
	cc.events = append(cc.events, event)
}

func (cc *CommandContext) queueEntityEvent(eventType exporter.EventType, entityType string, key int64, processInstanceKey int64) {
	cc.QueueEvent(exporter.Event{
		Type:               eventType,
		EntityType:         entityType,
		Key:                key,
		ProcessInstanceKey: processInstanceKey,
	})
}

// --- execution session -------------------------------------------------

func (cc *CommandContext) findExecution(ctx context.Context, key int64) (*runtime.Execution, error) {
	if e, ok := cc.executions[key]; ok {
		return e, nil
	}
	if _, ok := cc.executionsDel[key]; ok {
		return nil, newObjectNotFoundError("execution", key)
	}
	e, err := cc.engine.persistence.FindExecutionByKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newObjectNotFoundError("execution", key)
		}
		return nil, err
	}
	cc.executions[e.Key] = &e
	return &e, nil
}

func (cc *CommandContext) addExecution(execution *runtime.Execution) {
	cc.executions[execution.Key] = execution
	delete(cc.executionsDel, execution.Key)
}

func (cc *CommandContext) removeExecution(execution *runtime.Execution, deleteReason string) {
	execution.State = runtime.ActivityStateTerminated
	execution.DeleteReason = deleteReason
	delete(cc.executions, execution.Key)
	cc.executionsDel[execution.Key] = execution
}

// findExecutions merges the storage query result with the session state:
// session entities win, deleted entities are excluded, and entities
// created inside the session are included when they match.
func (cc *CommandContext) findExecutions(ctx context.Context, criteria storage.ExecutionCriteria) ([]*runtime.Execution, error) {
	stored, err := cc.engine.persistence.FindExecutions(ctx, criteria)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	res := make([]*runtime.Execution, 0, len(stored))
	for i := range stored {
		key := stored[i].Key
		seen[key] = true
		if _, ok := cc.executionsDel[key]; ok {
			continue
		}
		if cached, ok := cc.executions[key]; ok {
			if executionMatches(cached, criteria) {
				res = append(res, cached)
			}
			continue
		}
		e := stored[i]
		cc.executions[key] = &e
		res = append(res, &e)
	}
	for key, e := range cc.executions {
		if seen[key] {
			continue
		}
		if executionMatches(e, criteria) {
			res = append(res, e)
		}
	}
	return res, nil
}

func executionMatches(e *runtime.Execution, criteria storage.ExecutionCriteria) bool {
	if criteria.ProcessInstanceKey != 0 && e.ProcessInstanceKey != criteria.ProcessInstanceKey {
		return false
	}
	if criteria.ParentKey != 0 && e.ParentKey != criteria.ParentKey {
		return false
	}
	if criteria.ElementId != "" && e.ElementId != criteria.ElementId {
		return false
	}
	if criteria.OnlyActive && e.State != runtime.ActivityStateActive {
		return false
	}
	if criteria.OnlyConcurrent && !e.IsConcurrent {
		return false
	}
	return true
}

// --- job session -------------------------------------------------------

func (cc *CommandContext) findJob(ctx context.Context, key int64) (*runtime.Job, error) {
	if j, ok := cc.jobs[key]; ok {
		return j, nil
	}
	if cc.jobsDel[key] {
		return nil, newObjectNotFoundError("job", key)
	}
	j, err := cc.engine.persistence.FindJobByKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newObjectNotFoundError("job", key)
		}
		return nil, err
	}
	cc.jobs[j.Key] = &j
	return &j, nil
}

func (cc *CommandContext) addJob(job *runtime.Job) {
	cc.jobs[job.Key] = job
	delete(cc.jobsDel, job.Key)
	cc.queueEntityEvent(exporter.EntityCreated, exporter.EntityJob, job.Key, job.ProcessInstanceKey)
}

func (cc *CommandContext) removeJob(job *runtime.Job) {
	delete(cc.jobs, job.Key)
	cc.jobsDel[job.Key] = true
	cc.queueEntityEvent(exporter.EntityDeleted, exporter.EntityJob, job.Key, job.ProcessInstanceKey)
}

func (cc *CommandContext) findJobs(ctx context.Context, criteria storage.JobCriteria) ([]*runtime.Job, error) {
	stored, err := cc.engine.persistence.FindJobs(ctx, criteria)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	res := make([]*runtime.Job, 0, len(stored))
	for i := range stored {
		key := stored[i].Key
		seen[key] = true
		if cc.jobsDel[key] {
			continue
		}
		if cached, ok := cc.jobs[key]; ok {
			res = append(res, cached)
			continue
		}
		j := stored[i]
		cc.jobs[key] = &j
		res = append(res, &j)
	}
	for key, j := range cc.jobs {
		if seen[key] {
			continue
		}
		if jobMatches(j, criteria) {
			res = append(res, j)
		}
	}
	return res, nil
}

func jobMatches(j *runtime.Job, criteria storage.JobCriteria) bool {
	if criteria.ProcessInstanceKey != 0 && j.ProcessInstanceKey != criteria.ProcessInstanceKey {
		return false
	}
	if criteria.ExecutionKey != 0 && j.ExecutionKey != criteria.ExecutionKey {
		return false
	}
	if criteria.HandlerType != "" && j.HandlerType != criteria.HandlerType {
		return false
	}
	if criteria.OnlyDead && !j.IsDead() {
		return false
	}
	return true
}

// --- timer job session -------------------------------------------------

func (cc *CommandContext) findTimerJob(ctx context.Context, key int64) (*runtime.TimerJob, error) {
	if t, ok := cc.timerJobs[key]; ok {
		return t, nil
	}
	if cc.timerJobsDel[key] {
		return nil, newObjectNotFoundError("timer job", key)
	}
	t, err := cc.engine.persistence.FindTimerJobByKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newObjectNotFoundError("timer job", key)
		}
		return nil, err
	}
	cc.timerJobs[t.Key] = &t
	return &t, nil
}

func (cc *CommandContext) addTimerJob(timer *runtime.TimerJob) {
	cc.timerJobs[timer.Key] = timer
	delete(cc.timerJobsDel, timer.Key)
	cc.queueEntityEvent(exporter.EntityCreated, exporter.EntityTimerJob, timer.Key, timer.ProcessInstanceKey)
}

func (cc *CommandContext) removeTimerJob(timer *runtime.TimerJob) {
	delete(cc.timerJobs, timer.Key)
	cc.timerJobsDel[timer.Key] = true
	cc.queueEntityEvent(exporter.EntityDeleted, exporter.EntityTimerJob, timer.Key, timer.ProcessInstanceKey)
}

// --- event subscription session ----------------------------------------

func (cc *CommandContext) findSubscription(ctx context.Context, key int64) (*runtime.EventSubscription, error) {
	if s, ok := cc.subscriptions[key]; ok {
		return s, nil
	}
	if cc.subscriptionsDel[key] {
		return nil, newObjectNotFoundError("event subscription", key)
	}
	s, err := cc.engine.persistence.FindEventSubscriptionByKey(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newObjectNotFoundError("event subscription", key)
		}
		return nil, err
	}
	cc.subscriptions[s.Key] = &s
	return &s, nil
}

func (cc *CommandContext) addSubscription(subscription *runtime.EventSubscription) {
	cc.subscriptions[subscription.Key] = subscription
	delete(cc.subscriptionsDel, subscription.Key)
}

func (cc *CommandContext) removeSubscription(subscription *runtime.EventSubscription) {
	delete(cc.subscriptions, subscription.Key)
	cc.subscriptionsDel[subscription.Key] = true
}

func (cc *CommandContext) findSubscriptions(ctx context.Context, criteria storage.EventSubscriptionCriteria) ([]*runtime.EventSubscription, error) {
	stored, err := cc.engine.persistence.FindEventSubscriptions(ctx, criteria)
	if err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	res := make([]*runtime.EventSubscription, 0, len(stored))
	for i := range stored {
		key := stored[i].Key
		seen[key] = true
		if cc.subscriptionsDel[key] {
			continue
		}
		if cached, ok := cc.subscriptions[key]; ok {
			res = append(res, cached)
			continue
		}
		s := stored[i]
		cc.subscriptions[key] = &s
		res = append(res, &s)
	}
	for key, s := range cc.subscriptions {
		if seen[key] {
			continue
		}
		if subscriptionMatches(s, criteria) {
			res = append(res, s)
		}
	}
	return res, nil
}

func subscriptionMatches(s *runtime.EventSubscription, criteria storage.EventSubscriptionCriteria) bool {
	if criteria.EventType != "" && s.EventType != criteria.EventType {
		return false
	}
	if criteria.EventName != "" && s.EventName != criteria.EventName {
		return false
	}
	if criteria.ExecutionKey != 0 && s.ExecutionKey != criteria.ExecutionKey {
		return false
	}
	if criteria.ProcessInstanceKey != 0 && s.ProcessInstanceKey != criteria.ProcessInstanceKey {
		return false
	}
	if criteria.ElementId != "" && s.ElementId != criteria.ElementId {
		return false
	}
	return true
}

// --- definition / deployment session ------------------------------------

func (cc *CommandContext) saveDefinition(definition *runtime.ProcessDefinition) {
	cc.definitions[definition.Key] = definition
	cc.definitionsDirty[definition.Key] = true
}

func (cc *CommandContext) saveDeployment(deployment *runtime.Deployment) {
	cc.deployments[deployment.Key] = deployment
	cc.deploymentsDirty[deployment.Key] = true
	delete(cc.deploymentsDel, deployment.Key)
}

func (cc *CommandContext) removeDeployment(key int64) {
	delete(cc.deployments, key)
	delete(cc.deploymentsDirty, key)
	cc.deploymentsDel[key] = true
}

// --- close protocol ------------------------------------------------------

// close flushes the unit of work. Ordering: Closing hooks, strict
// exporters (a strict failure rolls everything back), session flush,
// AfterSessionsFlush hooks, event emission, Closed hooks.
func (cc *CommandContext) close(ctx context.Context) error {
	for _, l := range cc.closeListeners {
		l.Closing(cc)
	}

	for _, exp := range cc.engine.exporters {
		strict, ok := exp.(exporter.StrictExporter)
		if !ok || !strict.Strict() {
			continue
		}
		for _, event := range cc.events {
			if err := strict.Export(event); err != nil {
				cc.fail(err)
				return newEngineErrorf("strict exporter vetoed the unit of work: %s", err)
			}
		}
	}

	flushErr := cc.flushSessions(ctx)
	// a flushed definition advanced its revision in storage, a failed
	// flush may have raced another writer; either way the cached copy is
	// no longer authoritative and the next load re-reads storage
	for key := range cc.definitionsDirty {
		cc.engine.definitionCache.Remove(key)
	}
	if flushErr != nil {
		cc.fail(flushErr)
		return flushErr
	}

	for _, l := range cc.closeListeners {
		l.AfterSessionsFlush(cc)
	}

	for _, exp := range cc.engine.exporters {
		if strict, ok := exp.(exporter.StrictExporter); ok && strict.Strict() {
			continue
		}
		for _, event := range cc.events {
			if err := exp.Export(event); err != nil {
				cc.engine.logger.Error("event exporter failed", "event", event.Type, "err", err)
			}
		}
	}

	for _, l := range cc.closeListeners {
		l.Closed(cc)
	}
	return nil
}

func (cc *CommandContext) flushSessions(ctx context.Context) error {
	batch := cc.engine.persistence.NewBatch()
	for key := range cc.jobsDel {
		if err := batch.DeleteJob(ctx, key); err != nil {
			return err
		}
	}
	for key := range cc.timerJobsDel {
		if err := batch.DeleteTimerJob(ctx, key); err != nil {
			return err
		}
	}
	for key := range cc.subscriptionsDel {
		if err := batch.DeleteEventSubscription(ctx, key); err != nil {
			return err
		}
	}
	for key := range cc.executionsDel {
		if err := batch.DeleteExecution(ctx, key); err != nil {
			return err
		}
	}
	for _, e := range cc.executions {
		if err := batch.SaveExecution(ctx, *e); err != nil {
			return err
		}
	}
	for _, j := range cc.jobs {
		if err := batch.SaveJob(ctx, *j); err != nil {
			return err
		}
	}
	for _, t := range cc.timerJobs {
		if err := batch.SaveTimerJob(ctx, *t); err != nil {
			return err
		}
	}
	for _, s := range cc.subscriptions {
		if err := batch.SaveEventSubscription(ctx, *s); err != nil {
			return err
		}
	}
	for key := range cc.definitionsDirty {
		if err := batch.SaveProcessDefinition(ctx, *cc.definitions[key]); err != nil {
			return err
		}
	}
	for key := range cc.deploymentsDirty {
		if err := batch.SaveDeployment(ctx, *cc.deployments[key]); err != nil {
			return err
		}
	}
	for key := range cc.deploymentsDel {
		if err := batch.DeleteDeployment(ctx, key); err != nil {
			return err
		}
	}
	return batch.Flush(ctx)
}

// fail runs the CloseFailure hooks; the session is discarded, nothing
// was flushed and no events went out.
func (cc *CommandContext) fail(err error) {
	for _, l := range cc.closeListeners {
		l.CloseFailure(cc, err)
	}
}
