// Package inmemory is the reference storage.Storage implementation.
// It backs the engine test suite and small embedded deployments.
package inmemory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

// Storage keeps all engine entities in memory, guarded by one mutex.
// Saves enforce revision-based optimistic locking: a save whose revision
// does not match the stored entity fails with storage.ErrOptimisticLock.
// Please use NewStorage to create a new object of this type.
type Storage struct {
	mu                 sync.RWMutex
	ProcessDefinitions map[int64]runtime.ProcessDefinition
	Deployments        map[int64]runtime.Deployment
	Executions         map[int64]runtime.Execution
	EventSubscriptions map[int64]runtime.EventSubscription
	Jobs               map[int64]runtime.Job
	TimerJobs          map[int64]runtime.TimerJob
}

func NewStorage() *Storage {
	return &Storage{
		ProcessDefinitions: make(map[int64]runtime.ProcessDefinition),
		Deployments:        make(map[int64]runtime.Deployment),
		Executions:         make(map[int64]runtime.Execution),
		EventSubscriptions: make(map[int64]runtime.EventSubscription),
		Jobs:               make(map[int64]runtime.Job),
		TimerJobs:          make(map[int64]runtime.TimerJob),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	return &Batch{db: mem}
}

func checkRevision(stored int64, saved int64, exists bool) error {
	if !exists {
		// first insert accepts any starting revision
		return nil
	}
	if stored != saved {
		return storage.ErrOptimisticLock
	}
	return nil
}

func (mem *Storage) FindProcessDefinitionByKey(ctx context.Context, key int64) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessDefinitions[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindLatestProcessDefinitionById(ctx context.Context, bpmnProcessId string) (runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.ProcessDefinition
	found := false
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId != bpmnProcessId {
			continue
		}
		if found && def.Version < res.Version {
			continue
		}
		found = true
		res = def
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessDefinitionsById(ctx context.Context, bpmnProcessId string) ([]runtime.ProcessDefinition, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.ProcessDefinition, 0)
	for _, def := range mem.ProcessDefinitions {
		if def.BpmnProcessId != bpmnProcessId {
			continue
		}
		res = append(res, def)
	}
	slices.SortFunc(res, func(a, b runtime.ProcessDefinition) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

func (mem *Storage) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveProcessDefinitionLocked(definition)
}

func (mem *Storage) saveProcessDefinitionLocked(definition runtime.ProcessDefinition) error {
	stored, ok := mem.ProcessDefinitions[definition.Key]
	if err := checkRevision(stored.Revision, definition.Revision, ok); err != nil {
		return err
	}
	definition.Revision++
	mem.ProcessDefinitions[definition.Key] = definition
	return nil
}

func (mem *Storage) FindDeploymentByKey(ctx context.Context, key int64) (runtime.Deployment, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Deployments[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) SaveDeployment(ctx context.Context, deployment runtime.Deployment) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveDeploymentLocked(deployment)
}

func (mem *Storage) saveDeploymentLocked(deployment runtime.Deployment) error {
	stored, ok := mem.Deployments[deployment.Key]
	if err := checkRevision(stored.Revision, deployment.Revision, ok); err != nil {
		return err
	}
	deployment.Revision++
	mem.Deployments[deployment.Key] = deployment
	return nil
}

// DeleteDeployment removes the deployment record only; the process
// definitions it deployed stay queryable.
func (mem *Storage) DeleteDeployment(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if _, ok := mem.Deployments[key]; !ok {
		return storage.ErrNotFound
	}
	delete(mem.Deployments, key)
	return nil
}

func (mem *Storage) FindExecutionByKey(ctx context.Context, key int64) (runtime.Execution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Executions[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindExecutions(ctx context.Context, criteria storage.ExecutionCriteria) ([]runtime.Execution, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Execution, 0)
	for _, e := range mem.Executions {
		if criteria.ProcessInstanceKey != 0 && e.ProcessInstanceKey != criteria.ProcessInstanceKey {
			continue
		}
		if criteria.ParentKey != 0 && e.ParentKey != criteria.ParentKey {
			continue
		}
		if criteria.ElementId != "" && e.ElementId != criteria.ElementId {
			continue
		}
		if criteria.OnlyActive && e.State != runtime.ActivityStateActive {
			continue
		}
		if criteria.OnlyConcurrent && !e.IsConcurrent {
			continue
		}
		res = append(res, e)
	}
	slices.SortFunc(res, func(a, b runtime.Execution) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveExecution(ctx context.Context, execution runtime.Execution) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveExecutionLocked(execution)
}

func (mem *Storage) saveExecutionLocked(execution runtime.Execution) error {
	stored, ok := mem.Executions[execution.Key]
	if err := checkRevision(stored.Revision, execution.Revision, ok); err != nil {
		return err
	}
	execution.Revision++
	mem.Executions[execution.Key] = execution
	return nil
}

func (mem *Storage) DeleteExecution(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.Executions, key)
	return nil
}

func (mem *Storage) FindEventSubscriptionByKey(ctx context.Context, key int64) (runtime.EventSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.EventSubscriptions[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindEventSubscriptions(ctx context.Context, criteria storage.EventSubscriptionCriteria) ([]runtime.EventSubscription, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.EventSubscription, 0)
	for _, s := range mem.EventSubscriptions {
		if criteria.EventType != "" && s.EventType != criteria.EventType {
			continue
		}
		if criteria.EventName != "" && s.EventName != criteria.EventName {
			continue
		}
		if criteria.ExecutionKey != 0 && s.ExecutionKey != criteria.ExecutionKey {
			continue
		}
		if criteria.ProcessInstanceKey != 0 && s.ProcessInstanceKey != criteria.ProcessInstanceKey {
			continue
		}
		if criteria.ElementId != "" && s.ElementId != criteria.ElementId {
			continue
		}
		res = append(res, s)
	}
	slices.SortFunc(res, func(a, b runtime.EventSubscription) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveEventSubscriptionLocked(subscription)
}

func (mem *Storage) saveEventSubscriptionLocked(subscription runtime.EventSubscription) error {
	stored, ok := mem.EventSubscriptions[subscription.Key]
	if err := checkRevision(stored.Revision, subscription.Revision, ok); err != nil {
		return err
	}
	subscription.Revision++
	mem.EventSubscriptions[subscription.Key] = subscription
	return nil
}

func (mem *Storage) DeleteEventSubscription(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.EventSubscriptions, key)
	return nil
}

func (mem *Storage) FindJobByKey(ctx context.Context, key int64) (runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Jobs[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindJobs(ctx context.Context, criteria storage.JobCriteria) ([]runtime.Job, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Job, 0)
	for _, j := range mem.Jobs {
		if criteria.ProcessInstanceKey != 0 && j.ProcessInstanceKey != criteria.ProcessInstanceKey {
			continue
		}
		if criteria.ExecutionKey != 0 && j.ExecutionKey != criteria.ExecutionKey {
			continue
		}
		if criteria.HandlerType != "" && j.HandlerType != criteria.HandlerType {
			continue
		}
		if criteria.OnlyDead && !j.IsDead() {
			continue
		}
		if criteria.OnlyAcquirable {
			if j.IsDead() {
				continue
			}
			if j.DueDate != nil && j.DueDate.After(criteria.Now) {
				continue
			}
			if j.IsLocked(criteria.Now) {
				continue
			}
		}
		res = append(res, j)
	}
	slices.SortFunc(res, func(a, b runtime.Job) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) SaveJob(ctx context.Context, job runtime.Job) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveJobLocked(job)
}

func (mem *Storage) saveJobLocked(job runtime.Job) error {
	stored, ok := mem.Jobs[job.Key]
	if err := checkRevision(stored.Revision, job.Revision, ok); err != nil {
		return err
	}
	job.Revision++
	mem.Jobs[job.Key] = job
	return nil
}

func (mem *Storage) DeleteJob(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.Jobs, key)
	return nil
}

func (mem *Storage) TryLockJob(ctx context.Context, jobKey int64, owner string, now time.Time, lockExpiration time.Time) (bool, error) {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	job, ok := mem.Jobs[jobKey]
	if !ok {
		return false, storage.ErrNotFound
	}
	if job.IsLocked(now) && job.LockOwner != owner {
		return false, nil
	}
	job.LockOwner = owner
	job.LockExpirationTime = &lockExpiration
	job.Revision++
	mem.Jobs[jobKey] = job
	return true, nil
}

func (mem *Storage) FindTimerJobByKey(ctx context.Context, key int64) (runtime.TimerJob, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.TimerJobs[key]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindDueTimerJobs(ctx context.Context, end time.Time) ([]runtime.TimerJob, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.TimerJob, 0)
	for _, t := range mem.TimerJobs {
		if t.DueDate.After(end) {
			continue
		}
		res = append(res, t)
	}
	slices.SortFunc(res, func(a, b runtime.TimerJob) int {
		return a.DueDate.Compare(b.DueDate)
	})
	return res, nil
}

func (mem *Storage) FindTimerJobsByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.TimerJob, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.TimerJob, 0)
	for _, t := range mem.TimerJobs {
		if t.ProcessInstanceKey != processInstanceKey {
			continue
		}
		res = append(res, t)
	}
	return res, nil
}

func (mem *Storage) FindTimerJobsByHandlerType(ctx context.Context, handlerType string, processDefinitionKey int64) ([]runtime.TimerJob, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.TimerJob, 0)
	for _, t := range mem.TimerJobs {
		if t.HandlerType != handlerType {
			continue
		}
		if processDefinitionKey != 0 && t.ProcessDefinitionKey != processDefinitionKey {
			continue
		}
		res = append(res, t)
	}
	return res, nil
}

func (mem *Storage) SaveTimerJob(ctx context.Context, timer runtime.TimerJob) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	return mem.saveTimerJobLocked(timer)
}

func (mem *Storage) saveTimerJobLocked(timer runtime.TimerJob) error {
	stored, ok := mem.TimerJobs[timer.Key]
	if err := checkRevision(stored.Revision, timer.Revision, ok); err != nil {
		return err
	}
	timer.Revision++
	mem.TimerJobs[timer.Key] = timer
	return nil
}

func (mem *Storage) DeleteTimerJob(ctx context.Context, key int64) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	delete(mem.TimerJobs, key)
	return nil
}
