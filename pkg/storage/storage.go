// Package storage contains the entity-storage interfaces the engine core
// depends on, so that different persistence layers can be implemented.
//
// Interfaces in this package must:
//   - return ErrNotFound if a method looks for one exact item and it does not exist
//   - return an empty slice for methods that can return multiple results and none is found
//   - return ErrOptimisticLock when a save observes a stale entity revision
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/procflow/procflow/pkg/bpmn/runtime"
)

var (
	ErrNotFound       = errors.New("entity not found")
	ErrOptimisticLock = errors.New("stale entity revision")
)

// Storage is the complete persistence surface used by the engine.
type Storage interface {
	ProcessDefinitionStorageReader
	ProcessDefinitionStorageWriter
	DeploymentStorageReader
	DeploymentStorageWriter
	ExecutionStorageReader
	ExecutionStorageWriter
	EventSubscriptionStorageReader
	EventSubscriptionStorageWriter
	JobStorageReader
	JobStorageWriter
	TimerJobStorageReader
	TimerJobStorageWriter

	// TryLockJob atomically claims a ready job for the given owner until
	// lockExpiration. Returns false without error when another lock still
	// lives at now. This is the compare-and-set seam of the scheduler;
	// now comes from the caller's clock so lock expiry stays testable.
	TryLockJob(ctx context.Context, jobKey int64, owner string, now time.Time, lockExpiration time.Time) (bool, error)

	NewBatch() Batch
}

// Batch collects writes of one unit of work and applies them atomically
// on Flush. A failed Flush leaves storage untouched.
type Batch interface {
	ProcessDefinitionStorageWriter
	DeploymentStorageWriter
	ExecutionStorageWriter
	EventSubscriptionStorageWriter
	JobStorageWriter
	TimerJobStorageWriter

	Flush(ctx context.Context) error
}

type ProcessDefinitionStorageReader interface {
	FindProcessDefinitionByKey(ctx context.Context, key int64) (runtime.ProcessDefinition, error)

	FindLatestProcessDefinitionById(ctx context.Context, bpmnProcessId string) (runtime.ProcessDefinition, error)

	// FindProcessDefinitionsById returns zero or many definitions with the given
	// id, ordered by version from 1 (first) to the largest (last).
	FindProcessDefinitionsById(ctx context.Context, bpmnProcessId string) ([]runtime.ProcessDefinition, error)
}

type ProcessDefinitionStorageWriter interface {
	SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error
}

type DeploymentStorageReader interface {
	FindDeploymentByKey(ctx context.Context, key int64) (runtime.Deployment, error)
}

type DeploymentStorageWriter interface {
	SaveDeployment(ctx context.Context, deployment runtime.Deployment) error
	DeleteDeployment(ctx context.Context, key int64) error
}

// ExecutionCriteria narrows FindExecutions; zero values are wildcards.
type ExecutionCriteria struct {
	ProcessInstanceKey int64
	ParentKey          int64
	ElementId          string
	OnlyActive         bool
	OnlyConcurrent     bool
}

type ExecutionStorageReader interface {
	FindExecutionByKey(ctx context.Context, key int64) (runtime.Execution, error)

	FindExecutions(ctx context.Context, criteria ExecutionCriteria) ([]runtime.Execution, error)
}

type ExecutionStorageWriter interface {
	SaveExecution(ctx context.Context, execution runtime.Execution) error
	DeleteExecution(ctx context.Context, key int64) error
}

// EventSubscriptionCriteria narrows FindEventSubscriptions; zero values
// are wildcards.
type EventSubscriptionCriteria struct {
	EventType          runtime.EventType
	EventName          string
	ExecutionKey       int64
	ProcessInstanceKey int64
	ElementId          string
}

type EventSubscriptionStorageReader interface {
	FindEventSubscriptionByKey(ctx context.Context, key int64) (runtime.EventSubscription, error)

	FindEventSubscriptions(ctx context.Context, criteria EventSubscriptionCriteria) ([]runtime.EventSubscription, error)
}

type EventSubscriptionStorageWriter interface {
	SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error
	DeleteEventSubscription(ctx context.Context, key int64) error
}

// JobCriteria narrows FindJobs; zero values are wildcards.
type JobCriteria struct {
	ProcessInstanceKey int64
	ExecutionKey       int64
	HandlerType        string
	// OnlyAcquirable keeps jobs that are due, not dead, and either
	// unlocked or holding an expired lock as of Now.
	OnlyAcquirable bool
	// OnlyDead keeps jobs with exhausted retries.
	OnlyDead bool
	Now      time.Time
}

type JobStorageReader interface {
	FindJobByKey(ctx context.Context, key int64) (runtime.Job, error)

	FindJobs(ctx context.Context, criteria JobCriteria) ([]runtime.Job, error)
}

type JobStorageWriter interface {
	SaveJob(ctx context.Context, job runtime.Job) error
	DeleteJob(ctx context.Context, key int64) error
}

type TimerJobStorageReader interface {
	FindTimerJobByKey(ctx context.Context, key int64) (runtime.TimerJob, error)

	// FindDueTimerJobs returns timer jobs whose due date is at or before end.
	FindDueTimerJobs(ctx context.Context, end time.Time) ([]runtime.TimerJob, error)

	FindTimerJobsByProcessInstance(ctx context.Context, processInstanceKey int64) ([]runtime.TimerJob, error)

	FindTimerJobsByHandlerType(ctx context.Context, handlerType string, processDefinitionKey int64) ([]runtime.TimerJob, error)
}

type TimerJobStorageWriter interface {
	SaveTimerJob(ctx context.Context, timer runtime.TimerJob) error
	DeleteTimerJob(ctx context.Context, key int64) error
}
