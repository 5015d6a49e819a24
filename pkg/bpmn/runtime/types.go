package runtime

import (
	"time"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
)

// ProcessDefinition is the compiled, immutable process graph under an
// engine key. Resolved once per key and cached; never mutated after
// deployment. Suspension state lives next to the graph because starting
// an instance must be able to fail fast on it.
type ProcessDefinition struct {
	BpmnProcessId string // the process id as defined in the BPMN resource
	Version       int32  // incremented whenever the same BpmnProcessId is deployed again
	Key           int64  // the engine key for this (BpmnProcessId, Version)
	DeploymentKey int64
	TenantId      string
	Definitions   *bpmn20.TDefinitions `json:"-"` // parsed graph; reloadable from RawData
	RawData       []byte               // raw resource bytes, kept for cache re-parse
	ResourceName  string
	Checksum      [16]byte
	Suspended     bool
	Revision      int64
}

// Deployment groups the definitions that were deployed together.
type Deployment struct {
	Key            int64
	Name           string
	TenantId       string
	DeployedAt     time.Time
	DefinitionKeys []int64
	Revision       int64
}

// ActivityState as per BPMN 2.0 spec, section 13.2.2.
type ActivityState string

const (
	ActivityStateReady        ActivityState = "READY"
	ActivityStateActive       ActivityState = "ACTIVE"
	ActivityStateCompleting   ActivityState = "COMPLETING"
	ActivityStateCompleted    ActivityState = "COMPLETED"
	ActivityStateCompensating ActivityState = "COMPENSATING"
	ActivityStateCompensated  ActivityState = "COMPENSATED"
	ActivityStateFailed       ActivityState = "FAILED"
	ActivityStateTerminated   ActivityState = "TERMINATED"
	ActivityStateWithdrawn    ActivityState = "WITHDRAWN"
)

// Execution is a live pointer into a process instance's control-flow
// graph: the mutable unit of runtime state. A process instance is the
// root execution (ParentKey == 0, ProcessInstanceKey == Key) plus its
// descendant tree. A parent exclusively owns its children; the set of
// active concurrent children under one parent determines whether the
// parent may proceed.
type Execution struct {
	Key                  int64
	ProcessInstanceKey   int64 // the root execution's own key
	ParentKey            int64 // 0 for the root
	ProcessDefinitionKey int64
	ElementId            string // current node; empty while the root only hosts children
	BusinessKey          string // root only
	State                ActivityState
	IsConcurrent         bool // participates in a parallel fork
	IsScope              bool // owns local variables and event subscriptions
	Suspended            bool
	TenantId             string
	DeleteReason         string
	Variables            map[string]any // scope-local variables, nil unless IsScope
	CreatedAt            time.Time
	Revision             int64
}

func (e *Execution) IsActive() bool {
	return e.State == ActivityStateActive
}

func (e *Execution) IsProcessInstance() bool {
	return e.ParentKey == 0
}

func (e *Execution) GetState() ActivityState {
	return e.State
}

// GetVariable reads from this execution's scope only. Resolution along
// the parent chain is the engine's job, since parents live in storage.
func (e *Execution) GetVariable(key string) any {
	if e.Variables == nil {
		return nil
	}
	return e.Variables[key]
}

func (e *Execution) SetVariable(key string, value any) {
	if e.Variables == nil {
		e.Variables = map[string]any{}
	}
	e.Variables[key] = value
}

type EventType string

const (
	EventTypeSignal     EventType = "signal"
	EventTypeMessage    EventType = "message"
	EventTypeCompensate EventType = "compensate"
)

// EventSubscription is a registered intent to be notified of a future
// signal, message, or compensation event. ExecutionKey points at the
// event-scope execution, which may be an ancestor scope rather than the
// leaf (compensation subscriptions live on the enclosing transaction's
// scope execution).
type EventSubscription struct {
	Key                  int64
	EventType            EventType
	EventName            string
	ExecutionKey         int64
	ProcessInstanceKey   int64
	ProcessDefinitionKey int64
	ElementId            string
	// Configuration is an opaque correlation payload, e.g. the key of the
	// completed scope execution a compensation handler must run against.
	Configuration string
	TenantId      string
	CreatedAt     time.Time
	Revision      int64
}

// Job handler types understood by the engine's job handler registry.
const (
	JobHandlerAsyncContinue      = "async-continue"
	JobHandlerTimerTrigger       = "timer-trigger"
	JobHandlerTimerStartEvent    = "timer-start-event"
	JobHandlerSuspendDefinition  = "suspend-process-definition"
	JobHandlerActivateDefinition = "activate-process-definition"
	JobHandlerUserTask           = "user-task"
)

// Job is a unit of deferred engine work, persisted for exclusive pickup
// by one worker. A job with DueDate == nil is ready now. A job with
// Retries == 0 is dead: it keeps its exception info and is never
// acquired again without operator intervention.
type Job struct {
	Key                  int64
	ExecutionKey         int64
	ProcessInstanceKey   int64
	ProcessDefinitionKey int64
	HandlerType          string
	HandlerConfig        string // opaque JSON payload, e.g. element id + repeat cycle
	DueDate              *time.Time
	LockOwner            string
	LockExpirationTime   *time.Time
	Retries              int
	ExceptionMessage     string
	ExceptionStacktrace  string
	TenantId             string
	CreatedAt            time.Time
	Revision             int64
}

func (j *Job) IsLocked(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpirationTime != nil && j.LockExpirationTime.After(now)
}

func (j *Job) IsDead() bool {
	return j.Retries <= 0
}

// TimerJob is a job variant keyed by a future due date, not yet eligible
// for execution. When the due date is reached the row is deleted and a
// corresponding Job row is inserted; the transition is an explicit
// two-row state change, not an in-place status flip.
type TimerJob struct {
	Key                  int64
	ExecutionKey         int64
	ProcessInstanceKey   int64
	ProcessDefinitionKey int64
	HandlerType          string
	HandlerConfig        string
	DueDate              time.Time
	// Repeat holds the remaining cycle, e.g. R9/PT2S; empty for one-shot timers.
	Repeat    string
	TenantId  string
	CreatedAt time.Time
	Revision  int64
}
