package exporter

import "time"

// EventType enumerates the domain events the engine publishes.
type EventType string

const (
	ProcessInstanceStarted   EventType = "PROCESS_INSTANCE_STARTED"
	ProcessInstanceCompleted EventType = "PROCESS_INSTANCE_COMPLETED"
	ElementActivated         EventType = "ELEMENT_ACTIVATED"
	ElementCompleted         EventType = "ELEMENT_COMPLETED"
	SequenceFlowTaken        EventType = "SEQUENCE_FLOW_TAKEN"
	TimerFired               EventType = "TIMER_FIRED"
	JobRetriesExhausted      EventType = "JOB_RETRIES_EXHAUSTED"
	CompensationTriggered    EventType = "COMPENSATION_TRIGGERED"
	EntityCreated            EventType = "ENTITY_CREATED"
	EntityDeleted            EventType = "ENTITY_DELETED"
)

// Entity type discriminators for EntityCreated / EntityDeleted events.
const (
	EntityJob      = "JOB"
	EntityTimerJob = "TIMER_JOB"
)

// Event is one domain event. Events raised inside a unit of work are
// queued and handed to exporters only after the unit of work committed,
// in the order they were raised.
type Event struct {
	Type                 EventType
	EntityType           string // set for ENTITY_CREATED / ENTITY_DELETED
	Key                  int64  // subject key: entity, element instance, or process instance
	ExecutionKey         int64
	ProcessInstanceKey   int64
	ProcessDefinitionKey int64
	ElementId            string
	At                   time.Time
}

// EventExporter receives committed domain events. Export errors are
// logged and dropped; an exporter that must veto the surrounding unit of
// work additionally implements StrictExporter.
type EventExporter interface {
	Export(event Event) error
}

// StrictExporter marks an exporter whose Export errors abort the unit of
// work. Strict exporters are invoked before the session flushes, so a
// failure rolls everything back.
type StrictExporter interface {
	EventExporter
	Strict() bool
}
