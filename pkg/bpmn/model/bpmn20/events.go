package bpmn20

// Event definitions are modelled as value structs on the event elements;
// an empty Id means the definition is not present.

type TTimerEventDefinition struct {
	Id string
	// TimeDuration holds an ISO-8601 duration, e.g. PT15S.
	TimeDuration string
	// TimeCycle holds an ISO-8601 repetition, e.g. R10/PT2S.
	TimeCycle string
	// TimeDate holds an ISO-8601 date-time for absolute timers.
	TimeDate string
	// EndDateExpression optionally limits a cycle; evaluated against
	// process instance variables at reschedule time.
	EndDateExpression string
}

type TMessageEventDefinition struct {
	Id         string
	MessageRef string
}

type TSignalEventDefinition struct {
	Id        string
	SignalRef string
}

type TCompensateEventDefinition struct {
	Id string
	// ActivityRef limits a compensation throw to one activity; empty
	// compensates every completed activity in the throwing scope.
	ActivityRef string
}

type TCancelEventDefinition struct {
	Id string
}

type TErrorEventDefinition struct {
	Id       string
	ErrorRef string
}

type TMessage struct {
	Id   string
	Name string
}

type TSignal struct {
	Id   string
	Name string
}

type TStartEvent struct {
	TFlowNode
	TimerEventDefinition   TTimerEventDefinition
	MessageEventDefinition TMessageEventDefinition
}

func (e TStartEvent) GetType() ElementType {
	return ElementTypeStartEvent
}

type TEndEvent struct {
	TFlowNode
	CancelEventDefinition     TCancelEventDefinition
	CompensateEventDefinition TCompensateEventDefinition
}

func (e TEndEvent) GetType() ElementType { return ElementTypeEndEvent }

// IsCancelEnd reports a transaction cancel end event.
func (e TEndEvent) IsCancelEnd() bool {
	return e.CancelEventDefinition.Id != ""
}

func (e TEndEvent) IsCompensateEnd() bool {
	return e.CompensateEventDefinition.Id != ""
}

type TIntermediateCatchEvent struct {
	TFlowNode
	TimerEventDefinition   TTimerEventDefinition
	MessageEventDefinition TMessageEventDefinition
	SignalEventDefinition  TSignalEventDefinition
}

func (e TIntermediateCatchEvent) GetType() ElementType {
	return ElementTypeIntermediateCatchEvent
}

type TIntermediateThrowEvent struct {
	TFlowNode
	SignalEventDefinition     TSignalEventDefinition
	CompensateEventDefinition TCompensateEventDefinition
}

func (e TIntermediateThrowEvent) GetType() ElementType {
	return ElementTypeIntermediateThrowEvent
}

// TBoundaryEvent is attached to an activity and catches while the activity
// (or its scope, for transactions) is live.
type TBoundaryEvent struct {
	TFlowNode
	AttachedToRef             string
	CancelActivity            bool
	TimerEventDefinition      TTimerEventDefinition
	MessageEventDefinition    TMessageEventDefinition
	SignalEventDefinition     TSignalEventDefinition
	CancelEventDefinition     TCancelEventDefinition
	CompensateEventDefinition TCompensateEventDefinition
}

func (e TBoundaryEvent) GetType() ElementType {
	return ElementTypeBoundaryEvent
}

func (e TBoundaryEvent) IsCancelBoundary() bool {
	return e.CancelEventDefinition.Id != ""
}

func (e TBoundaryEvent) IsCompensateBoundary() bool {
	return e.CompensateEventDefinition.Id != ""
}
