package bpmn20

// TMultiInstanceLoopCharacteristics marks an activity as multi-instance.
// InputCollection is an expression producing the element collection;
// a non-empty InputCollection is what makes an activity multi-instance.
type TMultiInstanceLoopCharacteristics struct {
	IsSequential        bool
	InputCollection     string
	InputElement        string
	CompletionCondition string
}

type TActivity struct {
	TFlowNode
	MultiInstanceLoopCharacteristics TMultiInstanceLoopCharacteristics
	// Async marks the activity as an asynchronous continuation: the engine
	// returns to the caller after persisting a job and the job executor
	// picks the activity up later.
	Async bool
}

func (a TActivity) GetLoopCharacteristics() TMultiInstanceLoopCharacteristics {
	return a.MultiInstanceLoopCharacteristics
}

func (a TActivity) IsMultiInstance() bool {
	return a.MultiInstanceLoopCharacteristics.InputCollection != ""
}

type TServiceTask struct {
	TActivity
	// TaskType selects the registered task handler.
	TaskType string
}

func (t TServiceTask) GetType() ElementType { return ElementTypeServiceTask }

func (t TServiceTask) GetTaskType() string {
	return t.TaskType
}

type TUserTask struct {
	TActivity
	Assignee        string
	CandidateGroups []string
}

func (t TUserTask) GetType() ElementType {
	return ElementTypeUserTask
}

// ActivityElement is implemented by every element that can carry
// multi-instance loop characteristics and boundary events.
type ActivityElement interface {
	FlowNode
	GetLoopCharacteristics() TMultiInstanceLoopCharacteristics
	IsMultiInstance() bool
}

// TSubProcess is an embedded sub-process; a scope with its own flow.
type TSubProcess struct {
	TActivity
	FlowElementsContainer
}

func (s TSubProcess) GetType() ElementType {
	return ElementTypeSubProcess
}

// TTransaction is a sub-process with compensation-on-cancel semantics.
type TTransaction struct {
	TActivity
	FlowElementsContainer
}

func (t TTransaction) GetType() ElementType {
	return ElementTypeTransaction
}

type AdHocOrdering string

const (
	AdHocOrderingParallel   AdHocOrdering = "Parallel"
	AdHocOrderingSequential AdHocOrdering = "Sequential"
)

// TAdHocSubProcess contains activities that are enabled dynamically
// through the engine API rather than by sequence flow.
type TAdHocSubProcess struct {
	TActivity
	FlowElementsContainer
	Ordering            AdHocOrdering
	CompletionCondition string
}

func (a TAdHocSubProcess) GetType() ElementType {
	return ElementTypeAdHocSubProcess
}

type TCallActivity struct {
	TActivity
	// CalledElement is the BPMN process id of the process to instantiate.
	CalledElement string
}

func (c TCallActivity) GetType() ElementType {
	return ElementTypeCallActivity
}
