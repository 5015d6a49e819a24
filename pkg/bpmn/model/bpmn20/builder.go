package bpmn20

import "fmt"

// ProcessBuilder assembles a TDefinitions graph programmatically.
// It is the construction path for embedders and tests; parsing BPMN XML
// into the same structures is the job of an external parser.
type ProcessBuilder struct {
	definitions TDefinitions
	scope       *ScopeBuilder
}

func NewProcessBuilder(processId string) *ProcessBuilder {
	pb := &ProcessBuilder{
		definitions: TDefinitions{
			TBaseElement: TBaseElement{Id: processId + "-definitions"},
			Process: TProcess{
				TBaseElement: TBaseElement{Id: processId},
				IsExecutable: true,
			},
		},
	}
	pb.scope = &ScopeBuilder{container: &pb.definitions.Process.FlowElementsContainer}
	return pb
}

func (pb *ProcessBuilder) Message(id, name string) *ProcessBuilder {
	pb.definitions.Messages = append(pb.definitions.Messages, TMessage{Id: id, Name: name})
	return pb
}

func (pb *ProcessBuilder) Signal(id, name string) *ProcessBuilder {
	pb.definitions.Signals = append(pb.definitions.Signals, TSignal{Id: id, Name: name})
	return pb
}

// Scope exposes the process-level scope for adding elements and flows.
func (pb *ProcessBuilder) Scope() *ScopeBuilder {
	return pb.scope
}

// Build finalizes the graph: incoming/outgoing associations are derived
// from the collected sequence flows of every scope.
func (pb *ProcessBuilder) Build() *TDefinitions {
	fillAssociations(&pb.definitions.Process.FlowElementsContainer)
	defs := pb.definitions
	return &defs
}

// ScopeBuilder adds elements and flows to one FlowElementsContainer.
type ScopeBuilder struct {
	container *FlowElementsContainer
}

func (sb *ScopeBuilder) StartEvent(id string) *ScopeBuilder {
	sb.container.StartEvents = append(sb.container.StartEvents, TStartEvent{TFlowNode: flowNode(id)})
	return sb
}

func (sb *ScopeBuilder) TimerStartEvent(id string, cycle string) *ScopeBuilder {
	sb.container.StartEvents = append(sb.container.StartEvents, TStartEvent{
		TFlowNode:            flowNode(id),
		TimerEventDefinition: TTimerEventDefinition{Id: id + "-timer", TimeCycle: cycle},
	})
	return sb
}

func (sb *ScopeBuilder) EndEvent(id string) *ScopeBuilder {
	sb.container.EndEvents = append(sb.container.EndEvents, TEndEvent{TFlowNode: flowNode(id)})
	return sb
}

// CancelEndEvent ends a transaction scope by cancelling it, which
// compensates completed activities and takes the cancel boundary flow.
func (sb *ScopeBuilder) CancelEndEvent(id string) *ScopeBuilder {
	sb.container.EndEvents = append(sb.container.EndEvents, TEndEvent{
		TFlowNode:             flowNode(id),
		CancelEventDefinition: TCancelEventDefinition{Id: id + "-cancel"},
	})
	return sb
}

func (sb *ScopeBuilder) ServiceTask(id string, taskType string) *ScopeBuilder {
	sb.container.ServiceTasks = append(sb.container.ServiceTasks, TServiceTask{
		TActivity: TActivity{TFlowNode: flowNode(id)},
		TaskType:  taskType,
	})
	return sb
}

// AsyncServiceTask marks the task as an asynchronous continuation point.
func (sb *ScopeBuilder) AsyncServiceTask(id string, taskType string) *ScopeBuilder {
	sb.container.ServiceTasks = append(sb.container.ServiceTasks, TServiceTask{
		TActivity: TActivity{TFlowNode: flowNode(id), Async: true},
		TaskType:  taskType,
	})
	return sb
}

func (sb *ScopeBuilder) MultiInstanceServiceTask(id string, taskType string, loop TMultiInstanceLoopCharacteristics) *ScopeBuilder {
	sb.container.ServiceTasks = append(sb.container.ServiceTasks, TServiceTask{
		TActivity: TActivity{TFlowNode: flowNode(id), MultiInstanceLoopCharacteristics: loop},
		TaskType:  taskType,
	})
	return sb
}

func (sb *ScopeBuilder) UserTask(id string, assignee string) *ScopeBuilder {
	sb.container.UserTasks = append(sb.container.UserTasks, TUserTask{
		TActivity: TActivity{TFlowNode: flowNode(id)},
		Assignee:  assignee,
	})
	return sb
}

func (sb *ScopeBuilder) ParallelGateway(id string) *ScopeBuilder {
	sb.container.ParallelGateways = append(sb.container.ParallelGateways, TParallelGateway{TFlowNode: flowNode(id)})
	return sb
}

func (sb *ScopeBuilder) ExclusiveGateway(id string, defaultFlow string) *ScopeBuilder {
	sb.container.ExclusiveGateways = append(sb.container.ExclusiveGateways, TExclusiveGateway{
		TFlowNode:   flowNode(id),
		DefaultFlow: defaultFlow,
	})
	return sb
}

func (sb *ScopeBuilder) EventBasedGateway(id string) *ScopeBuilder {
	sb.container.EventBasedGateways = append(sb.container.EventBasedGateways, TEventBasedGateway{TFlowNode: flowNode(id)})
	return sb
}

func (sb *ScopeBuilder) TimerCatchEvent(id string, isoDuration string) *ScopeBuilder {
	sb.container.IntermediateCatchEvents = append(sb.container.IntermediateCatchEvents, TIntermediateCatchEvent{
		TFlowNode:            flowNode(id),
		TimerEventDefinition: TTimerEventDefinition{Id: id + "-timer", TimeDuration: isoDuration},
	})
	return sb
}

func (sb *ScopeBuilder) TimerCycleCatchEvent(id string, cycle string, endDateExpression string) *ScopeBuilder {
	sb.container.IntermediateCatchEvents = append(sb.container.IntermediateCatchEvents, TIntermediateCatchEvent{
		TFlowNode: flowNode(id),
		TimerEventDefinition: TTimerEventDefinition{
			Id:                id + "-timer",
			TimeCycle:         cycle,
			EndDateExpression: endDateExpression,
		},
	})
	return sb
}

func (sb *ScopeBuilder) MessageCatchEvent(id string, messageRef string) *ScopeBuilder {
	sb.container.IntermediateCatchEvents = append(sb.container.IntermediateCatchEvents, TIntermediateCatchEvent{
		TFlowNode:              flowNode(id),
		MessageEventDefinition: TMessageEventDefinition{Id: id + "-message", MessageRef: messageRef},
	})
	return sb
}

func (sb *ScopeBuilder) SignalCatchEvent(id string, signalRef string) *ScopeBuilder {
	sb.container.IntermediateCatchEvents = append(sb.container.IntermediateCatchEvents, TIntermediateCatchEvent{
		TFlowNode:             flowNode(id),
		SignalEventDefinition: TSignalEventDefinition{Id: id + "-signal", SignalRef: signalRef},
	})
	return sb
}

func (sb *ScopeBuilder) SignalThrowEvent(id string, signalRef string) *ScopeBuilder {
	sb.container.IntermediateThrowEvents = append(sb.container.IntermediateThrowEvents, TIntermediateThrowEvent{
		TFlowNode:             flowNode(id),
		SignalEventDefinition: TSignalEventDefinition{Id: id + "-signal", SignalRef: signalRef},
	})
	return sb
}

func (sb *ScopeBuilder) CompensateThrowEvent(id string, activityRef string) *ScopeBuilder {
	sb.container.IntermediateThrowEvents = append(sb.container.IntermediateThrowEvents, TIntermediateThrowEvent{
		TFlowNode:                 flowNode(id),
		CompensateEventDefinition: TCompensateEventDefinition{Id: id + "-compensate", ActivityRef: activityRef},
	})
	return sb
}

func (sb *ScopeBuilder) BoundaryEvent(event TBoundaryEvent) *ScopeBuilder {
	sb.container.BoundaryEvents = append(sb.container.BoundaryEvents, event)
	return sb
}

func (sb *ScopeBuilder) CancelBoundaryEvent(id string, attachedTo string) *ScopeBuilder {
	return sb.BoundaryEvent(TBoundaryEvent{
		TFlowNode:             flowNode(id),
		AttachedToRef:         attachedTo,
		CancelActivity:        true,
		CancelEventDefinition: TCancelEventDefinition{Id: id + "-cancel"},
	})
}

// CompensationHandler attaches a boundary compensate event to the given
// activity and associates it with a service task acting as the handler.
func (sb *ScopeBuilder) CompensationHandler(attachedTo string, handlerId string, taskType string) *ScopeBuilder {
	boundaryId := attachedTo + "-compensate-boundary"
	sb.BoundaryEvent(TBoundaryEvent{
		TFlowNode:                 flowNode(boundaryId),
		AttachedToRef:             attachedTo,
		CompensateEventDefinition: TCompensateEventDefinition{Id: boundaryId + "-def"},
	})
	sb.ServiceTask(handlerId, taskType)
	sb.container.Associations = append(sb.container.Associations, TAssociation{
		TBaseElement: TBaseElement{Id: fmt.Sprintf("%s-%s", boundaryId, handlerId)},
		SourceRef:    boundaryId,
		TargetRef:    handlerId,
	})
	return sb
}

func (sb *ScopeBuilder) MessageBoundaryEvent(id string, attachedTo string, messageRef string, cancelActivity bool) *ScopeBuilder {
	return sb.BoundaryEvent(TBoundaryEvent{
		TFlowNode:              flowNode(id),
		AttachedToRef:          attachedTo,
		CancelActivity:         cancelActivity,
		MessageEventDefinition: TMessageEventDefinition{Id: id + "-message", MessageRef: messageRef},
	})
}

func (sb *ScopeBuilder) SubProcess(id string, build func(*ScopeBuilder)) *ScopeBuilder {
	sp := TSubProcess{TActivity: TActivity{TFlowNode: flowNode(id)}}
	build(&ScopeBuilder{container: &sp.FlowElementsContainer})
	sb.container.SubProcesses = append(sb.container.SubProcesses, sp)
	return sb
}

func (sb *ScopeBuilder) Transaction(id string, build func(*ScopeBuilder)) *ScopeBuilder {
	tx := TTransaction{TActivity: TActivity{TFlowNode: flowNode(id)}}
	build(&ScopeBuilder{container: &tx.FlowElementsContainer})
	sb.container.Transactions = append(sb.container.Transactions, tx)
	return sb
}

func (sb *ScopeBuilder) MultiInstanceTransaction(id string, loop TMultiInstanceLoopCharacteristics, build func(*ScopeBuilder)) *ScopeBuilder {
	tx := TTransaction{TActivity: TActivity{TFlowNode: flowNode(id), MultiInstanceLoopCharacteristics: loop}}
	build(&ScopeBuilder{container: &tx.FlowElementsContainer})
	sb.container.Transactions = append(sb.container.Transactions, tx)
	return sb
}

func (sb *ScopeBuilder) AdHocSubProcess(id string, ordering AdHocOrdering, build func(*ScopeBuilder)) *ScopeBuilder {
	return sb.AdHocSubProcessWithCondition(id, ordering, "", build)
}

// AdHocSubProcessWithCondition is AdHocSubProcess with a completion
// condition evaluated after each finished inner activity.
func (sb *ScopeBuilder) AdHocSubProcessWithCondition(id string, ordering AdHocOrdering, completionCondition string, build func(*ScopeBuilder)) *ScopeBuilder {
	ahsp := TAdHocSubProcess{
		TActivity:           TActivity{TFlowNode: flowNode(id)},
		Ordering:            ordering,
		CompletionCondition: completionCondition,
	}
	build(&ScopeBuilder{container: &ahsp.FlowElementsContainer})
	sb.container.AdHocSubProcesses = append(sb.container.AdHocSubProcesses, ahsp)
	return sb
}

func (sb *ScopeBuilder) CallActivity(id string, calledElement string) *ScopeBuilder {
	sb.container.CallActivities = append(sb.container.CallActivities, TCallActivity{
		TActivity:     TActivity{TFlowNode: flowNode(id)},
		CalledElement: calledElement,
	})
	return sb
}

// Flow connects source to target with a generated flow id "source-target".
func (sb *ScopeBuilder) Flow(sourceId string, targetId string) *ScopeBuilder {
	return sb.ConditionalFlow(sourceId, targetId, "")
}

func (sb *ScopeBuilder) ConditionalFlow(sourceId string, targetId string, condition string) *ScopeBuilder {
	sb.container.SequenceFlows = append(sb.container.SequenceFlows, TSequenceFlow{
		TBaseElement:        TBaseElement{Id: fmt.Sprintf("%s-%s", sourceId, targetId)},
		SourceRef:           sourceId,
		TargetRef:           targetId,
		ConditionExpression: condition,
	})
	return sb
}

func flowNode(id string) TFlowNode {
	return TFlowNode{TBaseElement: TBaseElement{Id: id, Name: id}}
}

func fillAssociations(c *FlowElementsContainer) {
	incoming := map[string][]string{}
	outgoing := map[string][]string{}
	for _, flow := range c.SequenceFlows {
		outgoing[flow.SourceRef] = append(outgoing[flow.SourceRef], flow.Id)
		incoming[flow.TargetRef] = append(incoming[flow.TargetRef], flow.Id)
	}
	for i := range c.StartEvents {
		applyAssociations(&c.StartEvents[i].TFlowNode, incoming, outgoing)
	}
	for i := range c.EndEvents {
		applyAssociations(&c.EndEvents[i].TFlowNode, incoming, outgoing)
	}
	for i := range c.ServiceTasks {
		applyAssociations(&c.ServiceTasks[i].TFlowNode, incoming, outgoing)
	}
	for i := range c.UserTasks {
		applyAssociations(&c.UserTasks[i].TFlowNode, incoming, outgoing)
	}
	for i := range c.ParallelGateways {
		applyAssociations(&c.ParallelGateways[i].TFlowNode, incoming, outgoing)
	}
	for i := range c.ExclusiveGateways {
		applyAssociations(&c.ExclusiveGateways[i].TFlowNode, incoming, outgoing)
	}
	for i := range c.EventBasedGateways {
		applyAssociations(&c.EventBasedGateways[i].TFlowNode, incoming, outgoing)
	}
	for i := range c.IntermediateCatchEvents {
		applyAssociations(&c.IntermediateCatchEvents[i].TFlowNode, incoming, outgoing)
	}
	for i := range c.IntermediateThrowEvents {
		applyAssociations(&c.IntermediateThrowEvents[i].TFlowNode, incoming, outgoing)
	}
	for i := range c.BoundaryEvents {
		applyAssociations(&c.BoundaryEvents[i].TFlowNode, incoming, outgoing)
	}
	for i := range c.SubProcesses {
		applyAssociations(&c.SubProcesses[i].TFlowNode, incoming, outgoing)
		fillAssociations(&c.SubProcesses[i].FlowElementsContainer)
	}
	for i := range c.Transactions {
		applyAssociations(&c.Transactions[i].TFlowNode, incoming, outgoing)
		fillAssociations(&c.Transactions[i].FlowElementsContainer)
	}
	for i := range c.AdHocSubProcesses {
		applyAssociations(&c.AdHocSubProcesses[i].TFlowNode, incoming, outgoing)
		fillAssociations(&c.AdHocSubProcesses[i].FlowElementsContainer)
	}
	for i := range c.CallActivities {
		applyAssociations(&c.CallActivities[i].TFlowNode, incoming, outgoing)
	}
}

func applyAssociations(node *TFlowNode, incoming map[string][]string, outgoing map[string][]string) {
	node.IncomingAssociation = incoming[node.Id]
	node.OutgoingAssociation = outgoing[node.Id]
}
