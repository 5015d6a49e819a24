package bpmn20

// FlowElementsContainer holds the flow content of a process or an
// embedded scope (sub-process, transaction, ad-hoc sub-process).
type FlowElementsContainer struct {
	StartEvents             []TStartEvent
	EndEvents               []TEndEvent
	ServiceTasks            []TServiceTask
	UserTasks               []TUserTask
	ParallelGateways        []TParallelGateway
	ExclusiveGateways       []TExclusiveGateway
	EventBasedGateways      []TEventBasedGateway
	IntermediateCatchEvents []TIntermediateCatchEvent
	IntermediateThrowEvents []TIntermediateThrowEvent
	BoundaryEvents          []TBoundaryEvent
	SubProcesses            []TSubProcess
	Transactions            []TTransaction
	AdHocSubProcesses       []TAdHocSubProcess
	CallActivities          []TCallActivity
	SequenceFlows           []TSequenceFlow
	Associations            []TAssociation
}

// FlowNodes returns every flow node of this container, not descending
// into nested scopes.
func (c *FlowElementsContainer) FlowNodes() []FlowNode {
	nodes := make([]FlowNode, 0)
	for i := range c.StartEvents {
		nodes = append(nodes, c.StartEvents[i])
	}
	for i := range c.EndEvents {
		nodes = append(nodes, c.EndEvents[i])
	}
	for i := range c.ServiceTasks {
		nodes = append(nodes, c.ServiceTasks[i])
	}
	for i := range c.UserTasks {
		nodes = append(nodes, c.UserTasks[i])
	}
	for i := range c.ParallelGateways {
		nodes = append(nodes, c.ParallelGateways[i])
	}
	for i := range c.ExclusiveGateways {
		nodes = append(nodes, c.ExclusiveGateways[i])
	}
	for i := range c.EventBasedGateways {
		nodes = append(nodes, c.EventBasedGateways[i])
	}
	for i := range c.IntermediateCatchEvents {
		nodes = append(nodes, c.IntermediateCatchEvents[i])
	}
	for i := range c.IntermediateThrowEvents {
		nodes = append(nodes, c.IntermediateThrowEvents[i])
	}
	for i := range c.BoundaryEvents {
		nodes = append(nodes, c.BoundaryEvents[i])
	}
	for i := range c.SubProcesses {
		nodes = append(nodes, c.SubProcesses[i])
	}
	for i := range c.Transactions {
		nodes = append(nodes, c.Transactions[i])
	}
	for i := range c.AdHocSubProcesses {
		nodes = append(nodes, c.AdHocSubProcesses[i])
	}
	for i := range c.CallActivities {
		nodes = append(nodes, c.CallActivities[i])
	}
	return nodes
}

// GetFlowNodeById resolves a node in this container or any nested scope.
func (c *FlowElementsContainer) GetFlowNodeById(id string) FlowNode {
	for _, node := range c.FlowNodes() {
		if node.GetId() == id {
			return node
		}
	}
	for i := range c.SubProcesses {
		if node := c.SubProcesses[i].GetFlowNodeById(id); node != nil {
			return node
		}
	}
	for i := range c.Transactions {
		if node := c.Transactions[i].GetFlowNodeById(id); node != nil {
			return node
		}
	}
	for i := range c.AdHocSubProcesses {
		if node := c.AdHocSubProcesses[i].GetFlowNodeById(id); node != nil {
			return node
		}
	}
	return nil
}

// GetContainerOf returns the container holding the node with the given id,
// descending into nested scopes. Returns nil when the id is unknown.
func (c *FlowElementsContainer) GetContainerOf(id string) *FlowElementsContainer {
	for _, node := range c.FlowNodes() {
		if node.GetId() == id {
			return c
		}
	}
	for i := range c.SubProcesses {
		if found := c.SubProcesses[i].GetContainerOf(id); found != nil {
			return found
		}
	}
	for i := range c.Transactions {
		if found := c.Transactions[i].GetContainerOf(id); found != nil {
			return found
		}
	}
	for i := range c.AdHocSubProcesses {
		if found := c.AdHocSubProcesses[i].GetContainerOf(id); found != nil {
			return found
		}
	}
	return nil
}

// ScopeIdOf returns the id of the innermost embedded scope containing
// the node, or "" when the node sits directly at this container's level
// or is unknown.
func (c *FlowElementsContainer) ScopeIdOf(id string) string {
	scopeId, _ := c.scopeOf(id)
	return scopeId
}

func (c *FlowElementsContainer) scopeOf(id string) (string, bool) {
	for _, node := range c.FlowNodes() {
		if node.GetId() == id {
			return "", true
		}
	}
	for i := range c.SubProcesses {
		if inner, ok := c.SubProcesses[i].scopeOf(id); ok {
			if inner == "" {
				return c.SubProcesses[i].Id, true
			}
			return inner, true
		}
	}
	for i := range c.Transactions {
		if inner, ok := c.Transactions[i].scopeOf(id); ok {
			if inner == "" {
				return c.Transactions[i].Id, true
			}
			return inner, true
		}
	}
	for i := range c.AdHocSubProcesses {
		if inner, ok := c.AdHocSubProcesses[i].scopeOf(id); ok {
			if inner == "" {
				return c.AdHocSubProcesses[i].Id, true
			}
			return inner, true
		}
	}
	return "", false
}

// FindBoundaryEventsFor returns the boundary events attached to the
// given activity.
func (c *FlowElementsContainer) FindBoundaryEventsFor(activityId string) (ret []TBoundaryEvent) {
	container := c.GetContainerOf(activityId)
	if container == nil {
		return nil
	}
	for _, be := range container.BoundaryEvents {
		if be.AttachedToRef == activityId {
			ret = append(ret, be)
		}
	}
	return ret
}

// FindCompensationHandlerId resolves the compensation handler activity for
// the given activity: the target of the association leaving its boundary
// compensate event. Empty when the activity has no compensation handler.
func (c *FlowElementsContainer) FindCompensationHandlerId(activityId string) string {
	container := c.GetContainerOf(activityId)
	if container == nil {
		return ""
	}
	for _, be := range container.BoundaryEvents {
		if be.AttachedToRef != activityId || !be.IsCompensateBoundary() {
			continue
		}
		for _, assoc := range container.Associations {
			if assoc.SourceRef == be.Id {
				return assoc.TargetRef
			}
		}
	}
	return ""
}

type TProcess struct {
	TBaseElement
	FlowElementsContainer
	IsExecutable bool
}

// TDefinitions is the compiled, immutable output of the BPMN parser.
// The engine never mutates it after deployment.
type TDefinitions struct {
	TBaseElement
	Process  TProcess
	Messages []TMessage
	Signals  []TSignal
}

func (d *TDefinitions) MessageNameById(id string) string {
	for _, m := range d.Messages {
		if m.Id == id {
			return m.Name
		}
	}
	return ""
}

func (d *TDefinitions) SignalNameById(id string) string {
	for _, s := range d.Signals {
		if s.Id == id {
			return s.Name
		}
	}
	return ""
}
