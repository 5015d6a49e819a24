package bpmn20

type TParallelGateway struct {
	TFlowNode
}

func (g TParallelGateway) GetType() ElementType {
	return ElementTypeParallelGateway
}

type TExclusiveGateway struct {
	TFlowNode
	// DefaultFlow is taken when no condition expression evaluates to true.
	DefaultFlow string
}

func (g TExclusiveGateway) GetType() ElementType {
	return ElementTypeExclusiveGateway
}

// TEventBasedGateway routes to whichever of its target catch events
// fires first. Deploy-time validation requires every outgoing flow to
// target an intermediate catch event.
type TEventBasedGateway struct {
	TFlowNode
}

func (g TEventBasedGateway) GetType() ElementType {
	return ElementTypeEventBasedGateway
}
