package bpmn20

type ElementType string

const (
	ElementTypeStartEvent             ElementType = "START_EVENT"
	ElementTypeEndEvent               ElementType = "END_EVENT"
	ElementTypeServiceTask            ElementType = "SERVICE_TASK"
	ElementTypeUserTask               ElementType = "USER_TASK"
	ElementTypeParallelGateway        ElementType = "PARALLEL_GATEWAY"
	ElementTypeExclusiveGateway       ElementType = "EXCLUSIVE_GATEWAY"
	ElementTypeEventBasedGateway      ElementType = "EVENT_BASED_GATEWAY"
	ElementTypeIntermediateCatchEvent ElementType = "INTERMEDIATE_CATCH_EVENT"
	ElementTypeIntermediateThrowEvent ElementType = "INTERMEDIATE_THROW_EVENT"
	ElementTypeBoundaryEvent          ElementType = "BOUNDARY_EVENT"
	ElementTypeSubProcess             ElementType = "SUB_PROCESS"
	ElementTypeTransaction            ElementType = "TRANSACTION"
	ElementTypeAdHocSubProcess        ElementType = "ADHOC_SUB_PROCESS"
	ElementTypeCallActivity           ElementType = "CALL_ACTIVITY"
	ElementTypeSequenceFlow           ElementType = "SEQUENCE_FLOW"
)

// TBaseElement is embedded by every BPMN element that carries an id.
type TBaseElement struct {
	Id   string
	Name string
}

func (t TBaseElement) GetId() string {
	return t.Id
}

func (t TBaseElement) GetName() string {
	return t.Name
}

// TFlowNode is embedded by every element that participates in sequence flow.
type TFlowNode struct {
	TBaseElement
	IncomingAssociation []string
	OutgoingAssociation []string
}

func (t TFlowNode) GetIncomingAssociation() []string {
	return t.IncomingAssociation
}

func (t TFlowNode) GetOutgoingAssociation() []string {
	return t.OutgoingAssociation
}

type FlowNode interface {
	GetId() string
	GetName() string
	GetType() ElementType
	GetIncomingAssociation() []string
	GetOutgoingAssociation() []string
}

type TSequenceFlow struct {
	TBaseElement
	SourceRef           string
	TargetRef           string
	ConditionExpression string
}

func (f TSequenceFlow) GetConditionExpression() string {
	return f.ConditionExpression
}

// TAssociation links a boundary compensate event to its compensation handler activity.
type TAssociation struct {
	TBaseElement
	SourceRef string
	TargetRef string
}

// FindSequenceFlows returns the flows with the given ids, in the given order.
func FindSequenceFlows(flows []TSequenceFlow, ids []string) (ret []TSequenceFlow) {
	for _, id := range ids {
		for _, flow := range flows {
			if flow.Id == id {
				ret = append(ret, flow)
			}
		}
	}
	return ret
}

// FindFirstSequenceFlow returns the first flow connecting sourceId with targetId, or nil.
func FindFirstSequenceFlow(flows []TSequenceFlow, sourceId string, targetId string) *TSequenceFlow {
	for i := range flows {
		if flows[i].SourceRef == sourceId && flows[i].TargetRef == targetId {
			return &flows[i]
		}
	}
	return nil
}
