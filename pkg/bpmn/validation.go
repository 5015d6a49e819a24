package bpmn

import (
	"github.com/hashicorp/go-multierror"

	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
)

// validateDefinitions runs the structural checks a model must pass
// before deployment. All violations are collected and reported together
// rather than failing on the first one.
func (engine *Engine) validateDefinitions(definitions *bpmn20.TDefinitions) error {
	var result *multierror.Error
	validateContainer(definitions, &definitions.Process.FlowElementsContainer, &result)
	return result.ErrorOrNil()
}

func validateContainer(definitions *bpmn20.TDefinitions, container *bpmn20.FlowElementsContainer, result **multierror.Error) {
	validateEventBasedGateways(container, result)
	validateBoundaryEvents(container, result)
	validateMessageRefs(definitions, container, result)
	validateSequenceFlows(container, result)

	for i := range container.SubProcesses {
		validateContainer(definitions, &container.SubProcesses[i].FlowElementsContainer, result)
	}
	for i := range container.Transactions {
		validateContainer(definitions, &container.Transactions[i].FlowElementsContainer, result)
		validateCancelBoundary(container, container.Transactions[i].Id, result)
	}
	for i := range container.AdHocSubProcesses {
		validateContainer(definitions, &container.AdHocSubProcesses[i].FlowElementsContainer, result)
	}
}

// validateEventBasedGateways requires every outgoing flow to target an
// intermediate catch event.
func validateEventBasedGateways(container *bpmn20.FlowElementsContainer, result **multierror.Error) {
	for _, gateway := range container.EventBasedGateways {
		for _, flowId := range gateway.OutgoingAssociation {
			for _, flow := range bpmn20.FindSequenceFlows(container.SequenceFlows, []string{flowId}) {
				if !isIntermediateCatchEvent(container, flow.TargetRef) {
					*result = multierror.Append(*result, newEngineErrorf(
						"event-based gateway %s targets %s, which is not an intermediate catch event",
						gateway.Id, flow.TargetRef))
				}
			}
		}
	}
}

func isIntermediateCatchEvent(container *bpmn20.FlowElementsContainer, id string) bool {
	for i := range container.IntermediateCatchEvents {
		if container.IntermediateCatchEvents[i].Id == id {
			return true
		}
	}
	return false
}

// validateBoundaryEvents enforces at most one cancel boundary and one
// compensate boundary per attachment, and that every boundary event
// names an existing activity and carries an event definition.
func validateBoundaryEvents(container *bpmn20.FlowElementsContainer, result **multierror.Error) {
	cancelCount := map[string]int{}
	compensateCount := map[string]int{}
	for i := range container.BoundaryEvents {
		be := &container.BoundaryEvents[i]
		if be.AttachedToRef == "" || container.GetFlowNodeById(be.AttachedToRef) == nil {
			*result = multierror.Append(*result, newEngineErrorf(
				"boundary event %s is not attached to a known activity", be.Id))
		}
		hasDefinition := be.TimerEventDefinition.Id != "" ||
			be.MessageEventDefinition.Id != "" ||
			be.SignalEventDefinition.Id != "" ||
			be.IsCancelBoundary() || be.IsCompensateBoundary()
		if !hasDefinition {
			*result = multierror.Append(*result, newEngineErrorf(
				"boundary event %s carries no event definition", be.Id))
		}
		if be.IsCancelBoundary() {
			cancelCount[be.AttachedToRef]++
		}
		if be.IsCompensateBoundary() {
			compensateCount[be.AttachedToRef]++
		}
	}
	for activityId, count := range cancelCount {
		if count > 1 {
			*result = multierror.Append(*result, newEngineErrorf(
				"activity %s has %d cancel boundary events, at most one is allowed", activityId, count))
		}
	}
	for activityId, count := range compensateCount {
		if count > 1 {
			*result = multierror.Append(*result, newEngineErrorf(
				"activity %s has %d compensate boundary events, at most one is allowed", activityId, count))
		}
	}
}

// validateMessageRefs requires every referenced message and signal to be
// declared, no two catch events of one container to reference the same
// message, and no two boundary events of one activity to wait for the
// same message.
func validateMessageRefs(definitions *bpmn20.TDefinitions, container *bpmn20.FlowElementsContainer, result **multierror.Error) {
	seen := map[string]string{}
	check := func(elementId, messageRef string) {
		if messageRef == "" {
			return
		}
		if definitions.MessageNameById(messageRef) == "" {
			*result = multierror.Append(*result, newEngineErrorf(
				"element %s references undeclared message %s", elementId, messageRef))
		}
		if other, dup := seen[messageRef]; dup {
			*result = multierror.Append(*result, newEngineErrorf(
				"message %s is caught by both %s and %s in the same scope", messageRef, other, elementId))
			return
		}
		seen[messageRef] = elementId
	}
	for i := range container.IntermediateCatchEvents {
		check(container.IntermediateCatchEvents[i].Id, container.IntermediateCatchEvents[i].MessageEventDefinition.MessageRef)
	}
	for i := range container.StartEvents {
		check(container.StartEvents[i].Id, container.StartEvents[i].MessageEventDefinition.MessageRef)
	}
	boundarySeen := map[string]string{}
	for i := range container.BoundaryEvents {
		be := &container.BoundaryEvents[i]
		ref := be.MessageEventDefinition.MessageRef
		if ref == "" {
			continue
		}
		if definitions.MessageNameById(ref) == "" {
			*result = multierror.Append(*result, newEngineErrorf(
				"element %s references undeclared message %s", be.Id, ref))
		}
		key := be.AttachedToRef + "/" + ref
		if other, dup := boundarySeen[key]; dup {
			*result = multierror.Append(*result, newEngineErrorf(
				"message %s is caught by both boundary events %s and %s on activity %s",
				ref, other, be.Id, be.AttachedToRef))
			continue
		}
		boundarySeen[key] = be.Id
	}
	for i := range container.IntermediateCatchEvents {
		ref := container.IntermediateCatchEvents[i].SignalEventDefinition.SignalRef
		if ref != "" && definitions.SignalNameById(ref) == "" {
			*result = multierror.Append(*result, newEngineErrorf(
				"element %s references undeclared signal %s", container.IntermediateCatchEvents[i].Id, ref))
		}
	}
}

// validateSequenceFlows requires both ends of every flow to resolve.
func validateSequenceFlows(container *bpmn20.FlowElementsContainer, result **multierror.Error) {
	for i := range container.SequenceFlows {
		flow := &container.SequenceFlows[i]
		if container.GetFlowNodeById(flow.SourceRef) == nil {
			*result = multierror.Append(*result, newEngineErrorf(
				"sequence flow %s leaves unknown node %s", flow.Id, flow.SourceRef))
		}
		if container.GetFlowNodeById(flow.TargetRef) == nil {
			*result = multierror.Append(*result, newEngineErrorf(
				"sequence flow %s enters unknown node %s", flow.Id, flow.TargetRef))
		}
	}
}

// validateCancelBoundary requires a transaction containing a cancel end
// event to carry a cancel boundary event.
func validateCancelBoundary(container *bpmn20.FlowElementsContainer, transactionId string, result **multierror.Error) {
	var tx *bpmn20.TTransaction
	for i := range container.Transactions {
		if container.Transactions[i].Id == transactionId {
			tx = &container.Transactions[i]
		}
	}
	if tx == nil {
		return
	}
	hasCancelEnd := false
	for i := range tx.EndEvents {
		if tx.EndEvents[i].IsCancelEnd() {
			hasCancelEnd = true
		}
	}
	if !hasCancelEnd {
		return
	}
	for _, be := range container.BoundaryEvents {
		if be.AttachedToRef == transactionId && be.IsCancelBoundary() {
			return
		}
	}
	*result = multierror.Append(*result, newEngineErrorf(
		"transaction %s has a cancel end event but no cancel boundary event", transactionId))
}
