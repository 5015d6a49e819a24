package bpmn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/storage"
)

// vetoExporter fails every export; with strict set it aborts the unit
// of work instead of being logged and dropped.
type vetoExporter struct {
	strict    bool
	exportErr error
	seen      int
}

func (v *vetoExporter) Strict() bool { return v.strict }

func (v *vetoExporter) Export(event exporter.Event) error {
	v.seen++
	return v.exportErr
}

func trivialProcess(processId string) *bpmn20.TDefinitions {
	defs := bpmn20.NewProcessBuilder(processId)
	defs.Scope().
		StartEvent("start").
		EndEvent("end").
		Flow("start", "end")
	return defs.Build()
}

func TestCloseListenersFireInProtocolOrder(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	var order []string

	// when
	err := engine.executeCommand(t.Context(), nil, funcCommand{
		name: "listener-probe",
		fn: func(ctx context.Context, cc *CommandContext) error {
			cc.AddCloseListener(CloseListenerFuncs{
				OnClosing:            func(cc *CommandContext) { order = append(order, "closing") },
				OnAfterSessionsFlush: func(cc *CommandContext) { order = append(order, "flushed") },
				OnClosed:             func(cc *CommandContext) { order = append(order, "closed") },
				OnCloseFailure:       func(cc *CommandContext, err error) { order = append(order, "failure") },
			})
			return nil
		},
	})

	// then
	assert.NoError(t, err)
	assert.Equal(t, []string{"closing", "flushed", "closed"}, order)
}

func TestFailedCommandFiresCloseFailureOnly(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	var order []string
	var failure error
	boom := errors.New("boom")

	// when
	err := engine.executeCommand(t.Context(), nil, funcCommand{
		name: "failing-probe",
		fn: func(ctx context.Context, cc *CommandContext) error {
			cc.AddCloseListener(CloseListenerFuncs{
				OnClosing:            func(cc *CommandContext) { order = append(order, "closing") },
				OnAfterSessionsFlush: func(cc *CommandContext) { order = append(order, "flushed") },
				OnClosed:             func(cc *CommandContext) { order = append(order, "closed") },
				OnCloseFailure: func(cc *CommandContext, err error) {
					order = append(order, "failure")
					failure = err
				},
			})
			return boom
		},
	})

	// then
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"failure"}, order)
	assert.ErrorIs(t, failure, boom)
}

func TestEventsAreDeliveredOnlyAfterCommit(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	exp := &recordingExporter{}
	engine.exporters = append(engine.exporters, exp)

	// when a failing command queues an event
	err := engine.executeCommand(t.Context(), nil, funcCommand{
		name: "doomed",
		fn: func(ctx context.Context, cc *CommandContext) error {
			cc.QueueEvent(exporter.Event{Type: exporter.ElementCompleted, ElementId: "probe"})
			return errors.New("no commit")
		},
	})
	require.Error(t, err)

	// then nothing leaked out
	assert.Empty(t, exp.byType(exporter.ElementCompleted))

	// when a command commits, its events arrive only after the flush
	var atFlush, atClosed int
	err = engine.executeCommand(t.Context(), nil, funcCommand{
		name: "committing",
		fn: func(ctx context.Context, cc *CommandContext) error {
			cc.QueueEvent(exporter.Event{Type: exporter.ElementCompleted, ElementId: "probe"})
			cc.AddCloseListener(CloseListenerFuncs{
				OnAfterSessionsFlush: func(cc *CommandContext) { atFlush = len(exp.byType(exporter.ElementCompleted)) },
				OnClosed:             func(cc *CommandContext) { atClosed = len(exp.byType(exporter.ElementCompleted)) },
			})
			return nil
		},
	})

	// then
	assert.NoError(t, err)
	assert.Zero(t, atFlush)
	assert.Equal(t, 1, atClosed)
}

func TestStrictExporterVetoRollsEverythingBack(t *testing.T) {
	// setup
	veto := &vetoExporter{strict: true, exportErr: errors.New("downstream full")}
	observer := &recordingExporter{}
	engine := newTestEngine(t, WithExporter(veto), WithExporter(observer))

	// given
	deployDefinitions(t, engine, trivialProcess("fleeting"))
	veto.seen = 0

	// when
	_, err := engine.StartProcessInstanceById(t.Context(), "fleeting", "", nil)

	// then the unit of work rolled back: no state, no events anywhere
	require.Error(t, err)
	assert.ErrorContains(t, err, "strict exporter vetoed the unit of work")
	executions, findErr := engine.FindExecutions(t.Context(), storage.ExecutionCriteria{})
	assert.NoError(t, findErr)
	assert.Empty(t, executions)
	assert.Empty(t, observer.byType(exporter.ProcessInstanceStarted))
}

func TestNonStrictExporterErrorsAreDropped(t *testing.T) {
	// setup
	flaky := &vetoExporter{strict: false, exportErr: errors.New("sink offline")}
	engine := newTestEngine(t, WithExporter(flaky))

	// given
	deployDefinitions(t, engine, trivialProcess("resilient"))

	// when
	instance, err := engine.StartProcessInstanceById(t.Context(), "resilient", "", nil)

	// then the failing exporter never held the work up
	assert.NoError(t, err)
	assert.NotNil(t, instance)
	assert.Positive(t, flaky.seen)
}
