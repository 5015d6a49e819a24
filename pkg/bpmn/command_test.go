package bpmn

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
	"github.com/procflow/procflow/pkg/storage/inmemory"
)

// conflictingStorage makes the next n batch flushes lose the
// optimistic-lock race before delegating to the in-memory storage.
type conflictingStorage struct {
	*inmemory.Storage
	conflictsLeft int
}

func (s *conflictingStorage) NewBatch() storage.Batch {
	batch := s.Storage.NewBatch()
	if s.conflictsLeft != 0 {
		s.conflictsLeft--
		return conflictingBatch{batch}
	}
	return batch
}

type conflictingBatch struct {
	storage.Batch
}

func (b conflictingBatch) Flush(ctx context.Context) error {
	return storage.ErrOptimisticLock
}

func TestCommandRetriesAfterOptimisticLockConflict(t *testing.T) {
	// setup
	persistence := &conflictingStorage{Storage: inmemory.NewStorage()}
	engine := NewEngine(WithStorage(persistence), WithLogger(hclog.NewNullLogger()))

	// given
	deployDefinitions(t, engine, trivialProcess("ledger"))

	// when the first flush loses the race
	persistence.conflictsLeft = 1
	instance, err := engine.StartProcessInstanceById(t.Context(), "ledger", "", nil)

	// then the command reran and committed
	assert.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, instance.State)
	executions, err := engine.FindExecutions(t.Context(), storage.ExecutionCriteria{ProcessInstanceKey: instance.Key})
	assert.NoError(t, err)
	assert.Len(t, executions, 1)
}

func TestCommandGivesUpAfterRepeatedConflicts(t *testing.T) {
	// setup
	persistence := &conflictingStorage{Storage: inmemory.NewStorage()}
	engine := NewEngine(WithStorage(persistence), WithLogger(hclog.NewNullLogger()))

	// given a flush that never stops conflicting
	deployDefinitions(t, engine, trivialProcess("contended"))
	persistence.conflictsLeft = -1

	// when
	_, err := engine.StartProcessInstanceById(t.Context(), "contended", "", nil)

	// then the retry budget is spent and the conflict surfaces
	require.Error(t, err)
	assert.ErrorContains(t, err, "command start-process-instance gave up after 4 optimistic lock conflicts")
	executions, findErr := engine.FindExecutions(t.Context(), storage.ExecutionCriteria{})
	assert.NoError(t, findErr)
	assert.Empty(t, executions)
}

func TestRetriedCommandEmitsItsEventsOnce(t *testing.T) {
	// setup
	persistence := &conflictingStorage{Storage: inmemory.NewStorage()}
	exp := &recordingExporter{}
	engine := NewEngine(WithStorage(persistence), WithLogger(hclog.NewNullLogger()), WithExporter(exp))

	// given
	deployDefinitions(t, engine, trivialProcess("audited"))

	// when two flush attempts conflict before the third commits
	persistence.conflictsLeft = 2
	instance, err := engine.StartProcessInstanceById(t.Context(), "audited", "", nil)

	// then the instance events went out exactly once
	require.NoError(t, err)
	require.NotNil(t, instance)
	started := exp.byType(exporter.ProcessInstanceStarted)
	assert.Len(t, started, 1)
	completed := exp.byType(exporter.ProcessInstanceCompleted)
	assert.Len(t, completed, 1)
}
