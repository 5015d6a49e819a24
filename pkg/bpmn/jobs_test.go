package bpmn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/bpmn/exporter"
	"github.com/procflow/procflow/pkg/bpmn/model/bpmn20"
	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

func asyncProcess(processId, taskId, taskType string) *bpmn20.TDefinitions {
	defs := bpmn20.NewProcessBuilder(processId)
	defs.Scope().
		StartEvent("start").
		AsyncServiceTask(taskId, taskType).
		EndEvent("end").
		Flow("start", taskId).
		Flow(taskId, "end")
	return defs.Build()
}

func TestAsyncServiceTaskRunsThroughJob(t *testing.T) {
	// setup
	engine := newTestEngine(t)
	cp := CallPath{}
	engine.RegisterTaskHandler("ping-worker", cp.TaskHandler)

	// given
	deployDefinitions(t, engine, asyncProcess("ping", "ping", "ping-worker"))
	instance, err := engine.StartProcessInstanceById(t.Context(), "ping", "", nil)
	require.NoError(t, err)

	// then the start call returned before the task body ran
	assert.Equal(t, "", cp.CallPath)

	// when
	executed, err := engine.RunAvailableJobs(t.Context())
	assert.NoError(t, err)

	// then
	assert.Equal(t, 1, executed)
	assert.Equal(t, "ping", cp.CallPath)
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
}

func TestFailingJobBurnsRetriesUntilDead(t *testing.T) {
	// setup
	clock := NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	exp := &recordingExporter{}
	engine := newTestEngine(t, WithClock(clock), WithExporter(exp))
	engine.RegisterTaskHandler("flaky-worker", func(job ActivatedJob) {
		job.Fail("downstream unavailable")
	})
	engine.RegisterTaskHandler("steady-worker", func(job ActivatedJob) {
		job.Complete()
	})

	// given
	deployDefinitions(t, engine, asyncProcess("flaky", "call-out", "flaky-worker"))
	instance, err := engine.StartProcessInstanceById(t.Context(), "flaky", "", nil)
	require.NoError(t, err)

	// when the first attempt fails
	_, err = engine.RunAvailableJobs(t.Context())
	require.NoError(t, err)

	// then one retry is burnt and the job backs off
	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Retries)
	assert.Equal(t, "downstream unavailable", jobs[0].ExceptionMessage)
	assert.Empty(t, jobs[0].LockOwner)
	require.NotNil(t, jobs[0].DueDate)
	assert.Equal(t, clock.Now().Add(engine.config.JobExecutor.RetryBackoff), *jobs[0].DueDate)

	// when the remaining attempts fail as well
	for i := 0; i < 2; i++ {
		clock.Advance(engine.config.JobExecutor.RetryBackoff + time.Second)
		_, err = engine.RunAvailableJobs(t.Context())
		require.NoError(t, err)
	}

	// then the job is dead, keeps its exception details and stops being
	// acquired
	dead, err := engine.FindJobs(t.Context(), storage.JobCriteria{OnlyDead: true})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 0, dead[0].Retries)
	assert.NotEmpty(t, dead[0].ExceptionStacktrace)
	assert.Len(t, exp.byType(exporter.JobRetriesExhausted), 1)

	clock.Advance(time.Hour)
	executed, err := engine.RunAvailableJobs(t.Context())
	assert.NoError(t, err)
	assert.Zero(t, executed)

	// and a healthy job of another instance still runs next to it
	deployDefinitions(t, engine, asyncProcess("steady", "work", "steady-worker"))
	_, err = engine.StartProcessInstanceById(t.Context(), "steady", "", nil)
	require.NoError(t, err)
	executed, err = engine.RunAvailableJobs(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, 1, executed)
}

func TestExpiredJobLockIsReclaimed(t *testing.T) {
	// setup
	clock := NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	engine := newTestEngine(t, WithClock(clock))
	cp := CallPath{}
	engine.RegisterTaskHandler("report-worker", cp.TaskHandler)

	// given a job locked by a worker that never came back
	deployDefinitions(t, engine, asyncProcess("report", "report", "report-worker"))
	_, err := engine.StartProcessInstanceById(t.Context(), "report", "", nil)
	require.NoError(t, err)
	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	locked, err := engine.persistence.TryLockJob(t.Context(), jobs[0].Key, "crashed-worker", clock.Now(), clock.Now().Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, locked)

	// then the held lock keeps everyone else away
	executed, err := engine.RunAvailableJobs(t.Context())
	require.NoError(t, err)
	assert.Zero(t, executed)

	// when the lock expires
	clock.Advance(6 * time.Minute)
	executed, err = engine.RunAvailableJobs(t.Context())

	// then the job is claimed and runs
	assert.NoError(t, err)
	assert.Equal(t, 1, executed)
	assert.Equal(t, "report", cp.CallPath)
}

func TestSuspendedInstanceLeavesItsJobsUntouched(t *testing.T) {
	// setup
	clock := NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	engine := newTestEngine(t, WithClock(clock))
	cp := CallPath{}
	engine.RegisterTaskHandler("batch-worker", cp.TaskHandler)

	// given a suspended instance with a ready job
	deployDefinitions(t, engine, asyncProcess("batch", "crunch", "batch-worker"))
	instance, err := engine.StartProcessInstanceById(t.Context(), "batch", "", nil)
	require.NoError(t, err)
	require.NoError(t, engine.SuspendProcessInstance(t.Context(), instance.Key))

	// when the executor passes over it
	_, err = engine.RunAvailableJobs(t.Context())
	require.NoError(t, err)

	// then the job survives untouched, no retry was burnt
	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, engine.config.JobExecutor.DefaultRetries, jobs[0].Retries)
	assert.Empty(t, jobs[0].ExceptionMessage)
	assert.Equal(t, "", cp.CallPath)

	// when the instance is activated and the acquisition lock expires
	require.NoError(t, engine.ActivateProcessInstance(t.Context(), instance.Key))
	clock.Advance(engine.config.JobExecutor.LockDuration + time.Minute)
	executed, err := engine.RunAvailableJobs(t.Context())

	// then
	assert.NoError(t, err)
	assert.Equal(t, 1, executed)
	assert.Equal(t, "crunch", cp.CallPath)
	stored, err := engine.FindProcessInstance(t.Context(), instance.Key)
	assert.NoError(t, err)
	assert.Equal(t, runtime.ActivityStateCompleted, stored.State)
}

func TestCompletingTaskOfSuspendedInstanceFails(t *testing.T) {
	// setup
	engine := newTestEngine(t)

	// given a parked user task in a suspended instance
	defs := bpmn20.NewProcessBuilder("review")
	defs.Scope().
		StartEvent("start").
		UserTask("approve", "reviewer").
		EndEvent("end").
		Flow("start", "approve").
		Flow("approve", "end")
	deployDefinitions(t, engine, defs.Build())
	instance, err := engine.StartProcessInstanceById(t.Context(), "review", "", nil)
	require.NoError(t, err)
	jobs, err := engine.FindJobs(t.Context(), storage.JobCriteria{ProcessInstanceKey: instance.Key})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, engine.SuspendProcessInstance(t.Context(), instance.Key))

	// when
	err = engine.CompleteTask(t.Context(), jobs[0].Key, nil)

	// then
	var suspended *SuspendedEntityError
	require.ErrorAs(t, err, &suspended)
	assert.Equal(t, "process instance", suspended.Kind)

	// and completion works again after activation
	require.NoError(t, engine.ActivateProcessInstance(t.Context(), instance.Key))
	assert.NoError(t, engine.CompleteTask(t.Context(), jobs[0].Key, nil))
}
