package bpmn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

// jobExecutor drives the background half of the engine: it promotes due
// timers, claims acquirable jobs under a worker-unique lock owner and
// executes them on a fixed worker pool.
type jobExecutor struct {
	engine    *Engine
	lockOwner string

	jobsExecuted   metric.Int64Counter
	jobsFailed     metric.Int64Counter
	timersPromoted metric.Int64Counter

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
	workCh  chan runtime.Job
}

func newJobExecutor(engine *Engine) *jobExecutor {
	meter := otel.Meter("procflow.jobs")
	jobsExecuted, _ := meter.Int64Counter("procflow.jobs.executed")
	jobsFailed, _ := meter.Int64Counter("procflow.jobs.failed")
	timersPromoted, _ := meter.Int64Counter("procflow.timers.promoted")
	return &jobExecutor{
		engine:         engine,
		lockOwner:      uuid.NewString(),
		jobsExecuted:   jobsExecuted,
		jobsFailed:     jobsFailed,
		timersPromoted: timersPromoted,
	}
}

func (je *jobExecutor) start(ctx context.Context) {
	je.mu.Lock()
	defer je.mu.Unlock()
	if je.running {
		return
	}
	je.running = true
	ctx, je.cancel = context.WithCancel(ctx)
	je.workCh = make(chan runtime.Job)

	for i := 0; i < je.engine.config.JobExecutor.Workers; i++ {
		je.wg.Add(1)
		go je.worker(ctx)
	}
	je.wg.Add(1)
	go je.acquisitionLoop(ctx)
}

func (je *jobExecutor) stop() {
	je.mu.Lock()
	if !je.running {
		je.mu.Unlock()
		return
	}
	je.running = false
	je.cancel()
	je.mu.Unlock()
	je.wg.Wait()
}

func (je *jobExecutor) acquisitionLoop(ctx context.Context) {
	defer je.wg.Done()
	ticker := time.NewTicker(je.engine.config.JobExecutor.AcquireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(je.workCh)
			return
		case <-ticker.C:
		}
		if _, err := je.engine.promoteDueTimers(ctx); err != nil {
			je.engine.logger.Error("timer promotion pass failed", "err", err)
		}
		jobs, err := je.acquire(ctx)
		if err != nil {
			je.engine.logger.Error("job acquisition pass failed", "err", err)
			continue
		}
		for _, job := range jobs {
			select {
			case je.workCh <- job:
			case <-ctx.Done():
				close(je.workCh)
				return
			}
		}
	}
}

// acquire claims up to the configured batch of ready jobs via the
// storage's compare-and-set lock. Stale locks of crashed workers are
// reclaimable because acquirability is judged against the lock expiry.
func (je *jobExecutor) acquire(ctx context.Context) ([]runtime.Job, error) {
	now := je.engine.clock.Now()
	candidates, err := je.engine.persistence.FindJobs(ctx, storage.JobCriteria{
		OnlyAcquirable: true,
		Now:            now,
	})
	if err != nil {
		return nil, err
	}
	acquired := make([]runtime.Job, 0, len(candidates))
	lockUntil := now.Add(je.engine.config.JobExecutor.LockDuration)
	for _, job := range candidates {
		if len(acquired) >= je.engine.config.JobExecutor.MaxJobsPerAcquisition {
			break
		}
		if !je.engine.isAutoExecutable(job.HandlerType) {
			continue
		}
		ok, err := je.engine.persistence.TryLockJob(ctx, job.Key, je.lockOwner, now, lockUntil)
		if err != nil {
			return nil, err
		}
		if ok {
			acquired = append(acquired, job)
		}
	}
	return acquired, nil
}

func (je *jobExecutor) worker(ctx context.Context) {
	defer je.wg.Done()
	for job := range je.workCh {
		je.runOne(ctx, job)
	}
}

func (je *jobExecutor) runOne(ctx context.Context, job runtime.Job) {
	err := je.engine.runJobCommand(ctx, job.Key)
	switch {
	case err == nil:
		je.jobsExecuted.Add(ctx, 1)
	case errors.Is(err, errJobSkipped):
	default:
		je.jobsFailed.Add(ctx, 1)
		if failErr := je.engine.recordJobFailure(ctx, job.Key, err.Error()); failErr != nil {
			je.engine.logger.Error("failed to record job failure", "jobKey", job.Key, "err", failErr)
		}
	}
}

// isAutoExecutable tells whether the executor may run a job of this
// handler type by itself. User tasks and unregistered external task
// types wait for an API completion instead.
func (engine *Engine) isAutoExecutable(handlerType string) bool {
	switch handlerType {
	case runtime.JobHandlerAsyncContinue,
		runtime.JobHandlerTimerTrigger,
		runtime.JobHandlerTimerStartEvent,
		runtime.JobHandlerSuspendDefinition,
		runtime.JobHandlerActivateDefinition:
		return true
	case runtime.JobHandlerUserTask:
		return false
	}
	_, registered := engine.taskHandler(handlerType)
	return registered
}

// runJobCommand executes one job in its own unit of work.
func (engine *Engine) runJobCommand(ctx context.Context, jobKey int64) error {
	return engine.executeCommand(ctx, nil, funcCommand{
		name: "execute-job",
		fn: func(ctx context.Context, cc *CommandContext) error {
			job, err := cc.findJob(ctx, jobKey)
			if err != nil {
				return err
			}
			return engine.executeJob(ctx, cc, job)
		},
	})
}

// recordJobFailure burns a retry in a fresh unit of work after the
// failed execution rolled back.
func (engine *Engine) recordJobFailure(ctx context.Context, jobKey int64, reason string) error {
	return engine.executeCommand(ctx, nil, funcCommand{
		name: "record-job-failure",
		fn: func(ctx context.Context, cc *CommandContext) error {
			job, err := cc.findJob(ctx, jobKey)
			if err != nil {
				return err
			}
			engine.markJobFailed(cc, job, reason)
			return nil
		},
	})
}

// promoteDueTimers runs one timer promotion pass; each due timer flips
// into a job inside its own unit of work.
func (engine *Engine) promoteDueTimers(ctx context.Context) (int, error) {
	now := engine.clock.Now()
	due, err := engine.persistence.FindDueTimerJobs(ctx, now)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for i := range due {
		key := due[i].Key
		err := engine.executeCommand(ctx, nil, funcCommand{
			name: "promote-timer",
			fn: func(ctx context.Context, cc *CommandContext) error {
				timer, err := cc.findTimerJob(ctx, key)
				if err != nil {
					return err
				}
				return engine.promoteTimer(ctx, cc, timer)
			},
		})
		if err != nil {
			var notFound *ObjectNotFoundError
			if errors.As(err, &notFound) {
				// another node promoted it first
				continue
			}
			return promoted, err
		}
		promoted++
		engine.jobExecutor.timersPromoted.Add(ctx, 1)
	}
	return promoted, nil
}

// RunDueTimers promotes every due timer and then executes the resulting
// jobs synchronously. Intended for embedders driving the engine with
// their own clock instead of the background executor.
func (engine *Engine) RunDueTimers(ctx context.Context) (int, error) {
	promoted, err := engine.promoteDueTimers(ctx)
	if err != nil {
		return promoted, err
	}
	if _, err := engine.RunAvailableJobs(ctx); err != nil {
		return promoted, err
	}
	return promoted, nil
}

// RunAvailableJobs acquires and executes ready jobs on the calling
// goroutine until none are left.
func (engine *Engine) RunAvailableJobs(ctx context.Context) (int, error) {
	executed := 0
	for {
		jobs, err := engine.jobExecutor.acquire(ctx)
		if err != nil {
			return executed, err
		}
		if len(jobs) == 0 {
			return executed, nil
		}
		for _, job := range jobs {
			engine.jobExecutor.runOne(ctx, job)
			executed++
		}
	}
}
