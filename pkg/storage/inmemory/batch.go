package inmemory

import (
	"context"

	"github.com/procflow/procflow/pkg/bpmn/runtime"
	"github.com/procflow/procflow/pkg/storage"
)

type batchOp struct {
	// check validates the revision precondition under the storage lock.
	check func() error
	// apply mutates the storage; only runs after every check passed.
	apply func() error
}

// Batch queues writes and applies them atomically on Flush: all revision
// preconditions are validated first, then every op is applied under one
// lock. A failed precondition leaves the storage untouched.
type Batch struct {
	db  *Storage
	ops []batchOp
}

var _ storage.Batch = &Batch{}

func (b *Batch) SaveProcessDefinition(ctx context.Context, definition runtime.ProcessDefinition) error {
	b.ops = append(b.ops, batchOp{
		check: func() error {
			stored, ok := b.db.ProcessDefinitions[definition.Key]
			return checkRevision(stored.Revision, definition.Revision, ok)
		},
		apply: func() error { return b.db.saveProcessDefinitionLocked(definition) },
	})
	return nil
}

func (b *Batch) SaveDeployment(ctx context.Context, deployment runtime.Deployment) error {
	b.ops = append(b.ops, batchOp{
		check: func() error {
			stored, ok := b.db.Deployments[deployment.Key]
			return checkRevision(stored.Revision, deployment.Revision, ok)
		},
		apply: func() error { return b.db.saveDeploymentLocked(deployment) },
	})
	return nil
}

func (b *Batch) DeleteDeployment(ctx context.Context, key int64) error {
	b.ops = append(b.ops, batchOp{
		apply: func() error {
			if _, ok := b.db.Deployments[key]; !ok {
				return storage.ErrNotFound
			}
			delete(b.db.Deployments, key)
			return nil
		},
	})
	return nil
}

func (b *Batch) SaveExecution(ctx context.Context, execution runtime.Execution) error {
	b.ops = append(b.ops, batchOp{
		check: func() error {
			stored, ok := b.db.Executions[execution.Key]
			return checkRevision(stored.Revision, execution.Revision, ok)
		},
		apply: func() error { return b.db.saveExecutionLocked(execution) },
	})
	return nil
}

func (b *Batch) DeleteExecution(ctx context.Context, key int64) error {
	b.ops = append(b.ops, batchOp{
		apply: func() error {
			delete(b.db.Executions, key)
			return nil
		},
	})
	return nil
}

func (b *Batch) SaveEventSubscription(ctx context.Context, subscription runtime.EventSubscription) error {
	b.ops = append(b.ops, batchOp{
		check: func() error {
			stored, ok := b.db.EventSubscriptions[subscription.Key]
			return checkRevision(stored.Revision, subscription.Revision, ok)
		},
		apply: func() error { return b.db.saveEventSubscriptionLocked(subscription) },
	})
	return nil
}

func (b *Batch) DeleteEventSubscription(ctx context.Context, key int64) error {
	b.ops = append(b.ops, batchOp{
		apply: func() error {
			delete(b.db.EventSubscriptions, key)
			return nil
		},
	})
	return nil
}

func (b *Batch) SaveJob(ctx context.Context, job runtime.Job) error {
	b.ops = append(b.ops, batchOp{
		check: func() error {
			stored, ok := b.db.Jobs[job.Key]
			return checkRevision(stored.Revision, job.Revision, ok)
		},
		apply: func() error { return b.db.saveJobLocked(job) },
	})
	return nil
}

func (b *Batch) DeleteJob(ctx context.Context, key int64) error {
	b.ops = append(b.ops, batchOp{
		apply: func() error {
			delete(b.db.Jobs, key)
			return nil
		},
	})
	return nil
}

func (b *Batch) SaveTimerJob(ctx context.Context, timer runtime.TimerJob) error {
	b.ops = append(b.ops, batchOp{
		check: func() error {
			stored, ok := b.db.TimerJobs[timer.Key]
			return checkRevision(stored.Revision, timer.Revision, ok)
		},
		apply: func() error { return b.db.saveTimerJobLocked(timer) },
	})
	return nil
}

func (b *Batch) DeleteTimerJob(ctx context.Context, key int64) error {
	b.ops = append(b.ops, batchOp{
		apply: func() error {
			delete(b.db.TimerJobs, key)
			return nil
		},
	})
	return nil
}

func (b *Batch) Flush(ctx context.Context) error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for _, op := range b.ops {
		if op.check == nil {
			continue
		}
		if err := op.check(); err != nil {
			b.ops = nil
			return err
		}
	}
	var firstErr error
	for _, op := range b.ops {
		if err := op.apply(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.ops = nil
	return firstErr
}
