// Package jobs is the persistent background queue. Retrospective analysis
// and improvement-proposal materialization run here, off the request path:
// one runner goroutine claims the oldest pending job, dispatches it to a
// registered handler, and records completed or failed. Handlers are
// idempotent, so jobs orphaned by a crash are simply requeued at boot and
// run again.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"doppel/internal/config"
	"doppel/internal/events"
	"doppel/internal/ids"
	"doppel/internal/logging"
	"doppel/internal/observability"
	"doppel/internal/similarity"
	"doppel/internal/store"
	"doppel/internal/types"
)

// Handler executes one claimed job and returns its result document.
type Handler func(ctx context.Context, job *types.Job) (json.RawMessage, error)

// Deps carries the queue's collaborators. Events may be nil.
type Deps struct {
	Config *config.Config
	Store  *store.Store
	Scorer similarity.Scorer
	Events *events.Bus
	IDs    *ids.Generator
	Clock  ids.Clock
}

// Queue polls the jobs table and runs whatever is pending. The table is the
// source of truth; the Queue holds no job state of its own.
type Queue struct {
	deps Deps
	log  *zap.Logger

	handlers map[types.JobType]Handler
	running  atomic.Bool
}

// New returns a Queue with the built-in handlers registered. A nil Clock
// means the system clock.
func New(deps Deps) *Queue {
	if deps.Clock == nil {
		deps.Clock = ids.SystemClock()
	}
	q := &Queue{
		deps: deps,
		log:  logging.Get(logging.CategoryJobs),
	}
	q.handlers = map[types.JobType]Handler{
		types.JobRetroAnalyze:     q.retroAnalyze,
		types.JobProposalGenerate: q.generateProposal,
	}
	return q
}

// Running reports whether the poll loop is live.
func (q *Queue) Running() bool { return q.running.Load() }

// Enqueue inserts a pending job for the poller to pick up. At most one job
// per (outcome, type) may be pending or running; a duplicate returns the
// in-flight job alongside ErrConflict so callers can point the user at it.
func (q *Queue) Enqueue(ctx context.Context, jobType types.JobType, outcomeID string, payload json.RawMessage) (*types.Job, error) {
	job := &types.Job{
		ID:        q.deps.IDs.Job(),
		OutcomeID: outcomeID,
		Type:      jobType,
		Payload:   payload,
	}
	if existing, err := q.deps.Store.EnqueueJob(ctx, job); err != nil {
		return existing, err
	}
	q.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(jobType)),
		zap.String("outcome_id", outcomeID))
	return job, nil
}

// Run requeues jobs orphaned by a previous crash, then polls until ctx is
// canceled. Each tick drains the queue one job at a time.
func (q *Queue) Run(ctx context.Context) error {
	q.running.Store(true)
	defer q.running.Store(false)

	if n, err := q.deps.Store.RequeueRunningJobs(ctx); err != nil {
		q.log.Warn("requeue of orphaned jobs failed", zap.Error(err))
	} else if n > 0 {
		q.log.Info("requeued orphaned jobs", zap.Int("count", n))
	}

	interval := q.deps.Config.GetJobPollInterval()
	q.log.Info("job queue started", zap.Duration("poll_interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			q.log.Info("job queue stopped")
			return nil
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

// drain executes pending jobs until the queue is empty or ctx dies.
func (q *Queue) drain(ctx context.Context) {
	for ctx.Err() == nil {
		ran, err := q.RunNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				q.log.Warn("job poll failed", zap.Error(err))
			}
			return
		}
		if !ran {
			return
		}
	}
}

// RunNext claims and executes a single pending job, reporting false when
// there was nothing to do.
func (q *Queue) RunNext(ctx context.Context) (bool, error) {
	job, err := q.deps.Store.ClaimNextJob(ctx)
	if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrConflict) {
		// Empty queue, or another poller got the head; either way the next
		// tick sees whatever remains.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.execute(ctx, job)
	return true, nil
}

// execute dispatches one claimed job and records its terminal status. A
// panicking handler fails the job instead of taking the process down.
func (q *Queue) execute(ctx context.Context, job *types.Job) {
	log := q.log.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("outcome_id", job.OutcomeID))

	handler, ok := q.handlers[job.Type]
	if !ok {
		q.finish(ctx, job, nil, fmt.Errorf("no handler registered for %q", job.Type))
		log.Error("claimed job has no handler")
		return
	}

	started := q.deps.Clock.Now()
	result, err := func() (res json.RawMessage, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
			}
		}()
		return handler(ctx, job)
	}()

	q.finish(ctx, job, result, err)
	if err != nil {
		log.Warn("job failed", zap.Error(err))
		return
	}
	log.Info("job completed", zap.Duration("elapsed", q.deps.Clock.Now().Sub(started)))
}

// finish writes the terminal row. If recording fails (canceled ctx, closed
// store) the job is left running and boot recovery requeues it.
func (q *Queue) finish(ctx context.Context, job *types.Job, result json.RawMessage, jobErr error) {
	if jobErr != nil {
		observability.JobsProcessed.WithLabelValues(string(job.Type), string(types.JobFailed)).Inc()
		if err := q.deps.Store.FailJob(ctx, job.ID, jobErr.Error()); err != nil {
			q.log.Error("failed to record job failure",
				zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		q.deps.Events.Publish("job_failed", job.OutcomeID, job.ID, jobErr.Error())
		return
	}
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	observability.JobsProcessed.WithLabelValues(string(job.Type), string(types.JobCompleted)).Inc()
	if err := q.deps.Store.CompleteJob(ctx, job.ID, result); err != nil {
		q.log.Error("failed to record job completion",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.deps.Events.Publish("job_completed", job.OutcomeID, job.ID, string(job.Type))
}
