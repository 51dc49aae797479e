package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"doppel/internal/agent"
	"doppel/internal/homr"
	"doppel/internal/logging"
	"doppel/internal/observability"
	"doppel/internal/scheduler"
	"doppel/internal/store"
	"doppel/internal/types"
)

// rateLimitFallback is the wait applied when the agent reports a rate limit
// without a retry-after.
const rateLimitFallback = 30 * time.Second

// driver is the per-worker iteration loop. One goroutine owns one driver;
// nothing here is called concurrently except the control flags.
type driver struct {
	deps   Deps
	worker *types.Worker
	ctl    *control
	log    *zap.Logger

	current          *types.Task
	iteration        int
	iterationsOnTask int
	idleStreak       int
	steering         []string
}

func newDriver(deps Deps, worker *types.Worker, ctl *control) *driver {
	return &driver{
		deps:   deps,
		worker: worker,
		ctl:    ctl,
		log: logging.Get(logging.CategoryDriver).With(
			zap.String("worker_id", worker.ID),
			zap.String("outcome_id", worker.OutcomeID)),
	}
}

func (d *driver) run(ctx context.Context) {
	observability.RunningWorkers.Inc()
	defer observability.RunningWorkers.Dec()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("driver panicked", zap.Any("panic", r))
			d.persistExit(types.WorkerFailed)
			d.deps.Events.Publish("worker_failed", d.worker.OutcomeID, d.worker.ID,
				"driver panicked")
		}
	}()

	d.iteration = d.worker.Iteration
	d.log.Info("driver running")

	for {
		switch d.iterate(ctx) {
		case exitPaused:
			d.releaseCurrent(ctx, types.ReleasePaused)
			d.persistExit(types.WorkerPaused)
			d.deps.Events.Publish("worker_paused", d.worker.OutcomeID, d.worker.ID, "")
			d.log.Info("driver paused", zap.Int("iteration", d.iteration))
			return
		case exitCompleted:
			d.persistExit(types.WorkerCompleted)
			d.appendExitActivity("worker_completed",
				fmt.Sprintf("worker %s completed after %d iteration(s)", d.worker.ID, d.iteration))
			d.deps.Events.Publish("worker_completed", d.worker.OutcomeID, d.worker.ID,
				fmt.Sprintf("completed after %d iteration(s)", d.iteration))
			d.log.Info("driver completed", zap.Int("iteration", d.iteration))
			return
		case exitTerminated:
			// No persistence: the row reads as a crash and the
			// supervisor reclaims whatever was held.
			d.log.Info("driver terminated", zap.Int("iteration", d.iteration))
			return
		case keepGoing:
		}
	}
}

type loopVerdict int

const (
	keepGoing loopVerdict = iota
	exitPaused
	exitCompleted
	exitTerminated
)

// iterate runs one pass of the loop: control flags, claim, prompt, invoke,
// record, observe, release, compact, heartbeat.
func (d *driver) iterate(ctx context.Context) loopVerdict {
	if d.ctl.terminate.Load() || ctx.Err() != nil {
		return exitTerminated
	}
	if d.ctl.pause.Load() {
		return exitPaused
	}

	interventions := d.ctl.drain()

	if d.current != nil && !d.stillHeld(ctx) {
		// Another worker's escalation or a supervisor reclaim took the
		// task away between iterations.
		d.log.Info("claim lost between iterations", zap.String("task_id", d.current.ID))
		d.current = nil
		d.iterationsOnTask = 0
	}

	if d.current == nil {
		task, err := d.deps.Scheduler.ClaimWithRetry(ctx, d.worker.ID, d.worker.OutcomeID)
		switch {
		case errors.Is(err, scheduler.ErrNoneReady):
			d.idleStreak++
			if d.idleStreak >= d.deps.Config.Worker.IdleExitIterations {
				return exitCompleted
			}
			d.heartbeat(ctx)
			if !sleepCtx(ctx, d.deps.Config.GetIdlePollInterval()) {
				return exitTerminated
			}
			return keepGoing
		case err != nil:
			if ctx.Err() != nil {
				return exitTerminated
			}
			d.log.Warn("claim attempt failed", zap.Error(err))
			if !sleepCtx(ctx, d.deps.Config.GetIdlePollInterval()) {
				return exitTerminated
			}
			return keepGoing
		}
		d.current = task
		d.iterationsOnTask = 0
		d.idleStreak = 0
	}

	task := d.current
	d.iteration++
	d.iterationsOnTask++
	if err := d.beginIteration(ctx, task); err != nil {
		if ctx.Err() != nil {
			return exitTerminated
		}
		if errors.Is(err, types.ErrConflict) {
			// The supervisor reclassified this worker; its claim is
			// already being reclaimed.
			d.log.Info("worker row is terminal, exiting", zap.Error(err))
			return exitTerminated
		}
		d.log.Warn("failed to begin iteration", zap.Error(err))
	}
	observability.WorkerIterations.Inc()

	prompt, err := d.buildPrompt(ctx, task, interventions)
	if err != nil {
		d.log.Warn("failed to build prompt", zap.Error(err))
		prompt = fallbackPrompt(task)
	}

	result, err := d.invokeWithHeartbeat(ctx, agent.Request{
		Prompt:     prompt,
		WorkingDir: d.worker.WorktreePath,
		Env: map[string]string{
			"DOPPEL_OUTCOME_ID": d.worker.OutcomeID,
			"DOPPEL_TASK_ID":    task.ID,
			"DOPPEL_WORKER_ID":  d.worker.ID,
			"DOPPEL_ITERATION":  strconv.Itoa(d.iteration),
		},
		Timeout: d.deps.Config.GetAgentTimeout(),
	})
	if err != nil {
		return d.handleInvokeError(ctx, err)
	}

	if err := d.recordIteration(ctx, task, result); err != nil {
		d.log.Error("failed to record progress", zap.Error(err))
	} else {
		d.deps.Events.Publish("progress", d.worker.OutcomeID, d.worker.ID,
			truncateText(result.Summary, 200))
	}

	report, err := d.deps.Observer.Observe(ctx, homr.Input{
		OutcomeID:  d.worker.OutcomeID,
		TaskID:     task.ID,
		WorkerID:   d.worker.ID,
		Iteration:  d.iteration,
		RawOutput:  result.RawOutput,
		Structured: result.Structured,
	})
	if err != nil {
		d.log.Error("observation failed", zap.Error(err))
		report = &homr.Report{}
	}
	d.steering = report.Steering

	if report.EscalationID != "" {
		// The escalation already pushed the task back to pending in its
		// own transaction; nothing more to release.
		d.deps.Events.Publish("escalation_raised", d.worker.OutcomeID, report.EscalationID,
			fmt.Sprintf("task %s blocked pending an answer", task.ID))
		d.log.Info("task blocked by escalation",
			zap.String("task_id", task.ID),
			zap.String("escalation_id", report.EscalationID))
		d.current = nil
		d.iterationsOnTask = 0
	} else {
		d.settleTask(ctx, task, result)
	}

	d.maybeCompact(ctx, task.ID)
	d.heartbeat(ctx)
	if !sleepCtx(ctx, d.deps.Config.GetIterationDelay()) {
		return exitTerminated
	}
	return keepGoing
}

// beginIteration persists the claim on the worker row: running status,
// current task, bumped iteration, fresh heartbeat, and the task's own
// running transition.
func (d *driver) beginIteration(ctx context.Context, task *types.Task) error {
	return d.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Heartbeat(ctx, d.worker.ID, d.iteration, task.ID); err != nil {
			return err
		}
		if err := tx.SetWorkerStatus(ctx, d.worker.ID, types.WorkerRunning); err != nil {
			return err
		}
		if task.Status == types.TaskClaimed {
			if err := tx.MarkTaskRunning(ctx, task.ID, d.worker.ID); err != nil {
				return err
			}
			task.Status = types.TaskRunning
		}
		return nil
	})
}

// handleInvokeError deals with the two real errors Invoke can return: rate
// limiting and context cancellation. The burned iteration is refunded; a
// rate limit is not the task's fault.
func (d *driver) handleInvokeError(ctx context.Context, err error) loopVerdict {
	d.iterationsOnTask--

	var rl *agent.RateLimitError
	if errors.As(err, &rl) {
		delay := rl.RetryAfter
		if delay <= 0 {
			delay = rateLimitFallback
		}
		d.log.Warn("agent rate limited", zap.Duration("backoff", delay))
		d.heartbeat(ctx)
		if !sleepCtx(ctx, delay) {
			return exitTerminated
		}
		return keepGoing
	}
	if ctx.Err() != nil {
		return exitTerminated
	}
	d.log.Error("agent invocation failed", zap.Error(err))
	if !sleepCtx(ctx, d.deps.Config.GetIterationDelay()) {
		return exitTerminated
	}
	return keepGoing
}

// recordIteration accumulates cost onto the worker and appends the progress
// entry for this iteration.
func (d *driver) recordIteration(ctx context.Context, task *types.Task, result *agent.Result) error {
	return d.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		if result.CostUSD > 0 {
			if err := tx.AddWorkerCost(ctx, d.worker.ID, result.CostUSD); err != nil {
				return err
			}
		}
		return tx.AppendProgress(ctx, &types.ProgressEntry{
			OutcomeID:  d.worker.OutcomeID,
			WorkerID:   d.worker.ID,
			Iteration:  d.iteration,
			TaskID:     task.ID,
			Content:    result.Summary,
			FullOutput: result.RawOutput,
		})
	})
}

// settleTask turns the agent's status into a claim decision.
func (d *driver) settleTask(ctx context.Context, task *types.Task, result *agent.Result) {
	release := func(reason types.ReleaseReason) {
		released, err := d.deps.Scheduler.ReleaseClaim(ctx, task.ID, reason)
		if err != nil {
			d.log.Error("failed to release claim",
				zap.String("task_id", task.ID),
				zap.String("reason", string(reason)),
				zap.Error(err))
		} else {
			switch released.Status {
			case types.TaskCompleted:
				d.deps.Events.Publish("task_completed", d.worker.OutcomeID, task.ID, task.Title)
			case types.TaskFailed:
				d.deps.Events.Publish("task_failed", d.worker.OutcomeID, task.ID, task.Title)
			case types.TaskPending:
				d.deps.Events.Publish("task_retried", d.worker.OutcomeID, task.ID,
					fmt.Sprintf("attempt %d of %d", released.Attempts, released.MaxAttempts))
			}
		}
		d.current = nil
		d.iterationsOnTask = 0
	}

	switch result.Status {
	case agent.StatusDone:
		release(types.ReleaseCompleted)
	case agent.StatusNeedsMore:
		if d.iterationsOnTask >= d.deps.Config.Worker.MaxIterationsPerTask {
			d.log.Warn("iteration budget exhausted",
				zap.String("task_id", task.ID),
				zap.Int("iterations", d.iterationsOnTask))
			release(types.ReleaseFailed)
		}
	default:
		release(types.ReleaseFailed)
	}
}

// stillHeld re-checks the claim on a carried-over task.
func (d *driver) stillHeld(ctx context.Context) bool {
	task, err := d.deps.Store.GetTask(ctx, d.current.ID)
	if err != nil {
		return false
	}
	if task.ClaimedBy != d.worker.ID {
		return false
	}
	return task.Status == types.TaskClaimed || task.Status == types.TaskRunning
}

// invokeWithHeartbeat runs the agent call while stamping liveness every
// heartbeat interval so a long invocation does not read as a dead worker.
func (d *driver) invokeWithHeartbeat(ctx context.Context, req agent.Request) (*agent.Result, error) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(d.deps.Config.GetAgentHeartbeatInterval())
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				d.heartbeat(ctx)
			}
		}
	}()
	result, err := d.deps.Invoker.Invoke(ctx, req)
	close(stop)
	<-done
	return result, err
}

func (d *driver) heartbeat(ctx context.Context) {
	taskID := ""
	if d.current != nil {
		taskID = d.current.ID
	}
	if err := d.deps.Store.Heartbeat(ctx, d.worker.ID, d.iteration, taskID); err != nil && ctx.Err() == nil {
		d.log.Warn("heartbeat failed", zap.Error(err))
	}
}

// maybeCompact folds old progress into a summary once the uncompacted count
// crosses the threshold. The summary text comes from the oracle when one is
// wired, otherwise a deterministic digest.
func (d *driver) maybeCompact(ctx context.Context, taskID string) {
	var count int
	err := d.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		count, err = tx.UncompactedCount(ctx, d.worker.ID)
		return err
	})
	if err != nil || count <= d.deps.Config.Worker.CompactionThreshold {
		return
	}

	entries, err := d.deps.Store.ListProgress(ctx, d.worker.ID, store.ProgressFilter{TaskID: taskID})
	if err != nil || len(entries) < 2 {
		return
	}
	summary := d.summarize(ctx, entries[:len(entries)-1])

	var folded int
	err = d.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		_, n, err := tx.CompactProgress(ctx, d.worker.ID, taskID, summary)
		folded = n
		return err
	})
	if err != nil {
		d.log.Warn("compaction failed", zap.Error(err))
		return
	}
	if folded > 0 {
		observability.CompactionRuns.Inc()
		d.log.Info("compacted progress",
			zap.String("task_id", taskID),
			zap.Int("folded", folded))
	}
}

func (d *driver) summarize(ctx context.Context, entries []types.ProgressEntry) string {
	if d.deps.Oracle != nil {
		var joined string
		for _, e := range entries {
			joined += fmt.Sprintf("iteration %d: %s\n", e.Iteration, e.Content)
		}
		completion, err := d.deps.Oracle.Complete(ctx,
			"Condense this worker's iteration history into one short progress brief. "+
				"Keep decisions, file paths and unresolved problems; drop everything else.\n\n"+joined)
		if err == nil && completion.Text != "" {
			if completion.CostUSD > 0 {
				_ = d.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
					return tx.AddWorkerCost(ctx, d.worker.ID, completion.CostUSD)
				})
			}
			return completion.Text
		}
		d.log.Warn("oracle summary failed, using digest", zap.Error(err))
	}
	last := entries[len(entries)-1]
	return fmt.Sprintf("Earlier progress (%d iterations condensed). Most recent: %s",
		len(entries), truncateText(last.Content, 400))
}

// persistExit writes the final worker status with a fresh context; the run
// context may already be cancelled when we get here.
func (d *driver) persistExit(status types.WorkerStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.Heartbeat(ctx, d.worker.ID, d.iteration, ""); err != nil {
			return err
		}
		return tx.SetWorkerStatus(ctx, d.worker.ID, status)
	})
	if err != nil {
		d.log.Error("failed to persist exit status",
			zap.String("status", string(status)), zap.Error(err))
	}
}

func (d *driver) appendExitActivity(kind, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.AppendActivity(ctx, d.worker.OutcomeID, kind, message)
	})
	if err != nil {
		d.log.Warn("failed to append activity", zap.Error(err))
	}
}

// releaseCurrent hands a held claim back without burning an attempt.
func (d *driver) releaseCurrent(ctx context.Context, reason types.ReleaseReason) {
	if d.current == nil {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if _, err := d.deps.Scheduler.ReleaseClaim(ctx, d.current.ID, reason); err != nil {
		d.log.Warn("failed to release claim on exit", zap.Error(err))
	}
	d.current = nil
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
