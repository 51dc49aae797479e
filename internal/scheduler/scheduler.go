// Package scheduler decides which task a worker runs next. Selection and
// claim happen in one transaction against the store; the claim itself is a
// guarded update, so losing a race surfaces as ErrConflict rather than a
// double assignment.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"doppel/internal/config"
	"doppel/internal/ids"
	"doppel/internal/logging"
	"doppel/internal/observability"
	"doppel/internal/store"
	"doppel/internal/types"
)

// ErrNoneReady means the outcome has no claimable task right now. Workers
// treat this as an idle poll, not a failure.
var ErrNoneReady = errors.New("no task ready")

const (
	// defaultClaimRetries bounds ClaimWithRetry attempts on claim contention.
	defaultClaimRetries = 5
	// defaultClaimBackoff is the first retry delay; it doubles per attempt.
	defaultClaimBackoff = 50 * time.Millisecond
	// defaultClaimBackoffCap bounds the doubling.
	defaultClaimBackoffCap = time.Second
)

// Scheduler hands out task claims and takes them back.
type Scheduler struct {
	store *store.Store
	clock ids.Clock
	log   *zap.Logger

	retries      int
	backoffStart time.Duration
	backoffCap   time.Duration
}

// New returns a Scheduler over st. A nil clock means the system clock; a nil
// cfg means the built-in contention defaults.
func New(st *store.Store, clock ids.Clock, cfg *config.Config) *Scheduler {
	if clock == nil {
		clock = ids.SystemClock()
	}
	s := &Scheduler{
		store:        st,
		clock:        clock,
		log:          logging.Get(logging.CategoryScheduler),
		retries:      defaultClaimRetries,
		backoffStart: defaultClaimBackoff,
		backoffCap:   defaultClaimBackoffCap,
	}
	if cfg != nil {
		if cfg.Scheduler.ClaimRetries > 0 {
			s.retries = cfg.Scheduler.ClaimRetries
		}
		s.backoffStart = cfg.GetClaimBackoff()
		s.backoffCap = cfg.GetClaimBackoffCap()
	}
	return s
}

// ClaimNextTask selects and claims the best ready task for workerID on
// outcomeID in a single transaction.
//
// A task is ready when it is pending, every dependency is completed, no
// pending escalation lists it as affected, and, for execution-phase tasks,
// the outcome's capability gate is open. Ready tasks are ranked by priority,
// then age, then id.
//
// Returns ErrNoneReady when nothing qualifies and types.ErrConflict when
// another worker wins the claim; callers wanting automatic retry use
// ClaimWithRetry.
func (s *Scheduler) ClaimNextTask(ctx context.Context, workerID, outcomeID string) (*types.Task, error) {
	var claimed *types.Task
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		outcome, err := tx.GetOutcome(ctx, outcomeID)
		if err != nil {
			return err
		}
		if outcome.Status != types.OutcomeActive {
			return ErrNoneReady
		}

		gateOpen := outcome.CapabilityReady == types.CapabilityComplete
		if !gateOpen {
			// Self-heal: an outcome with no unfinished capability work
			// has nothing left to gate on.
			n, err := tx.IncompleteCapabilityCount(ctx, outcomeID)
			if err != nil {
				return err
			}
			if n == 0 {
				if err := tx.SetCapabilityReady(ctx, outcomeID, types.CapabilityComplete); err != nil {
					return err
				}
				gateOpen = true
			}
		}

		pending, err := tx.ListTasks(ctx, outcomeID, store.TaskFilter{Status: types.TaskPending})
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return ErrNoneReady
		}

		completedList, err := tx.ListTasks(ctx, outcomeID, store.TaskFilter{Status: types.TaskCompleted})
		if err != nil {
			return err
		}
		completed := make(map[string]bool, len(completedList))
		for _, task := range completedList {
			completed[task.ID] = true
		}

		blocked, err := tx.BlockedTaskIDs(ctx, outcomeID)
		if err != nil {
			return err
		}

		candidate := pickCandidate(pending, completed, blocked, gateOpen)
		if candidate == nil {
			return ErrNoneReady
		}

		if err := tx.ClaimTask(ctx, candidate.ID, workerID); err != nil {
			return err
		}
		candidate.Status = types.TaskClaimed
		candidate.ClaimedBy = workerID
		candidate.ClaimedAt = s.clock.Now().UnixMilli()
		candidate.Attempts++
		claimed = candidate
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrConflict) {
			observability.ClaimConflicts.Inc()
		}
		return nil, err
	}

	observability.TasksClaimed.Inc()
	s.log.Debug("task claimed",
		zap.String("task_id", claimed.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", claimed.Attempts))
	return claimed, nil
}

// pickCandidate returns the first claimable task from an already-ordered
// pending list, or nil.
func pickCandidate(pending []types.Task, completed, blocked map[string]bool, gateOpen bool) *types.Task {
next:
	for i := range pending {
		task := &pending[i]
		if blocked[task.ID] {
			continue
		}
		if task.Phase == types.PhaseExecution && !gateOpen {
			continue
		}
		for _, dep := range task.DependsOn {
			if !completed[dep] {
				continue next
			}
		}
		return task
	}
	return nil
}

// ClaimWithRetry wraps ClaimNextTask with exponential backoff on claim
// contention. ErrNoneReady and real errors return immediately.
func (s *Scheduler) ClaimWithRetry(ctx context.Context, workerID, outcomeID string) (*types.Task, error) {
	backoff := s.backoffStart
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.backoffCap {
				backoff = s.backoffCap
			}
		}

		task, err := s.ClaimNextTask(ctx, workerID, outcomeID)
		if err == nil {
			return task, nil
		}
		if !errors.Is(err, types.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("claim retries exhausted: %w", lastErr)
}

// ReleaseClaim ends a claim with the given reason; store.Tx.ReleaseTask
// documents the per-reason transitions. Completing the last capability task
// opens the outcome's execution gate in the same transaction.
func (s *Scheduler) ReleaseClaim(ctx context.Context, taskID string, reason types.ReleaseReason) (*types.Task, error) {
	var released *types.Task
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		task, err := tx.ReleaseTask(ctx, taskID, reason)
		if err != nil {
			return err
		}
		released = task

		if reason == types.ReleaseCompleted {
			if err := tx.AppendActivity(ctx, task.OutcomeID, "task_completed",
				fmt.Sprintf("task %s completed", task.ID)); err != nil {
				return err
			}
			if task.Phase == types.PhaseCapability {
				n, err := tx.IncompleteCapabilityCount(ctx, task.OutcomeID)
				if err != nil {
					return err
				}
				if n == 0 {
					if err := tx.SetCapabilityReady(ctx, task.OutcomeID, types.CapabilityComplete); err != nil {
						return err
					}
					if err := tx.AppendActivity(ctx, task.OutcomeID, "capability_ready",
						"all capability tasks completed; execution tasks unlocked"); err != nil {
						return err
					}
				}
			}
		}
		if reason == types.ReleaseFailed && task.Status == types.TaskFailed {
			if err := tx.AppendActivity(ctx, task.OutcomeID, "task_failed",
				fmt.Sprintf("task %s failed after %d attempts", task.ID, task.Attempts)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.TasksReleased.WithLabelValues(string(reason)).Inc()
	s.log.Debug("claim released",
		zap.String("task_id", taskID),
		zap.String("reason", string(reason)),
		zap.String("status", string(released.Status)))
	return released, nil
}

// ReclaimExpired releases every task whose claiming worker missed its
// heartbeat window (or vanished entirely) and returns the released tasks.
// The supervisor runs this each sweep.
func (s *Scheduler) ReclaimExpired(ctx context.Context, heartbeatTimeout time.Duration) ([]types.Task, error) {
	cutoff := s.clock.Now().UnixMilli() - heartbeatTimeout.Milliseconds()

	var reclaimed []types.Task
	err := s.store.WithTx(ctx, func(tx *store.Tx) error {
		reclaimed = reclaimed[:0]
		stale, err := tx.ClaimedByStaleWorkers(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, task := range stale {
			released, err := tx.ReleaseTask(ctx, task.ID, types.ReleaseReclaimed)
			if err != nil {
				return err
			}
			if err := tx.AppendActivity(ctx, task.OutcomeID, "task_reclaimed",
				fmt.Sprintf("task %s reclaimed from silent worker %s", task.ID, task.ClaimedBy)); err != nil {
				return err
			}
			reclaimed = append(reclaimed, *released)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(reclaimed) > 0 {
		observability.ReclaimedTasks.Add(float64(len(reclaimed)))
		s.log.Info("reclaimed stale claims", zap.Int("count", len(reclaimed)))
	}
	return reclaimed, nil
}
