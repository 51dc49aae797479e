// Package supervisor is the fleet health loop. Each sweep reclaims claims
// from silent workers, reclassifies the workers themselves, raises and
// auto-resolves operator alerts, answers aged escalations on opted-in
// outcomes, and proposes convergence when the evaluator recommends it.
//
// The supervisor never touches worker in-memory state directly; pausing a
// runaway worker goes through the manager so the driver sees it at an
// iteration boundary.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"doppel/internal/config"
	"doppel/internal/converge"
	"doppel/internal/events"
	"doppel/internal/homr"
	"doppel/internal/ids"
	"doppel/internal/logging"
	"doppel/internal/observability"
	"doppel/internal/scheduler"
	"doppel/internal/store"
	"doppel/internal/types"
)

// WorkerPauser is the slice of the worker manager the supervisor needs.
type WorkerPauser interface {
	PauseWorker(ctx context.Context, workerID string) error
}

// Deps carries the supervisor's collaborators. Events may be nil.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Workers   WorkerPauser
	Observer  *homr.Observer
	Evaluator *converge.Evaluator
	Events    *events.Bus
	IDs       *ids.Generator
	Clock     ids.Clock
}

// Supervisor runs the periodic sweep.
type Supervisor struct {
	deps Deps
	log  *zap.Logger

	running   atomic.Bool
	sweeps    atomic.Int64
	lastSweep atomic.Int64

	mu       sync.Mutex
	proposed map[string]bool // outcomes already nudged toward achieved
}

// New returns a Supervisor. A nil Clock means the system clock.
func New(deps Deps) *Supervisor {
	if deps.Clock == nil {
		deps.Clock = ids.SystemClock()
	}
	return &Supervisor{
		deps:     deps,
		log:      logging.Get(logging.CategorySupervisor),
		proposed: make(map[string]bool),
	}
}

// Running reports whether the sweep loop is live.
func (s *Supervisor) Running() bool { return s.running.Load() }

// Run sweeps immediately, then on every tick until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.deps.Config.GetSupervisorInterval()
	s.running.Store(true)
	defer s.running.Store(false)
	s.log.Info("supervisor started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("sweep failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			s.log.Info("supervisor stopped")
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one full pass. Each stage is independent: a failing stage is
// reported but does not stop the others.
func (s *Supervisor) Sweep(ctx context.Context) error {
	observability.SupervisorSweeps.Inc()
	s.sweeps.Add(1)
	s.lastSweep.Store(s.deps.Clock.Now().UnixMilli())

	var errs []error
	if _, err := s.deps.Scheduler.ReclaimExpired(ctx, s.deps.Config.GetHeartbeatTimeout()); err != nil {
		errs = append(errs, fmt.Errorf("reclaim sweep: %w", err))
	}
	if err := s.reapDeadWorkers(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker reap: %w", err))
	}

	pause, err := s.checkFleet(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("fleet check: %w", err))
	}
	if s.deps.Workers != nil {
		for _, workerID := range pause {
			err := s.deps.Workers.PauseWorker(ctx, workerID)
			if err != nil && !errors.Is(err, types.ErrConflict) && !errors.Is(err, types.ErrNotFound) {
				s.log.Warn("cost overrun pause failed",
					zap.String("worker_id", workerID), zap.Error(err))
			}
		}
	}

	if err := s.autoResolve(ctx); err != nil {
		errs = append(errs, fmt.Errorf("auto-resolve: %w", err))
	}
	if err := s.proposeConvergence(ctx); err != nil {
		errs = append(errs, fmt.Errorf("convergence check: %w", err))
	}
	if err := s.healGauges(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gauge heal: %w", err))
	}
	return errors.Join(errs...)
}

// reapDeadWorkers reclassifies running workers whose heartbeat lapsed. Their
// claims were already released by the reclaim sweep; this marks the row
// failed and leaves a postmortem alert.
func (s *Supervisor) reapDeadWorkers(ctx context.Context) error {
	now := s.deps.Clock.Now().UnixMilli()
	cutoff := now - s.deps.Config.GetHeartbeatTimeout().Milliseconds()

	var reaped []types.Worker
	err := s.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		reaped = reaped[:0]
		stale, err := tx.StaleWorkers(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, w := range stale {
			if err := tx.SetWorkerStatus(ctx, w.ID, types.WorkerFailed); err != nil {
				return err
			}
			silent := time.Duration(now-w.LastHeartbeat) * time.Millisecond
			alert := types.Alert{
				ID:         s.deps.IDs.Alert(),
				Type:       types.AlertStuckWorker,
				Severity:   types.SeverityCritical,
				TargetKind: types.TargetWorker,
				TargetID:   w.ID,
				Message: fmt.Sprintf("worker %s silent for %s; marked failed and its claim released",
					w.ID, silent.Round(time.Second)),
			}
			if _, err := tx.RaiseAlert(ctx, &alert); err != nil {
				return err
			}
			if err := tx.AppendActivity(ctx, w.OutcomeID, "worker_reaped",
				fmt.Sprintf("worker %s missed its heartbeat window and was marked failed", w.ID)); err != nil {
				return err
			}
			reaped = append(reaped, w)
			s.log.Warn("reaped dead worker",
				zap.String("worker_id", w.ID),
				zap.String("outcome_id", w.OutcomeID),
				zap.Duration("silent", silent))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, w := range reaped {
		s.deps.Events.Publish("worker_failed", w.OutcomeID, w.ID,
			"missed its heartbeat window")
	}
	return nil
}

// finding is one alert-worthy condition observed during the fleet check.
type finding struct {
	alert     types.Alert
	outcomeID string
	pause     bool
}

// emission is a bus event held back until the transaction commits, so a
// busy retry cannot publish it twice.
type emission struct {
	kind      string
	outcomeID string
	targetID  string
	message   string
}

// checkFleet evaluates alert conditions in one transaction, raising alerts
// for conditions that hold and resolving active ones whose condition
// cleared. It returns workers to pause for cost overruns.
//
// The keep set is wider than the raise set: a cost overrun outlives the
// worker's pause (spend does not shrink), and a dead worker's stuck alert
// stays up as a postmortem until dismissed.
func (s *Supervisor) checkFleet(ctx context.Context) ([]string, error) {
	now := s.deps.Clock.Now().UnixMilli()
	stuckCutoff := now - s.deps.Config.GetStuckThreshold().Milliseconds()
	loopN := s.deps.Config.Supervisor.LoopThreshold

	var pause []string
	var emits []emission
	err := s.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		pause = pause[:0]
		emits = emits[:0]

		workers, err := tx.ListWorkers(ctx, store.WorkerFilter{})
		if err != nil {
			return err
		}
		outcomes, err := tx.ListOutcomes(ctx, store.OutcomeFilter{})
		if err != nil {
			return err
		}
		outcomeByID := make(map[string]*types.Outcome, len(outcomes))
		for i := range outcomes {
			outcomeByID[outcomes[i].ID] = &outcomes[i]
		}
		liveByOutcome := make(map[string]int)
		workerOutcome := make(map[string]string, len(workers))
		for _, w := range workers {
			workerOutcome[w.ID] = w.OutcomeID
			if !w.Status.Terminal() {
				liveByOutcome[w.OutcomeID]++
			}
		}

		keep := make(map[string]bool)
		var raise []finding

		for i := range workers {
			w := &workers[i]

			if capUSD := s.capFor(outcomeByID[w.OutcomeID]); capUSD > 0 && w.CostUSD > capUSD {
				keep[akey(types.AlertCostOverrun, types.TargetWorker, w.ID)] = true
				if w.Status == types.WorkerRunning || w.Status == types.WorkerIdle {
					raise = append(raise, finding{
						alert: types.Alert{
							Type:       types.AlertCostOverrun,
							Severity:   types.SeverityCritical,
							TargetKind: types.TargetWorker,
							TargetID:   w.ID,
							Message: fmt.Sprintf("worker %s spent $%.2f against a $%.2f cap; pausing it",
								w.ID, w.CostUSD, capUSD),
						},
						outcomeID: w.OutcomeID,
						pause:     true,
					})
				}
			}

			if w.Status == types.WorkerFailed {
				keep[akey(types.AlertStuckWorker, types.TargetWorker, w.ID)] = true
			}
			if w.Status != types.WorkerRunning {
				continue
			}

			last, err := tx.LastProgressAt(ctx, w.ID)
			if err != nil {
				return err
			}
			anchor := last
			if anchor == 0 {
				anchor = w.CreatedAt
			}
			if anchor < stuckCutoff {
				keep[akey(types.AlertStuckWorker, types.TargetWorker, w.ID)] = true
				raise = append(raise, finding{
					alert: types.Alert{
						Type:       types.AlertStuckWorker,
						Severity:   types.SeverityWarning,
						TargetKind: types.TargetWorker,
						TargetID:   w.ID,
						Message: fmt.Sprintf("worker %s is running but has written no progress since %s",
							w.ID, time.UnixMilli(anchor).UTC().Format(time.RFC3339)),
					},
					outcomeID: w.OutcomeID,
				})
			}

			entries, err := tx.ListProgress(ctx, w.ID, store.ProgressFilter{})
			if err != nil {
				return err
			}
			if looping(entries, loopN) {
				taskID := entries[len(entries)-1].TaskID
				keep[akey(types.AlertIterationLoop, types.TargetWorker, w.ID)] = true
				raise = append(raise, finding{
					alert: types.Alert{
						Type:       types.AlertIterationLoop,
						Severity:   types.SeverityWarning,
						TargetKind: types.TargetWorker,
						TargetID:   w.ID,
						Message: fmt.Sprintf("worker %s produced %d identical iterations on task %s",
							w.ID, loopN, taskID),
					},
					outcomeID: w.OutcomeID,
				})
			}
		}

		for i := range outcomes {
			o := &outcomes[i]

			failed, err := tx.ListTasks(ctx, o.ID, store.TaskFilter{Status: types.TaskFailed})
			if err != nil {
				return err
			}
			for _, task := range failed {
				keep[akey(types.AlertRepeatedFailure, types.TargetTask, task.ID)] = true
				raise = append(raise, finding{
					alert: types.Alert{
						Type:       types.AlertRepeatedFailure,
						Severity:   types.SeverityWarning,
						TargetKind: types.TargetTask,
						TargetID:   task.ID,
						Message: fmt.Sprintf("task %s (%s) failed %d times and is out of attempts",
							task.ID, task.Title, task.Attempts),
					},
					outcomeID: o.ID,
				})
			}

			if o.Status != types.OutcomeActive || liveByOutcome[o.ID] > 0 {
				continue
			}
			pending, err := tx.ListTasks(ctx, o.ID, store.TaskFilter{Status: types.TaskPending})
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				continue
			}
			lastActivity, err := tx.LastActivityAt(ctx, o.ID)
			if err != nil {
				return err
			}
			anchor := lastActivity
			if anchor == 0 {
				anchor = o.CreatedAt
			}
			if anchor < stuckCutoff {
				keep[akey(types.AlertNoProgress, types.TargetOutcome, o.ID)] = true
				raise = append(raise, finding{
					alert: types.Alert{
						Type:       types.AlertNoProgress,
						Severity:   types.SeverityInfo,
						TargetKind: types.TargetOutcome,
						TargetID:   o.ID,
						Message: fmt.Sprintf("outcome %s has %d pending task(s) but no worker and no recent activity",
							o.ID, len(pending)),
					},
					outcomeID: o.ID,
				})
			}
		}

		for _, f := range raise {
			alert := f.alert
			alert.ID = s.deps.IDs.Alert()
			created, err := tx.RaiseAlert(ctx, &alert)
			if err != nil {
				return err
			}
			if !created {
				continue
			}
			if err := tx.AppendActivity(ctx, f.outcomeID, "alert_raised", alert.Message); err != nil {
				return err
			}
			emits = append(emits, emission{"alert_raised", f.outcomeID, alert.TargetID, alert.Message})
			s.log.Warn("alert raised",
				zap.String("type", string(alert.Type)),
				zap.String("target", alert.TargetID),
				zap.String("message", alert.Message))
			if f.pause {
				pause = append(pause, alert.TargetID)
			}
		}

		active, err := tx.ListAlerts(ctx, store.AlertFilter{ActiveOnly: true})
		if err != nil {
			return err
		}
		for _, a := range active {
			if keep[akey(a.Type, a.TargetKind, a.TargetID)] {
				continue
			}
			if _, err := tx.ResolveAlert(ctx, a.Type, a.TargetKind, a.TargetID); err != nil {
				return err
			}
			cleared := fmt.Sprintf("%s alert on %s cleared", a.Type, a.TargetID)
			if outcomeID := alertOutcome(ctx, tx, &a, workerOutcome); outcomeID != "" {
				if err := tx.AppendActivity(ctx, outcomeID, "alert_resolved", cleared); err != nil {
					return err
				}
				emits = append(emits, emission{"alert_resolved", outcomeID, a.TargetID, cleared})
			}
			s.log.Info("alert resolved",
				zap.String("type", string(a.Type)),
				zap.String("target", a.TargetID))
		}
		return nil
	})
	if err == nil {
		for _, e := range emits {
			s.deps.Events.Publish(e.kind, e.outcomeID, e.targetID, e.message)
		}
	}
	return pause, err
}

// autoResolve answers escalations that sat pending past the configured age
// on outcomes that opted in. The highest-confidence option wins; ties go to
// the lexicographically smallest option id so reruns pick the same answer.
func (s *Supervisor) autoResolve(ctx context.Context) error {
	now := s.deps.Clock.Now().UnixMilli()
	cutoff := now - s.deps.Config.GetAutoResolveAge().Milliseconds()

	var candidates []types.Escalation
	err := s.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		candidates = candidates[:0]
		aged, err := tx.PendingEscalationsOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, esc := range aged {
			outcome, err := tx.GetOutcome(ctx, esc.OutcomeID)
			if err != nil {
				return err
			}
			if !outcome.AutoResolve {
				continue
			}
			if len(esc.Question.Options) == 0 {
				s.log.Debug("escalation has no options to pick from",
					zap.String("escalation_id", esc.ID))
				continue
			}
			candidates = append(candidates, esc)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, esc := range candidates {
		opt := bestOption(esc.Question.Options)
		age := time.Duration(now-esc.CreatedAt) * time.Millisecond
		answer := types.Answer{
			SelectedOption: opt.ID,
			AdditionalContext: fmt.Sprintf("auto-resolved after %s pending; %q had the highest confidence (%.2f)",
				age.Round(time.Second), opt.Label, opt.Confidence),
		}
		if _, err := s.deps.Observer.Answer(ctx, esc.ID, answer, "auto_resolve"); err != nil {
			// A racing human answer is fine; anything else is worth a look.
			if !errors.Is(err, types.ErrConflict) {
				s.log.Warn("auto-resolve failed",
					zap.String("escalation_id", esc.ID), zap.Error(err))
			}
			continue
		}
		s.deps.Events.Publish("escalation_auto_resolved", esc.OutcomeID, esc.ID,
			fmt.Sprintf("picked %q after %s pending", opt.Label, age.Round(time.Second)))
		s.log.Info("auto-resolved escalation",
			zap.String("escalation_id", esc.ID),
			zap.String("option", opt.ID),
			zap.Float64("confidence", opt.Confidence))
	}
	return nil
}

// proposeConvergence leaves one activity nudge per outcome when the
// evaluator recommends marking it achieved. The transition itself stays a
// user action.
func (s *Supervisor) proposeConvergence(ctx context.Context) error {
	outcomes, err := s.deps.Store.ListOutcomes(ctx, store.OutcomeFilter{Status: types.OutcomeActive})
	if err != nil {
		return err
	}

	var errs []error
	for i := range outcomes {
		o := &outcomes[i]
		assessment, err := s.deps.Evaluator.Evaluate(ctx, o.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		s.mu.Lock()
		already := s.proposed[o.ID]
		if assessment.RecommendAchieved {
			s.proposed[o.ID] = true
		} else {
			delete(s.proposed, o.ID)
		}
		s.mu.Unlock()

		if !assessment.RecommendAchieved || already {
			continue
		}
		if err := s.deps.Store.AppendActivity(ctx, o.ID, "convergence_proposed",
			fmt.Sprintf("review cycles closed out at zero open issues and every task completed; outcome %s can be marked achieved", o.ID)); err != nil {
			errs = append(errs, err)
			continue
		}
		s.deps.Events.Publish("convergence_proposed", o.ID, o.ID,
			"every task completed with no open issues; outcome can be marked achieved")
		s.log.Info("convergence recommends achieved", zap.String("outcome_id", o.ID))
	}
	return errors.Join(errs...)
}

// healGauges re-derives process gauges from the store so restarts and missed
// increments cannot leave them drifting.
func (s *Supervisor) healGauges(ctx context.Context) error {
	pending, err := s.deps.Store.ListEscalations(ctx, store.EscalationFilter{Status: types.EscalationPending})
	if err != nil {
		return err
	}
	observability.EscalationsOpen.Set(float64(len(pending)))

	active, err := s.deps.Store.ListAlerts(ctx, store.AlertFilter{ActiveOnly: true})
	if err != nil {
		return err
	}
	counts := make(map[types.AlertType]int)
	for _, a := range active {
		counts[a.Type]++
	}
	for _, typ := range []types.AlertType{
		types.AlertStuckWorker, types.AlertCostOverrun, types.AlertIterationLoop,
		types.AlertRepeatedFailure, types.AlertNoProgress,
	} {
		observability.AlertsActive.WithLabelValues(string(typ)).Set(float64(counts[typ]))
	}
	return nil
}

// Status is the supervisor view served by the HTTP API.
type Status struct {
	Running            bool           `json:"running"`
	Sweeps             int64          `json:"sweeps"`
	LastSweepAt        int64          `json:"last_sweep_at"`
	ActiveAlerts       map[string]int `json:"active_alerts"`
	PendingEscalations int            `json:"pending_escalations"`
}

// Status reports loop liveness plus current alert and escalation counts.
func (s *Supervisor) Status(ctx context.Context) (*Status, error) {
	active, err := s.deps.Store.ListAlerts(ctx, store.AlertFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	pending, err := s.deps.Store.ListEscalations(ctx, store.EscalationFilter{Status: types.EscalationPending})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, a := range active {
		counts[string(a.Type)]++
	}
	return &Status{
		Running:            s.running.Load(),
		Sweeps:             s.sweeps.Load(),
		LastSweepAt:        s.lastSweep.Load(),
		ActiveAlerts:       counts,
		PendingEscalations: len(pending),
	}, nil
}

// capFor picks the outcome's own cost cap when set, the config default
// otherwise. A cap of zero disables the check.
func (s *Supervisor) capFor(o *types.Outcome) float64 {
	if o != nil && o.CostCapUSD > 0 {
		return o.CostCapUSD
	}
	return s.deps.Config.Supervisor.CostCapUSD
}

// looping reports whether the worker's last n live entries are the same
// task repeating the same content.
func looping(entries []types.ProgressEntry, n int) bool {
	if n < 2 || len(entries) < n {
		return false
	}
	tail := entries[len(entries)-n:]
	first := tail[0]
	if first.TaskID == "" {
		return false
	}
	for _, e := range tail[1:] {
		if e.TaskID != first.TaskID || e.Content != first.Content {
			return false
		}
	}
	return true
}

// bestOption picks the highest-confidence option, smallest id on ties.
func bestOption(opts []types.EscalationOption) types.EscalationOption {
	best := opts[0]
	for _, o := range opts[1:] {
		if o.Confidence > best.Confidence ||
			(o.Confidence == best.Confidence && o.ID < best.ID) {
			best = o
		}
	}
	return best
}

// alertOutcome maps an alert back to the outcome whose activity log should
// record its resolution. Unknown targets return "".
func alertOutcome(ctx context.Context, tx *store.Tx, a *types.Alert, workerOutcome map[string]string) string {
	switch a.TargetKind {
	case types.TargetOutcome:
		return a.TargetID
	case types.TargetWorker:
		return workerOutcome[a.TargetID]
	case types.TargetTask:
		task, err := tx.GetTask(ctx, a.TargetID)
		if err != nil {
			return ""
		}
		return task.OutcomeID
	}
	return ""
}

func akey(typ types.AlertType, kind types.AlertTargetKind, targetID string) string {
	return string(typ) + "|" + string(kind) + "|" + targetID
}
