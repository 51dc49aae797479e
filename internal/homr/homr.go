// Package homr is the observation and escalation engine. Every iteration's
// output passes through Observe: discoveries land in the outcome's context
// store, concerns and next steps become an observation row, ambiguity
// becomes a blocking escalation, and steering flows back into the next
// prompt. Answering or dismissing an escalation also lives here so the
// unblock and its audit trail commit together.
package homr

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"doppel/internal/agent"
	"doppel/internal/ids"
	"doppel/internal/logging"
	"doppel/internal/observability"
	"doppel/internal/store"
	"doppel/internal/types"
)

// Observer extracts structure from raw worker output and persists it.
type Observer struct {
	store *store.Store
	ids   *ids.Generator
	log   *zap.Logger
}

// NewObserver builds the engine over the shared store.
func NewObserver(st *store.Store, gen *ids.Generator) *Observer {
	return &Observer{
		store: st,
		ids:   gen,
		log:   logging.Get(logging.CategoryHomr),
	}
}

// Input is one iteration's output.
type Input struct {
	OutcomeID string
	TaskID    string
	WorkerID  string
	Iteration int
	RawOutput string
	// Structured is the agent's parsed result block; nil when the agent
	// emitted none.
	Structured *agent.Structured
}

// Report says what observation did and what the driver should do next.
type Report struct {
	Discoveries int
	// EscalationID is set when this iteration raised a blocking question.
	// The current task's claim is already released when it is.
	EscalationID string
	// Steering is prepended to the next iteration's prompt.
	Steering []string
}

// Observe persists everything extractable from one iteration in a single
// transaction. The escalation, when raised, releases the affected claims in
// that same transaction; a concurrent claimer can never slip between the
// two.
func (o *Observer) Observe(ctx context.Context, in Input) (*Report, error) {
	if in.OutcomeID == "" {
		return nil, fmt.Errorf("outcome id is required: %w", types.ErrInvalid)
	}

	report := &Report{}
	err := o.store.WithTx(ctx, func(tx *store.Tx) error {
		*report = Report{}

		notes, decisions := sweepMarkers(in.RawOutput)
		if in.Structured != nil {
			notes = append(notes, in.Structured.Discoveries...)
		}

		for _, note := range notes {
			kind := types.DiscoveryType(note.Type)
			if !kind.Valid() {
				kind = types.DiscoveryInsight
			}
			if err := tx.AddDiscovery(ctx, &types.Discovery{
				OutcomeID:    in.OutcomeID,
				Type:         kind,
				Content:      note.Content,
				SourceTaskID: in.TaskID,
			}); err != nil {
				return err
			}
			report.Discoveries++
		}

		for _, content := range decisions {
			if err := tx.AddDecision(ctx, &types.Decision{
				ID:        o.ids.Decision(),
				OutcomeID: in.OutcomeID,
				Content:   content,
				MadeBy:    in.WorkerID,
			}); err != nil {
				return err
			}
		}

		if in.Structured == nil {
			return nil
		}
		s := in.Structured

		if len(s.Concerns) > 0 || len(s.NextSteps) > 0 {
			if err := tx.AddObservation(ctx, &types.ObservationRecord{
				OutcomeID: in.OutcomeID,
				TaskID:    in.TaskID,
				WorkerID:  in.WorkerID,
				Concerns:  s.Concerns,
				NextSteps: s.NextSteps,
			}); err != nil {
				return err
			}
		}

		for _, c := range s.Constraints {
			if err := tx.AddConstraint(ctx, &types.Constraint{
				OutcomeID: in.OutcomeID,
				Rule:      c.Rule,
				Reason:    c.Reason,
			}); err != nil {
				return err
			}
		}

		for _, inj := range s.Injections {
			if err := o.addInjection(ctx, tx, in.OutcomeID, inj); err != nil {
				return err
			}
		}

		if s.Escalation != nil {
			escID, err := o.raiseEscalation(ctx, tx, in, s.Escalation)
			if err != nil {
				return err
			}
			report.EscalationID = escID
		}

		if s.OpenIssues != nil && in.TaskID != "" {
			if err := o.recordReviewCycle(ctx, tx, in, *s.OpenIssues); err != nil {
				return err
			}
		}

		report.Steering = s.NextSteps
		return nil
	})
	if err != nil {
		return nil, err
	}

	if report.EscalationID != "" {
		observability.EscalationsOpen.Inc()
	}
	return report, nil
}

// addInjection stores one downstream-context injection, dropping targets
// that do not exist or belong to another outcome.
func (o *Observer) addInjection(ctx context.Context, tx *store.Tx, outcomeID string, inj agent.InjectionNote) error {
	if inj.TaskID == "" || inj.Content == "" {
		return nil
	}
	target, err := tx.GetTask(ctx, inj.TaskID)
	if err != nil {
		o.log.Warn("dropping injection for unknown task",
			zap.String("task_id", inj.TaskID))
		return nil
	}
	if target.OutcomeID != outcomeID {
		o.log.Warn("dropping cross-outcome injection",
			zap.String("task_id", inj.TaskID),
			zap.String("target_outcome", target.OutcomeID))
		return nil
	}
	return tx.AddInjection(ctx, &types.ContextInjection{
		OutcomeID: outcomeID,
		TaskID:    inj.TaskID,
		Content:   inj.Content,
	})
}

// raiseEscalation turns an agent escalation signal into a persisted,
// claim-blocking escalation. Signals with a trigger type outside the closed
// set degrade to a blocker discovery; the agent does not get to invent new
// reasons to stop the world.
func (o *Observer) raiseEscalation(ctx context.Context, tx *store.Tx, in Input, sig *agent.EscalationSignal) (string, error) {
	trigger := types.TriggerType(sig.Type)
	if !trigger.Valid() {
		o.log.Warn("escalation signal with unknown trigger type",
			zap.String("type", sig.Type))
		if err := tx.AddDiscovery(ctx, &types.Discovery{
			OutcomeID:    in.OutcomeID,
			Type:         types.DiscoveryBlocker,
			Content:      sig.Question,
			SourceTaskID: in.TaskID,
		}); err != nil {
			return "", err
		}
		return "", nil
	}
	if strings.TrimSpace(sig.Question) == "" {
		return "", nil
	}

	affected := []string{}
	if in.TaskID != "" {
		dependents, err := tx.TransitiveDependents(ctx, in.OutcomeID, in.TaskID)
		if err != nil {
			return "", err
		}
		affected = append([]string{in.TaskID}, dependents...)
	}

	options := make([]types.EscalationOption, 0, len(sig.Options))
	for i, opt := range sig.Options {
		id := opt.ID
		if id == "" {
			id = fmt.Sprintf("opt_%d", i+1)
		}
		options = append(options, types.EscalationOption{
			ID:           id,
			Label:        opt.Label,
			Description:  opt.Description,
			Implications: opt.Implications,
			Confidence:   clamp01(opt.Confidence),
		})
	}

	esc := &types.Escalation{
		ID:        o.ids.Escalation(),
		OutcomeID: in.OutcomeID,
		Trigger: types.Trigger{
			Type:   trigger,
			TaskID: in.TaskID,
		},
		Question: types.Question{
			Text:    sig.Question,
			Context: sig.Context,
			Options: options,
		},
		AffectedTasks: affected,
	}
	if err := tx.CreateEscalation(ctx, esc); err != nil {
		return "", err
	}

	if err := tx.AppendActivity(ctx, in.OutcomeID, "escalation_raised",
		fmt.Sprintf("escalation %s (%s) blocks %d task(s): %s",
			esc.ID, trigger, len(affected), sig.Question)); err != nil {
		return "", err
	}

	o.log.Info("escalation raised",
		zap.String("escalation_id", esc.ID),
		zap.String("outcome_id", in.OutcomeID),
		zap.String("trigger", string(trigger)),
		zap.Int("affected_tasks", len(affected)))
	return esc.ID, nil
}

// recordReviewCycle stores the reported open-issue count when the current
// task is a review task.
func (o *Observer) recordReviewCycle(ctx context.Context, tx *store.Tx, in Input, openIssues int) error {
	task, err := tx.GetTask(ctx, in.TaskID)
	if err != nil || !task.FromReview {
		return nil
	}
	if openIssues < 0 {
		openIssues = 0
	}
	if err := tx.AppendReviewCycle(ctx, in.OutcomeID, task.ReviewCycle, openIssues); err != nil {
		return err
	}
	return tx.AppendActivity(ctx, in.OutcomeID, "review_cycle",
		fmt.Sprintf("review cycle %d reports %d open issue(s)", task.ReviewCycle, openIssues))
}

// Answer resolves a pending escalation with the user's (or auto-resolver's)
// choice, records the decision, and unblocks the affected tasks, all in one
// transaction.
func (o *Observer) Answer(ctx context.Context, escID string, answer types.Answer, madeBy string) (*types.Escalation, error) {
	var resolved *types.Escalation
	err := o.store.WithTx(ctx, func(tx *store.Tx) error {
		esc, err := tx.GetEscalation(ctx, escID)
		if err != nil {
			return err
		}

		label := answer.SelectedOption
		if len(esc.Question.Options) > 0 {
			opt, ok := findOption(esc.Question.Options, answer.SelectedOption)
			if !ok {
				return fmt.Errorf("option %q not offered by escalation %s: %w",
					answer.SelectedOption, escID, types.ErrInvalid)
			}
			label = opt.Label
		}

		if err := tx.AnswerEscalation(ctx, escID, answer); err != nil {
			return err
		}

		content := fmt.Sprintf("%s → %s", esc.Question.Text, label)
		if err := tx.AddDecision(ctx, &types.Decision{
			ID:        o.ids.Decision(),
			OutcomeID: esc.OutcomeID,
			Content:   content,
			MadeBy:    madeBy,
			Context:   answer.AdditionalContext,
		}); err != nil {
			return err
		}
		if err := tx.AppendActivity(ctx, esc.OutcomeID, "escalation_answered",
			fmt.Sprintf("escalation %s answered by %s: %s", escID, madeBy, label)); err != nil {
			return err
		}

		resolved, err = tx.GetEscalation(ctx, escID)
		return err
	})
	if err != nil {
		return nil, err
	}

	observability.EscalationsOpen.Dec()
	o.log.Info("escalation answered",
		zap.String("escalation_id", escID),
		zap.String("selected", answer.SelectedOption),
		zap.String("by", madeBy))
	return resolved, nil
}

// Dismiss closes a pending escalation without an answer. Affected tasks
// unblock; no decision is recorded.
func (o *Observer) Dismiss(ctx context.Context, escID string) (*types.Escalation, error) {
	var resolved *types.Escalation
	err := o.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.DismissEscalation(ctx, escID); err != nil {
			return err
		}
		esc, err := tx.GetEscalation(ctx, escID)
		if err != nil {
			return err
		}
		resolved = esc
		return tx.AppendActivity(ctx, esc.OutcomeID, "escalation_dismissed",
			fmt.Sprintf("escalation %s dismissed", escID))
	})
	if err != nil {
		return nil, err
	}

	observability.EscalationsOpen.Dec()
	return resolved, nil
}

func findOption(options []types.EscalationOption, id string) (types.EscalationOption, bool) {
	for _, opt := range options {
		if opt.ID == id {
			return opt, true
		}
	}
	return types.EscalationOption{}, false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Marker prefixes swept from raw output. They let a plain-text agent feed
// the context store without emitting the structured block.
const (
	markerDiscovery = "DISCOVERY:"
	markerBlocker   = "BLOCKER:"
	markerDecision  = "DECISION:"
)

func sweepMarkers(raw string) (notes []agent.DiscoveryNote, decisions []string) {
	if raw == "" {
		return nil, nil
	}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, markerDiscovery):
			if text := strings.TrimSpace(line[len(markerDiscovery):]); text != "" {
				notes = append(notes, agent.DiscoveryNote{Type: string(types.DiscoveryInsight), Content: text})
			}
		case strings.HasPrefix(line, markerBlocker):
			if text := strings.TrimSpace(line[len(markerBlocker):]); text != "" {
				notes = append(notes, agent.DiscoveryNote{Type: string(types.DiscoveryBlocker), Content: text})
			}
		case strings.HasPrefix(line, markerDecision):
			if text := strings.TrimSpace(line[len(markerDecision):]); text != "" {
				decisions = append(decisions, text)
			}
		}
	}
	return notes, decisions
}
