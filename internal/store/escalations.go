package store

import (
	"context"
	"fmt"

	"doppel/internal/types"
)

const escalationColumns = `id, outcome_id, status, trigger_type, trigger_task_id, evidence,
	question_text, question_context, options, answer_option, answer_context,
	answered_at, affected_tasks, created_at`

func scanEscalation(row rowScanner) (*types.Escalation, error) {
	var (
		e          types.Escalation
		evidence   string
		options    string
		affected   string
		answerOpt  string
		answerCtx  string
		answeredAt int64
	)
	err := row.Scan(&e.ID, &e.OutcomeID, &e.Status, &e.Trigger.Type, &e.Trigger.TaskID,
		&evidence, &e.Question.Text, &e.Question.Context, &options,
		&answerOpt, &answerCtx, &answeredAt, &affected, &e.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "failed to scan escalation")
	}
	unmarshalJSON(evidence, &e.Trigger.Evidence)
	unmarshalJSON(options, &e.Question.Options)
	unmarshalJSON(affected, &e.AffectedTasks)
	if answeredAt > 0 {
		e.Answer = &types.Answer{
			SelectedOption:    answerOpt,
			AdditionalContext: answerCtx,
			AnsweredAt:        answeredAt,
		}
	}
	return &e, nil
}

func getEscalation(ctx context.Context, q dbtx, id string) (*types.Escalation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id)
	return scanEscalation(row)
}

// GetEscalation returns one escalation by id.
func (s *Store) GetEscalation(ctx context.Context, id string) (*types.Escalation, error) {
	return getEscalation(ctx, s.db, id)
}

// GetEscalation returns one escalation by id within the transaction.
func (t *Tx) GetEscalation(ctx context.Context, id string) (*types.Escalation, error) {
	return getEscalation(ctx, t.tx, id)
}

// CreateEscalation files a pending question and, in the same transaction,
// pushes every affected claimed or running task back to pending. Attempt
// counts are untouched; blocking is not the task's fault.
func (t *Tx) CreateEscalation(ctx context.Context, e *types.Escalation) error {
	if e.ID == "" || e.OutcomeID == "" || e.Question.Text == "" {
		return fmt.Errorf("%w: escalation requires id, outcome_id and question text", types.ErrInvalid)
	}
	if !e.Trigger.Type.Valid() {
		return fmt.Errorf("%w: trigger type %q", types.ErrInvalid, e.Trigger.Type)
	}
	if e.Status == "" {
		e.Status = types.EscalationPending
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = t.now()
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO escalations (id, outcome_id, status, trigger_type, trigger_task_id,
			evidence, question_text, question_context, options, answer_option,
			answer_context, answered_at, affected_tasks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, ?, ?)`,
		e.ID, e.OutcomeID, string(e.Status), string(e.Trigger.Type), e.Trigger.TaskID,
		marshalJSON(e.Trigger.Evidence), e.Question.Text, e.Question.Context,
		marshalJSON(e.Question.Options), marshalJSON(e.AffectedTasks), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert escalation: %w", err)
	}

	for _, taskID := range e.AffectedTasks {
		_, err := t.tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claimed_by = '', claimed_at = 0, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			string(types.TaskPending), t.now(), taskID,
			string(types.TaskClaimed), string(types.TaskRunning))
		if err != nil {
			return fmt.Errorf("failed to release blocked task %s: %w", taskID, err)
		}
	}
	return nil
}

// EscalationFilter narrows ListEscalations.
type EscalationFilter struct {
	OutcomeID string
	Status    types.EscalationStatus
}

// ListEscalations returns escalations newest-first.
func (s *Store) ListEscalations(ctx context.Context, f EscalationFilter) ([]types.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations WHERE 1=1`
	var args []any
	if f.OutcomeID != "" {
		query += ` AND outcome_id = ?`
		args = append(args, f.OutcomeID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	var out []types.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// AnswerEscalation records a choice against a pending escalation. Answering
// twice, or answering a dismissed escalation, yields ErrConflict.
func (t *Tx) AnswerEscalation(ctx context.Context, id string, answer types.Answer) error {
	if answer.AnsweredAt == 0 {
		answer.AnsweredAt = t.now()
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE escalations SET status = ?, answer_option = ?, answer_context = ?, answered_at = ?
		WHERE id = ? AND status = ?`,
		string(types.EscalationAnswered), answer.SelectedOption, answer.AdditionalContext,
		answer.AnsweredAt, id, string(types.EscalationPending))
	if err != nil {
		return fmt.Errorf("failed to answer escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := t.GetEscalation(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("escalation %s is not pending: %w", id, types.ErrConflict)
	}
	return nil
}

// DismissEscalation closes a pending escalation without an answer.
func (t *Tx) DismissEscalation(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE escalations SET status = ? WHERE id = ? AND status = ?`,
		string(types.EscalationDismissed), id, string(types.EscalationPending))
	if err != nil {
		return fmt.Errorf("failed to dismiss escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := t.GetEscalation(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("escalation %s is not pending: %w", id, types.ErrConflict)
	}
	return nil
}

// BlockedTaskIDs returns the union of affected tasks across an outcome's
// pending escalations. The scheduler filters claim candidates against this.
func (t *Tx) BlockedTaskIDs(ctx context.Context, outcomeID string) (map[string]bool, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT affected_tasks FROM escalations WHERE outcome_id = ? AND status = ?`,
		outcomeID, string(types.EscalationPending))
	if err != nil {
		return nil, fmt.Errorf("failed to load blocked tasks: %w", err)
	}
	defer rows.Close()

	blocked := make(map[string]bool)
	for rows.Next() {
		var affected string
		if err := rows.Scan(&affected); err != nil {
			return nil, err
		}
		var ids []string
		unmarshalJSON(affected, &ids)
		for _, id := range ids {
			blocked[id] = true
		}
	}
	return blocked, rows.Err()
}

// PendingEscalationsOlderThan returns pending escalations created before
// cutoff, oldest first. Auto-resolve sweeps these.
func (t *Tx) PendingEscalationsOlderThan(ctx context.Context, cutoff int64) ([]types.Escalation, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations
		 WHERE status = ? AND created_at <= ? ORDER BY created_at ASC`,
		string(types.EscalationPending), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale escalations: %w", err)
	}
	defer rows.Close()

	var out []types.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// PendingEscalationCount counts an outcome's open questions.
func (t *Tx) PendingEscalationCount(ctx context.Context, outcomeID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM escalations WHERE outcome_id = ? AND status = ?`,
		outcomeID, string(types.EscalationPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count escalations: %w", err)
	}
	return n, nil
}
