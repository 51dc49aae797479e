package store

import (
	"context"
	"fmt"
	"strings"

	"doppel/internal/types"
)

const progressColumns = `id, outcome_id, worker_id, iteration, task_id, content,
	full_output, compacted, compacted_into, created_at`

func scanProgress(row rowScanner) (*types.ProgressEntry, error) {
	var (
		p         types.ProgressEntry
		compacted int
	)
	err := row.Scan(&p.ID, &p.OutcomeID, &p.WorkerID, &p.Iteration, &p.TaskID, &p.Content,
		&p.FullOutput, &compacted, &p.CompactedInto, &p.CreatedAt)
	if err != nil {
		return nil, notFoundOr(err, "failed to scan progress entry")
	}
	p.Compacted = compacted != 0
	return &p, nil
}

// AppendProgress writes one iteration record and fills in the assigned id.
func (s *Store) AppendProgress(ctx context.Context, p *types.ProgressEntry) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.AppendProgress(ctx, p)
	})
}

// AppendProgress is the transactional form of Store.AppendProgress.
func (t *Tx) AppendProgress(ctx context.Context, p *types.ProgressEntry) error {
	if p.OutcomeID == "" || p.WorkerID == "" {
		return fmt.Errorf("%w: progress entry requires outcome_id and worker_id", types.ErrInvalid)
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = t.now()
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO progress_entries (outcome_id, worker_id, iteration, task_id, content,
			full_output, compacted, compacted_into, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.OutcomeID, p.WorkerID, p.Iteration, p.TaskID, p.Content,
		p.FullOutput, boolToInt(p.Compacted), p.CompactedInto, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append progress: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// ProgressFilter narrows ListProgress.
type ProgressFilter struct {
	TaskID           string
	IncludeCompacted bool
	Limit            int
}

// ListProgress returns a worker's entries in write order, compacted rows
// filtered out unless asked for.
func (s *Store) ListProgress(ctx context.Context, workerID string, f ProgressFilter) ([]types.ProgressEntry, error) {
	return listProgress(ctx, s.db, workerID, f)
}

// ListProgress is the transactional form of Store.ListProgress.
func (t *Tx) ListProgress(ctx context.Context, workerID string, f ProgressFilter) ([]types.ProgressEntry, error) {
	return listProgress(ctx, t.tx, workerID, f)
}

func listProgress(ctx context.Context, q dbtx, workerID string, f ProgressFilter) ([]types.ProgressEntry, error) {
	query := `SELECT ` + progressColumns + ` FROM progress_entries WHERE worker_id = ?`
	args := []any{workerID}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if !f.IncludeCompacted {
		query += ` AND compacted = 0`
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	var out []types.ProgressEntry
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UncompactedCount counts a worker's live history rows, the number the
// compaction threshold is compared against.
func (t *Tx) UncompactedCount(ctx context.Context, workerID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM progress_entries WHERE worker_id = ? AND compacted = 0`,
		workerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count progress: %w", err)
	}
	return n, nil
}

// LastProgressAt returns when the worker last wrote progress, or zero.
func (t *Tx) LastProgressAt(ctx context.Context, workerID string) (int64, error) {
	var last int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM progress_entries WHERE worker_id = ?`,
		workerID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last progress: %w", err)
	}
	return last, nil
}

// CompactProgress folds a worker's uncompacted entries for one task into a
// single summary row. The newest entry stays live so the driver never loses
// its most recent step; everything older is marked compacted and pointed at
// the summary. Returns the summary entry and how many rows were folded.
func (t *Tx) CompactProgress(ctx context.Context, workerID, taskID, summary string) (*types.ProgressEntry, int, error) {
	entries, err := listProgress(ctx, t.tx, workerID, ProgressFilter{TaskID: taskID})
	if err != nil {
		return nil, 0, err
	}
	if len(entries) < 2 {
		return nil, 0, nil
	}
	fold := entries[:len(entries)-1]
	newestIteration := entries[len(entries)-1].Iteration

	summaryEntry := &types.ProgressEntry{
		OutcomeID: fold[0].OutcomeID,
		WorkerID:  workerID,
		Iteration: newestIteration,
		TaskID:    taskID,
		Content:   summary,
	}
	if err := t.AppendProgress(ctx, summaryEntry); err != nil {
		return nil, 0, err
	}

	args := make([]any, 0, len(fold)+1)
	args = append(args, summaryEntry.ID)
	placeholders := make([]string, len(fold))
	for i, e := range fold {
		placeholders[i] = "?"
		args = append(args, e.ID)
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE progress_entries SET compacted = 1, compacted_into = ?
		 WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to mark compacted: %w", err)
	}
	return summaryEntry, len(fold), nil
}
