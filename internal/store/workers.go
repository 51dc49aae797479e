package store

import (
	"context"
	"fmt"

	"doppel/internal/types"
)

const workerColumns = `id, outcome_id, name, status, current_task_id, iteration,
	last_heartbeat, cost_usd, pid, branch_name, worktree_path, created_at, updated_at`

func scanWorker(row rowScanner) (*types.Worker, error) {
	var w types.Worker
	err := row.Scan(&w.ID, &w.OutcomeID, &w.Name, &w.Status, &w.CurrentTaskID, &w.Iteration,
		&w.LastHeartbeat, &w.CostUSD, &w.PID, &w.BranchName, &w.WorktreePath,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "failed to scan worker")
	}
	return &w, nil
}

func getWorker(ctx context.Context, q dbtx, id string) (*types.Worker, error) {
	row := q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// GetWorker returns one worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	return getWorker(ctx, s.db, id)
}

// GetWorker returns one worker by id within the transaction.
func (t *Tx) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	return getWorker(ctx, t.tx, id)
}

// CreateWorker inserts a worker row. Parallelism policy (one worker per
// outcome unless the caller opts in) belongs to the worker manager, which
// checks LiveWorkers and inserts in one transaction.
func (s *Store) CreateWorker(ctx context.Context, w *types.Worker) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateWorker(ctx, w)
	})
}

// CreateWorker is the transactional form of Store.CreateWorker.
func (t *Tx) CreateWorker(ctx context.Context, w *types.Worker) error {
	if w.ID == "" || w.OutcomeID == "" {
		return fmt.Errorf("%w: worker requires id and outcome_id", types.ErrInvalid)
	}
	if _, err := t.GetOutcome(ctx, w.OutcomeID); err != nil {
		return fmt.Errorf("outcome %s: %w", w.OutcomeID, err)
	}
	if w.Status == "" {
		w.Status = types.WorkerIdle
	}
	if !w.Status.Valid() {
		return fmt.Errorf("%w: worker status %q", types.ErrInvalid, w.Status)
	}

	now := t.now()
	if w.CreatedAt == 0 {
		w.CreatedAt = now
	}
	if w.LastHeartbeat == 0 {
		w.LastHeartbeat = now
	}
	w.UpdatedAt = now

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workers (id, outcome_id, name, status, current_task_id, iteration,
			last_heartbeat, cost_usd, pid, branch_name, worktree_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OutcomeID, w.Name, string(w.Status), w.CurrentTaskID, w.Iteration,
		w.LastHeartbeat, w.CostUSD, w.PID, w.BranchName, w.WorktreePath, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert worker: %w", err)
	}
	return nil
}

// WorkerFilter narrows ListWorkers.
type WorkerFilter struct {
	OutcomeID string
	Status    types.WorkerStatus
}

// ListWorkers returns workers newest-first.
func (s *Store) ListWorkers(ctx context.Context, f WorkerFilter) ([]types.Worker, error) {
	return listWorkers(ctx, s.db, f)
}

// ListWorkers is the transactional variant, used by the supervisor sweep.
func (t *Tx) ListWorkers(ctx context.Context, f WorkerFilter) ([]types.Worker, error) {
	return listWorkers(ctx, t.tx, f)
}

func listWorkers(ctx context.Context, q dbtx, f WorkerFilter) ([]types.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE 1=1`
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

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var out []types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// Heartbeat stamps liveness for a worker and records its loop position.
// Terminal workers cannot heartbeat; the guard surfaces supervisor
// reclassification to the driver as ErrConflict.
func (s *Store) Heartbeat(ctx context.Context, workerID string, iteration int, currentTaskID string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Heartbeat(ctx, workerID, iteration, currentTaskID)
	})
}

// Heartbeat is the transactional form of Store.Heartbeat.
func (t *Tx) Heartbeat(ctx context.Context, workerID string, iteration int, currentTaskID string) error {
	now := t.now()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE workers SET last_heartbeat = ?, iteration = ?, current_task_id = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		now, iteration, currentTaskID, now, workerID,
		string(types.WorkerCompleted), string(types.WorkerFailed))
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("worker %s is terminal or missing: %w", workerID, types.ErrConflict)
	}
	return nil
}

// SetWorkerStatus moves a worker between lifecycle states.
func (s *Store) SetWorkerStatus(ctx context.Context, workerID string, status types.WorkerStatus) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetWorkerStatus(ctx, workerID, status)
	})
}

// SetWorkerStatus is the transactional form of Store.SetWorkerStatus.
func (t *Tx) SetWorkerStatus(ctx context.Context, workerID string, status types.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: worker status %q", types.ErrInvalid, status)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), t.now(), workerID)
	if err != nil {
		return fmt.Errorf("failed to set worker status: %w", err)
	}
	return mustAffect(res, workerID)
}

// AddWorkerCost accumulates agent spend onto the worker row.
func (t *Tx) AddWorkerCost(ctx context.Context, workerID string, deltaUSD float64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE workers SET cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?`,
		deltaUSD, t.now(), workerID)
	if err != nil {
		return fmt.Errorf("failed to add worker cost: %w", err)
	}
	return mustAffect(res, workerID)
}

// SetWorkerWorktree records the git branch and worktree the worker runs in.
func (s *Store) SetWorkerWorktree(ctx context.Context, workerID, branch, path string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE workers SET branch_name = ?, worktree_path = ?, updated_at = ? WHERE id = ?`,
			branch, path, tx.now(), workerID)
		if err != nil {
			return fmt.Errorf("failed to set worktree: %w", err)
		}
		return mustAffect(res, workerID)
	})
}

// StaleWorkers returns running workers whose last heartbeat predates cutoff.
func (t *Tx) StaleWorkers(ctx context.Context, cutoff int64) ([]types.Worker, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE status = ? AND last_heartbeat < ?`,
		string(types.WorkerRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale workers: %w", err)
	}
	defer rows.Close()

	var out []types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// LiveWorkers returns the outcome's non-terminal workers, oldest first.
func (t *Tx) LiveWorkers(ctx context.Context, outcomeID string) ([]types.Worker, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE outcome_id = ? AND status NOT IN (?, ?)
		ORDER BY created_at ASC, id ASC`,
		outcomeID, string(types.WorkerCompleted), string(types.WorkerFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to list live workers: %w", err)
	}
	defer rows.Close()

	var out []types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// OutcomeCost sums agent spend across all workers of an outcome.
func (t *Tx) OutcomeCost(ctx context.Context, outcomeID string) (float64, error) {
	var total float64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM workers WHERE outcome_id = ?`,
		outcomeID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum outcome cost: %w", err)
	}
	return total, nil
}

// RunningWorkerCount counts running workers bound to an outcome.
func (t *Tx) RunningWorkerCount(ctx context.Context, outcomeID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE outcome_id = ? AND status = ?`,
		outcomeID, string(types.WorkerRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running workers: %w", err)
	}
	return n, nil
}
