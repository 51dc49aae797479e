package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"doppel/internal/types"
)

const jobColumns = `id, outcome_id, job_type, status, progress_message, payload, result,
	error, created_at, started_at, completed_at`

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		j       types.Job
		payload string
		result  string
	)
	err := row.Scan(&j.ID, &j.OutcomeID, &j.Type, &j.Status, &j.ProgressMessage,
		&payload, &result, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, notFoundOr(err, "failed to scan job")
	}
	if payload != "" {
		j.Payload = json.RawMessage(payload)
	}
	if result != "" {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

func getJob(ctx context.Context, q dbtx, id string) (*types.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return getJob(ctx, s.db, id)
}

// EnqueueJob inserts a pending job, enforcing single-flight per
// (outcome, job_type): if one is already pending or running, the existing
// job is returned with ErrConflict.
func (s *Store) EnqueueJob(ctx context.Context, job *types.Job) (*types.Job, error) {
	var existing *types.Job
	err := s.WithTx(ctx, func(tx *Tx) error {
		existing = nil
		if job.ID == "" || !job.Type.Valid() {
			return fmt.Errorf("%w: job requires id and a known job_type", types.ErrInvalid)
		}

		row := tx.tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE outcome_id = ? AND job_type = ? AND status IN (?, ?)
			LIMIT 1`,
			job.OutcomeID, string(job.Type),
			string(types.JobPending), string(types.JobRunning))
		found, ferr := scanJob(row)
		if ferr == nil {
			existing = found
			return fmt.Errorf("job %s already in flight: %w", found.ID, types.ErrConflict)
		}
		if !errors.Is(ferr, types.ErrNotFound) {
			return ferr
		}

		job.Status = types.JobPending
		if job.CreatedAt == 0 {
			job.CreatedAt = tx.now()
		}
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO jobs (id, outcome_id, job_type, status, progress_message, payload,
				result, error, created_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, '', ?, '', '', ?, 0, 0)`,
			job.ID, job.OutcomeID, string(job.Type), string(job.Status),
			string(job.Payload), job.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to enqueue job: %w", err)
		}
		return nil
	})
	return existing, err
}

// ClaimNextJob flips the oldest pending job to running and returns it, or
// ErrNotFound when the queue is empty. The status guard keeps two pollers
// from running the same job.
func (s *Store) ClaimNextJob(ctx context.Context) (*types.Job, error) {
	var claimed *types.Job
	err := s.WithTx(ctx, func(tx *Tx) error {
		row := tx.tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs WHERE status = ?
			ORDER BY created_at ASC, id ASC LIMIT 1`,
			string(types.JobPending))
		job, err := scanJob(row)
		if err != nil {
			return err
		}

		now := tx.now()
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(types.JobRunning), now, job.ID, string(types.JobPending))
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("job %s: %w", job.ID, types.ErrConflict)
		}
		job.Status = types.JobRunning
		job.StartedAt = now
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// SetJobProgress updates the running job's human-readable progress line.
func (s *Store) SetJobProgress(ctx context.Context, id, message string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE jobs SET progress_message = ? WHERE id = ? AND status = ?`,
			message, id, string(types.JobRunning))
		if err != nil {
			return fmt.Errorf("failed to set job progress: %w", err)
		}
		return mustAffect(res, id)
	})
}

// CompleteJob finishes a running job with its result document.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, result = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(types.JobCompleted), string(result), tx.now(), id, string(types.JobRunning))
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		return mustAffect(res, id)
	})
}

// FailJob finishes a running job with an error message.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			string(types.JobFailed), errMsg, tx.now(), id, string(types.JobRunning))
		if err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		return mustAffect(res, id)
	})
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	OutcomeID string
	Type      types.JobType
	Status    types.JobStatus
	Limit     int
}

// ListJobs returns jobs newest-first.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]types.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if f.OutcomeID != "" {
		query += ` AND outcome_id = ?`
		args = append(args, f.OutcomeID)
	}
	if f.Type != "" {
		query += ` AND job_type = ?`
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// RequeueRunningJobs pushes running jobs back to pending. Called once at
// startup so jobs orphaned by a crash get another run.
func (s *Store) RequeueRunningJobs(ctx context.Context) (int, error) {
	var n int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = 0, progress_message = '' WHERE status = ?`,
			string(types.JobPending), string(types.JobRunning))
		if err != nil {
			return fmt.Errorf("failed to requeue jobs: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
