package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"doppel/internal/types"
)

const taskColumns = `id, outcome_id, title, description, priority, score, status, attempts,
	max_attempts, claimed_by, claimed_at, completed_at, phase, depends_on,
	from_review, review_cycle, created_at, updated_at`

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t          types.Task
		dependsOn  string
		fromReview int
	)
	err := row.Scan(&t.ID, &t.OutcomeID, &t.Title, &t.Description, &t.Priority, &t.Score,
		&t.Status, &t.Attempts, &t.MaxAttempts, &t.ClaimedBy, &t.ClaimedAt, &t.CompletedAt,
		&t.Phase, &dependsOn, &fromReview, &t.ReviewCycle, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "failed to scan task")
	}
	unmarshalJSON(dependsOn, &t.DependsOn)
	t.FromReview = fromReview != 0
	return &t, nil
}

func getTask(ctx context.Context, q dbtx, id string) (*types.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return getTask(ctx, s.db, id)
}

// GetTask returns one task by id within the transaction.
func (t *Tx) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return getTask(ctx, t.tx, id)
}

// CreateTask inserts a task after validating its dependency edges: every
// dependency must be a task of the same outcome and the resulting graph must
// stay acyclic. Adding a capability task reopens the execution gate.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateTask(ctx, task)
	})
}

// CreateTask is the transactional form of Store.CreateTask.
func (t *Tx) CreateTask(ctx context.Context, task *types.Task) error {
	if task.ID == "" || task.OutcomeID == "" || task.Title == "" {
		return fmt.Errorf("%w: task requires id, outcome_id and title", types.ErrInvalid)
	}
	outcome, err := t.GetOutcome(ctx, task.OutcomeID)
	if err != nil {
		return fmt.Errorf("outcome %s: %w", task.OutcomeID, err)
	}

	if task.Status == "" {
		task.Status = types.TaskPending
	}
	if !task.Status.Valid() {
		return fmt.Errorf("%w: task status %q", types.ErrInvalid, task.Status)
	}
	if task.Phase == "" {
		task.Phase = types.PhaseExecution
	}
	if task.Phase != types.PhaseCapability && task.Phase != types.PhaseExecution {
		return fmt.Errorf("%w: task phase %q", types.ErrInvalid, task.Phase)
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = types.DefaultMaxAttempts
	}
	task.Score = float64(task.Priority)

	if err := validateDependencies(ctx, t.tx, task.OutcomeID, task.ID, task.DependsOn); err != nil {
		return err
	}

	now := t.now()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO tasks (id, outcome_id, title, description, priority, score, status,
			attempts, max_attempts, claimed_by, claimed_at, completed_at, phase,
			depends_on, from_review, review_cycle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OutcomeID, task.Title, task.Description, task.Priority, task.Score,
		string(task.Status), task.Attempts, task.MaxAttempts, task.ClaimedBy, task.ClaimedAt,
		task.CompletedAt, string(task.Phase), marshalJSON(task.DependsOn),
		boolToInt(task.FromReview), task.ReviewCycle, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	// New capability work closes the execution gate until it completes.
	if task.Phase == types.PhaseCapability && outcome.CapabilityReady == types.CapabilityComplete {
		if err := t.SetCapabilityReady(ctx, outcome.ID, types.CapabilityInProgress); err != nil {
			return err
		}
	}
	return nil
}

// validateDependencies rejects edges to other outcomes, to missing tasks,
// and edges that would close a cycle.
func validateDependencies(ctx context.Context, q dbtx, outcomeID, taskID string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}
	for _, dep := range deps {
		if dep == taskID {
			return fmt.Errorf("%w: task %s cannot depend on itself", types.ErrInvalid, taskID)
		}
		depTask, err := getTask(ctx, q, dep)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("%w: dependency %s does not exist", types.ErrInvalid, dep)
			}
			return err
		}
		if depTask.OutcomeID != outcomeID {
			return fmt.Errorf("%w: dependency %s belongs to outcome %s", types.ErrInvalid, dep, depTask.OutcomeID)
		}
	}

	adjacency, err := dependencyAdjacency(ctx, q, outcomeID)
	if err != nil {
		return err
	}
	adjacency[taskID] = deps

	if hasCycle(adjacency, taskID) {
		return fmt.Errorf("%w: dependency cycle through task %s", types.ErrInvalid, taskID)
	}
	return nil
}

// dependencyAdjacency loads the outcome's task graph as adjacency lists.
func dependencyAdjacency(ctx context.Context, q dbtx, outcomeID string) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, depends_on FROM tasks WHERE outcome_id = ?`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task graph: %w", err)
	}
	defer rows.Close()

	adjacency := make(map[string][]string)
	for rows.Next() {
		var (
			id   string
			deps string
		)
		if err := rows.Scan(&id, &deps); err != nil {
			return nil, err
		}
		var list []string
		unmarshalJSON(deps, &list)
		adjacency[id] = list
	}
	return adjacency, rows.Err()
}

// hasCycle runs an iterative DFS from start over the adjacency map.
func hasCycle(adjacency map[string][]string, start string) bool {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(adjacency))

	var visit func(node string) bool
	visit = func(node string) bool {
		switch state[node] {
		case visiting:
			return true
		case done:
			return false
		}
		state[node] = visiting
		for _, next := range adjacency[node] {
			if visit(next) {
				return true
			}
		}
		state[node] = done
		return false
	}
	return visit(start)
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status types.TaskStatus
	Phase  types.TaskPhase
}

// ListTasks returns an outcome's tasks ordered by priority, creation, id —
// the same order the scheduler considers them in.
func (s *Store) ListTasks(ctx context.Context, outcomeID string, f TaskFilter) ([]types.Task, error) {
	return listTasks(ctx, s.db, outcomeID, f)
}

// ListTasks is the transactional form of Store.ListTasks.
func (t *Tx) ListTasks(ctx context.Context, outcomeID string, f TaskFilter) ([]types.Task, error) {
	return listTasks(ctx, t.tx, outcomeID, f)
}

func listTasks(ctx context.Context, q dbtx, outcomeID string, f TaskFilter) ([]types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE outcome_id = ?`
	args := []any{outcomeID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Phase != "" {
		query += ` AND phase = ?`
		args = append(args, string(f.Phase))
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

// UpdateTask persists a merged task row, re-validating dependency edges.
func (s *Store) UpdateTask(ctx context.Context, task *types.Task) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		current, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if !task.Status.Valid() {
			return fmt.Errorf("%w: task status %q", types.ErrInvalid, task.Status)
		}
		if err := validateDependencies(ctx, tx.tx, current.OutcomeID, task.ID, task.DependsOn); err != nil {
			return err
		}

		task.Score = float64(task.Priority)
		task.UpdatedAt = tx.now()
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE tasks SET title = ?, description = ?, priority = ?, score = ?, status = ?,
				attempts = ?, max_attempts = ?, claimed_by = ?, claimed_at = ?,
				completed_at = ?, phase = ?, depends_on = ?, from_review = ?,
				review_cycle = ?, updated_at = ?
			WHERE id = ?`,
			task.Title, task.Description, task.Priority, task.Score, string(task.Status),
			task.Attempts, task.MaxAttempts, task.ClaimedBy, task.ClaimedAt, task.CompletedAt,
			string(task.Phase), marshalJSON(task.DependsOn), boolToInt(task.FromReview),
			task.ReviewCycle, task.UpdatedAt, task.ID)
		if err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}
		return mustAffect(res, task.ID)
	})
}

// DeleteTask removes a task and scrubs it from sibling dependency lists.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}

		siblings, err := listTasks(ctx, tx.tx, task.OutcomeID, TaskFilter{})
		if err != nil {
			return err
		}
		now := tx.now()
		for _, sib := range siblings {
			filtered := sib.DependsOn[:0]
			removed := false
			for _, dep := range sib.DependsOn {
				if dep == id {
					removed = true
					continue
				}
				filtered = append(filtered, dep)
			}
			if !removed {
				continue
			}
			if _, err := tx.tx.ExecContext(ctx,
				`UPDATE tasks SET depends_on = ?, updated_at = ? WHERE id = ?`,
				marshalJSON(filtered), now, sib.ID); err != nil {
				return fmt.Errorf("failed to scrub dependency on %s: %w", id, err)
			}
		}

		res, err := tx.tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return mustAffect(res, id)
	})
}

// ClaimTask flips a pending task to claimed for workerID and counts the
// attempt. The status guard in the WHERE clause is the at-most-one-claim
// invariant: losing the race yields ErrConflict.
func (t *Tx) ClaimTask(ctx context.Context, taskID, workerID string) error {
	now := t.now()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = ?, claimed_at = ?,
			attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(types.TaskClaimed), workerID, now, now, taskID, string(types.TaskPending))
	if err != nil {
		return fmt.Errorf("failed to claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, types.ErrConflict)
	}
	return nil
}

// MarkTaskRunning transitions a claimed task to running. The claim holder
// must still match.
func (t *Tx) MarkTaskRunning(ctx context.Context, taskID, workerID string) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ? AND claimed_by = ?`,
		string(types.TaskRunning), t.now(), taskID, string(types.TaskClaimed), workerID)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s not claimed by %s: %w", taskID, workerID, types.ErrConflict)
	}
	return nil
}

// ReleaseTask ends a claim according to reason and returns the task as
// released:
//
//	completed               -> completed, completed_at stamped, claim kept
//	failed, attempts left   -> pending, claim cleared
//	failed, attempts spent  -> failed
//	reclaimed               -> pending, claim cleared, attempt refunded
//	paused                  -> pending, claim cleared
//
// Only claimed or running tasks can be released; anything else is
// ErrConflict.
func (t *Tx) ReleaseTask(ctx context.Context, taskID string, reason types.ReleaseReason) (*types.Task, error) {
	task, err := t.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != types.TaskClaimed && task.Status != types.TaskRunning {
		return nil, fmt.Errorf("task %s is %s, not claimed: %w", taskID, task.Status, types.ErrConflict)
	}

	now := t.now()
	switch reason {
	case types.ReleaseCompleted:
		task.Status = types.TaskCompleted
		task.CompletedAt = now
	case types.ReleaseFailed:
		if task.Attempts < task.MaxAttempts {
			task.Status = types.TaskPending
			task.ClaimedBy = ""
			task.ClaimedAt = 0
		} else {
			task.Status = types.TaskFailed
		}
	case types.ReleaseReclaimed:
		task.Status = types.TaskPending
		task.ClaimedBy = ""
		task.ClaimedAt = 0
		// The interrupted attempt does not count.
		if task.Attempts > 0 {
			task.Attempts--
		}
	case types.ReleasePaused:
		task.Status = types.TaskPending
		task.ClaimedBy = ""
		task.ClaimedAt = 0
	default:
		return nil, fmt.Errorf("%w: release reason %q", types.ErrInvalid, reason)
	}
	task.UpdatedAt = now

	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, attempts = ?, claimed_by = ?, claimed_at = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(task.Status), task.Attempts, task.ClaimedBy, task.ClaimedAt,
		task.CompletedAt, task.UpdatedAt, taskID,
		string(types.TaskClaimed), string(types.TaskRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to release task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, types.ErrConflict)
	}
	return task, nil
}

// TransitiveDependents returns every task reachable from taskID by walking
// depends_on edges backward. Escalations use this to block downstream work.
func (t *Tx) TransitiveDependents(ctx context.Context, outcomeID, taskID string) ([]string, error) {
	adjacency, err := dependencyAdjacency(ctx, t.tx, outcomeID)
	if err != nil {
		return nil, err
	}

	// Invert: dependents[dep] = tasks that depend on dep.
	dependents := make(map[string][]string, len(adjacency))
	for id, deps := range adjacency {
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	seen := map[string]bool{taskID: true}
	queue := []string{taskID}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range dependents[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ClaimedByStaleWorkers returns tasks whose claiming worker has not
// heartbeat since cutoff, or no longer exists.
func (t *Tx) ClaimedByStaleWorkers(ctx context.Context, cutoff int64) ([]types.Task, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+prefixed(taskColumns, "t")+`
		FROM tasks t
		LEFT JOIN workers w ON w.id = t.claimed_by
		WHERE t.status IN (?, ?)
		  AND (w.id IS NULL OR w.last_heartbeat < ?)`,
		string(types.TaskClaimed), string(types.TaskRunning), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale claims: %w", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

// IncompleteCapabilityCount counts capability-phase tasks not yet completed.
func (t *Tx) IncompleteCapabilityCount(ctx context.Context, outcomeID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE outcome_id = ? AND phase = ? AND status != ?`,
		outcomeID, string(types.PhaseCapability), string(types.TaskCompleted)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count capability tasks: %w", err)
	}
	return n, nil
}
