package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"doppel/internal/types"
)

const outcomeColumns = `id, name, brief, intent, design_approach, design_version, status,
	capability_ready, parent_id, depth, is_ongoing, git_config, save_target,
	auto_resolve, cost_cap_usd, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row rowScanner) (*types.Outcome, error) {
	var (
		o          types.Outcome
		intent     string
		approach   string
		gitConfig  string
		saveTarget string
		isOngoing  int
		autoRes    int
		capReady   int
	)
	err := row.Scan(&o.ID, &o.Name, &o.Brief, &intent, &approach, &o.DesignDoc.Version,
		&o.Status, &capReady, &o.ParentID, &o.Depth, &isOngoing, &gitConfig, &saveTarget,
		&autoRes, &o.CostCapUSD, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, notFoundOr(err, "failed to scan outcome")
	}
	unmarshalJSON(intent, &o.Intent)
	o.DesignDoc.Approach = approach
	o.CapabilityReady = types.CapabilityState(capReady)
	o.IsOngoing = isOngoing != 0
	o.AutoResolve = autoRes != 0
	if gitConfig != "" {
		o.GitConfig = json.RawMessage(gitConfig)
	}
	if saveTarget != "" {
		o.SaveTarget = json.RawMessage(saveTarget)
	}
	return &o, nil
}

func getOutcome(ctx context.Context, q dbtx, id string) (*types.Outcome, error) {
	row := q.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM outcomes WHERE id = ?`, id)
	return scanOutcome(row)
}

// GetOutcome returns one outcome by id.
func (s *Store) GetOutcome(ctx context.Context, id string) (*types.Outcome, error) {
	return getOutcome(ctx, s.db, id)
}

// GetOutcome returns one outcome by id within the transaction.
func (t *Tx) GetOutcome(ctx context.Context, id string) (*types.Outcome, error) {
	return getOutcome(ctx, t.tx, id)
}

// CreateOutcome inserts a new outcome, deriving depth from its parent inside
// one transaction. The parent must exist; a missing parent is ErrNotFound.
func (s *Store) CreateOutcome(ctx context.Context, o *types.Outcome) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.CreateOutcome(ctx, o)
	})
}

// CreateOutcome is the transactional form of Store.CreateOutcome.
func (t *Tx) CreateOutcome(ctx context.Context, o *types.Outcome) error {
	if o.ID == "" || o.Name == "" {
		return fmt.Errorf("%w: outcome requires id and name", types.ErrInvalid)
	}
	if o.Status == "" {
		o.Status = types.OutcomeActive
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: outcome status %q", types.ErrInvalid, o.Status)
	}

	o.Depth = 0
	if o.ParentID != "" {
		parent, err := getOutcome(ctx, t.tx, o.ParentID)
		if err != nil {
			return fmt.Errorf("parent outcome %s: %w", o.ParentID, err)
		}
		o.Depth = parent.Depth + 1
	}

	now := t.now()
	if o.CreatedAt == 0 {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.DesignDoc.Version == 0 {
		o.DesignDoc.Version = 1
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outcomes (id, name, brief, intent, design_approach, design_version,
			status, capability_ready, parent_id, depth, is_ongoing, git_config,
			save_target, auto_resolve, cost_cap_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, o.Brief, marshalJSON(o.Intent), o.DesignDoc.Approach, o.DesignDoc.Version,
		string(o.Status), int(o.CapabilityReady), o.ParentID, o.Depth, boolToInt(o.IsOngoing),
		string(o.GitConfig), string(o.SaveTarget), boolToInt(o.AutoResolve), o.CostCapUSD,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	return nil
}

// OutcomeFilter narrows ListOutcomes.
type OutcomeFilter struct {
	Status   types.OutcomeStatus
	ParentID *string // nil: any; pointer to "": roots only
}

// ListOutcomes returns outcomes ordered by creation.
func (s *Store) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]types.Outcome, error) {
	return listOutcomes(ctx, s.db, f)
}

// ListOutcomes is the transactional variant, used by the supervisor sweep.
func (t *Tx) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]types.Outcome, error) {
	return listOutcomes(ctx, t.tx, f)
}

func listOutcomes(ctx context.Context, q dbtx, f OutcomeFilter) ([]types.Outcome, error) {
	query := `SELECT ` + outcomeColumns + ` FROM outcomes`
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ParentID != nil {
		conds = append(conds, "parent_id = ?")
		args = append(args, *f.ParentID)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var out []types.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// UpdateOutcome persists a fully merged outcome row. Re-parenting is
// validated against ancestry cycles.
func (s *Store) UpdateOutcome(ctx context.Context, o *types.Outcome) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		current, err := tx.GetOutcome(ctx, o.ID)
		if err != nil {
			return err
		}
		if o.ParentID != current.ParentID {
			depth, err := resolveParent(ctx, tx.tx, o.ID, o.ParentID)
			if err != nil {
				return err
			}
			o.Depth = depth
		} else {
			o.Depth = current.Depth
		}
		if !o.Status.Valid() {
			return fmt.Errorf("%w: outcome status %q", types.ErrInvalid, o.Status)
		}

		o.UpdatedAt = tx.now()
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE outcomes SET name = ?, brief = ?, intent = ?, design_approach = ?,
				design_version = ?, status = ?, capability_ready = ?, parent_id = ?,
				depth = ?, is_ongoing = ?, git_config = ?, save_target = ?,
				auto_resolve = ?, cost_cap_usd = ?, updated_at = ?
			WHERE id = ?`,
			o.Name, o.Brief, marshalJSON(o.Intent), o.DesignDoc.Approach, o.DesignDoc.Version,
			string(o.Status), int(o.CapabilityReady), o.ParentID, o.Depth,
			boolToInt(o.IsOngoing), string(o.GitConfig), string(o.SaveTarget),
			boolToInt(o.AutoResolve), o.CostCapUSD, o.UpdatedAt, o.ID)
		if err != nil {
			return fmt.Errorf("failed to update outcome: %w", err)
		}
		return mustAffect(res, o.ID)
	})
}

// resolveParent returns the depth for outcomeID under newParentID, failing
// with ErrInvalid when the new ancestry would contain outcomeID itself.
func resolveParent(ctx context.Context, q dbtx, outcomeID, newParentID string) (int, error) {
	if newParentID == "" {
		return 0, nil
	}
	depth := 0
	cursor := newParentID
	for cursor != "" {
		if cursor == outcomeID {
			return 0, fmt.Errorf("%w: outcome %s cannot be its own ancestor", types.ErrInvalid, outcomeID)
		}
		parent, err := getOutcome(ctx, q, cursor)
		if err != nil {
			return 0, fmt.Errorf("parent outcome %s: %w", cursor, err)
		}
		if depth == 0 {
			depth = parent.Depth + 1
		}
		cursor = parent.ParentID
	}
	return depth, nil
}

// SetOutcomeStatus transitions an outcome's lifecycle state.
func (s *Store) SetOutcomeStatus(ctx context.Context, id string, status types.OutcomeStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: outcome status %q", types.ErrInvalid, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE outcomes SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to set outcome status: %w", err)
	}
	return mustAffect(res, id)
}

// SetCapabilityReady updates the execution-phase gate.
func (t *Tx) SetCapabilityReady(ctx context.Context, id string, state types.CapabilityState) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE outcomes SET capability_ready = ?, updated_at = ? WHERE id = ?`,
		int(state), t.now(), id)
	if err != nil {
		return fmt.Errorf("failed to set capability_ready: %w", err)
	}
	return mustAffect(res, id)
}

// DeleteOutcome removes an outcome and everything hanging off it. Child
// outcomes are re-rooted rather than deleted.
func (s *Store) DeleteOutcome(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.GetOutcome(ctx, id); err != nil {
			return err
		}
		now := tx.now()
		stmts := []struct {
			query string
			args  []any
		}{
			{`UPDATE outcomes SET parent_id = '', depth = 0, updated_at = ? WHERE parent_id = ?`, []any{now, id}},
			{`DELETE FROM tasks WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM workers WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM progress_entries WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM discoveries WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM decisions WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM constraints WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM injections WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM observations WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM escalations WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM review_cycles WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM activity WHERE outcome_id = ?`, []any{id}},
			{`DELETE FROM jobs WHERE outcome_id = ?`, []any{id}},
			{`UPDATE alerts SET active = 0, resolved_at = ? WHERE target_kind = 'outcome' AND target_id = ? AND active = 1`, []any{now, id}},
			{`DELETE FROM outcomes WHERE id = ?`, []any{id}},
		}
		for _, st := range stmts {
			if _, err := tx.tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return fmt.Errorf("failed to delete outcome %s: %w", id, err)
			}
		}
		return nil
	})
}

// TaskCounts returns the per-status task counts for an outcome.
func (s *Store) TaskCounts(ctx context.Context, outcomeID string) (map[types.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE outcome_id = ? GROUP BY status`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// AppendReviewCycle records one review pass's open-issue count.
func (t *Tx) AppendReviewCycle(ctx context.Context, outcomeID string, cycle, openIssues int) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO review_cycles (outcome_id, cycle, open_issues, created_at) VALUES (?, ?, ?, ?)`,
		outcomeID, cycle, openIssues, t.now())
	if err != nil {
		return fmt.Errorf("failed to append review cycle: %w", err)
	}
	return nil
}

// ListReviewCycles returns review cycles in ascending cycle order.
func (s *Store) ListReviewCycles(ctx context.Context, outcomeID string) ([]types.ReviewCycle, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, outcome_id, cycle, open_issues, created_at
		 FROM review_cycles WHERE outcome_id = ? ORDER BY cycle ASC, id ASC`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list review cycles: %w", err)
	}
	defer rows.Close()

	var out []types.ReviewCycle
	for rows.Next() {
		var rc types.ReviewCycle
		if err := rows.Scan(&rc.ID, &rc.OutcomeID, &rc.Cycle, &rc.OpenIssues, &rc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// mustAffect converts a zero-row UPDATE/DELETE into ErrNotFound.
func mustAffect(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	return nil
}
