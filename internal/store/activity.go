package store

import (
	"context"
	"fmt"

	"doppel/internal/types"
)

// AppendActivity writes one audit-trail line for an outcome.
func (s *Store) AppendActivity(ctx context.Context, outcomeID, kind, message string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.AppendActivity(ctx, outcomeID, kind, message)
	})
}

// AppendActivity is the transactional form of Store.AppendActivity.
func (t *Tx) AppendActivity(ctx context.Context, outcomeID, kind, message string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO activity (outcome_id, kind, message, created_at) VALUES (?, ?, ?, ?)`,
		outcomeID, kind, message, t.now())
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// ListActivity returns an outcome's audit trail, newest-first.
func (s *Store) ListActivity(ctx context.Context, outcomeID string, limit int) ([]types.ActivityEntry, error) {
	query := `SELECT id, outcome_id, kind, message, created_at FROM activity
		WHERE outcome_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{outcomeID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var out []types.ActivityEntry
	for rows.Next() {
		var a types.ActivityEntry
		if err := rows.Scan(&a.ID, &a.OutcomeID, &a.Kind, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LastActivityAt returns the newest audit timestamp for an outcome, or zero
// if nothing has happened yet. The stall detector compares this against the
// stuck threshold, so alert bookkeeping entries are excluded; counting them
// would let a stall alert feed its own anchor.
func (t *Tx) LastActivityAt(ctx context.Context, outcomeID string) (int64, error) {
	var last int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM activity
		 WHERE outcome_id = ? AND kind NOT LIKE 'alert_%'`,
		outcomeID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last activity: %w", err)
	}
	return last, nil
}
