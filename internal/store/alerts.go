package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"doppel/internal/types"
)

const alertColumns = `id, type, severity, target_kind, target_id, message, active,
	created_at, resolved_at`

func scanAlert(row rowScanner) (*types.Alert, error) {
	var (
		a      types.Alert
		active int
	)
	err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.TargetKind, &a.TargetID, &a.Message,
		&active, &a.CreatedAt, &a.ResolvedAt)
	if err != nil {
		return nil, notFoundOr(err, "failed to scan alert")
	}
	a.Active = active != 0
	return &a, nil
}

// RaiseAlert activates an alert for (type, target). Alerts dedupe on that
// pair: raising while one is already active refreshes the message instead of
// stacking a second row. Returns true when a new alert row was created.
func (t *Tx) RaiseAlert(ctx context.Context, a *types.Alert) (bool, error) {
	if a.ID == "" || a.TargetID == "" {
		return false, fmt.Errorf("%w: alert requires id and target_id", types.ErrInvalid)
	}

	var existingID string
	err := t.tx.QueryRowContext(ctx,
		`SELECT id FROM alerts WHERE type = ? AND target_kind = ? AND target_id = ? AND active = 1`,
		string(a.Type), string(a.TargetKind), a.TargetID).Scan(&existingID)
	switch {
	case err == nil:
		_, err = t.tx.ExecContext(ctx,
			`UPDATE alerts SET message = ?, severity = ? WHERE id = ?`,
			a.Message, string(a.Severity), existingID)
		if err != nil {
			return false, fmt.Errorf("failed to refresh alert: %w", err)
		}
		a.ID = existingID
		return false, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return false, fmt.Errorf("failed to look up alert: %w", err)
	}

	if a.CreatedAt == 0 {
		a.CreatedAt = t.now()
	}
	a.Active = true
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO alerts (id, type, severity, target_kind, target_id, message, active,
			created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, 0)`,
		a.ID, string(a.Type), string(a.Severity), string(a.TargetKind), a.TargetID,
		a.Message, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}
	return true, nil
}

// ResolveAlert deactivates the active alert for (type, target), if any.
// Returns true when something was resolved.
func (t *Tx) ResolveAlert(ctx context.Context, typ types.AlertType, kind types.AlertTargetKind, targetID string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE alerts SET active = 0, resolved_at = ?
		WHERE type = ? AND target_kind = ? AND target_id = ? AND active = 1`,
		t.now(), string(typ), string(kind), targetID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve alert: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DismissAlert deactivates one alert by id regardless of type.
func (s *Store) DismissAlert(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`UPDATE alerts SET active = 0, resolved_at = ? WHERE id = ? AND active = 1`,
			tx.now(), id)
		if err != nil {
			return fmt.Errorf("failed to dismiss alert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if _, err := getAlert(ctx, tx.tx, id); err != nil {
				return err
			}
			return fmt.Errorf("alert %s already resolved: %w", id, types.ErrConflict)
		}
		return nil
	})
}

func getAlert(ctx context.Context, q dbtx, id string) (*types.Alert, error) {
	row := q.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	return scanAlert(row)
}

// GetAlert returns one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	return getAlert(ctx, s.db, id)
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	ActiveOnly bool
	Type       types.AlertType
	TargetID   string
}

// ListAlerts returns alerts newest-first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]types.Alert, error) {
	return listAlerts(ctx, s.db, f)
}

// ListAlerts is the transactional variant, used by the supervisor sweep.
func (t *Tx) ListAlerts(ctx context.Context, f AlertFilter) ([]types.Alert, error) {
	return listAlerts(ctx, t.tx, f)
}

func listAlerts(ctx context.Context, q dbtx, f AlertFilter) ([]types.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	var args []any
	if f.ActiveOnly {
		query += ` AND active = 1`
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []types.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ResolveAlertsForTarget clears every active alert pointing at one entity.
// Used when the entity itself goes away.
func (t *Tx) ResolveAlertsForTarget(ctx context.Context, kind types.AlertTargetKind, targetID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE alerts SET active = 0, resolved_at = ?
		WHERE target_kind = ? AND target_id = ? AND active = 1`,
		t.now(), string(kind), targetID)
	if err != nil {
		return fmt.Errorf("failed to resolve alerts for %s: %w", targetID, err)
	}
	return nil
}
