package store

import (
	"context"
	"fmt"

	"doppel/internal/types"
)

// AddDiscovery appends a typed fact learned during execution.
func (s *Store) AddDiscovery(ctx context.Context, d *types.Discovery) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.AddDiscovery(ctx, d)
	})
}

// AddDiscovery is the transactional form of Store.AddDiscovery.
func (t *Tx) AddDiscovery(ctx context.Context, d *types.Discovery) error {
	if d.OutcomeID == "" || d.Content == "" {
		return fmt.Errorf("%w: discovery requires outcome_id and content", types.ErrInvalid)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: discovery type %q", types.ErrInvalid, d.Type)
	}
	if d.CreatedAt == 0 {
		d.CreatedAt = t.now()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO discoveries (outcome_id, type, content, source_task_id, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.OutcomeID, string(d.Type), d.Content, d.SourceTaskID, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert discovery: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// ListDiscoveries returns an outcome's discoveries in insertion order.
func (s *Store) ListDiscoveries(ctx context.Context, outcomeID string) ([]types.Discovery, error) {
	return listDiscoveries(ctx, s.db, outcomeID)
}

func listDiscoveries(ctx context.Context, q dbtx, outcomeID string) ([]types.Discovery, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, outcome_id, type, content, source_task_id, created_at
		 FROM discoveries WHERE outcome_id = ? ORDER BY id ASC`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list discoveries: %w", err)
	}
	defer rows.Close()

	var out []types.Discovery
	for rows.Next() {
		var d types.Discovery
		if err := rows.Scan(&d.ID, &d.OutcomeID, &d.Type, &d.Content, &d.SourceTaskID, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddDecision records a resolved question against the outcome.
func (s *Store) AddDecision(ctx context.Context, d *types.Decision) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.AddDecision(ctx, d)
	})
}

// AddDecision is the transactional form of Store.AddDecision.
func (t *Tx) AddDecision(ctx context.Context, d *types.Decision) error {
	if d.ID == "" || d.OutcomeID == "" || d.Content == "" {
		return fmt.Errorf("%w: decision requires id, outcome_id and content", types.ErrInvalid)
	}
	if d.MadeAt == 0 {
		d.MadeAt = t.now()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO decisions (id, outcome_id, content, made_by, context, affected_areas, made_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OutcomeID, d.Content, d.MadeBy, d.Context, marshalJSON(d.AffectedAreas), d.MadeAt)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func listDecisions(ctx context.Context, q dbtx, outcomeID string) ([]types.Decision, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, outcome_id, content, made_by, context, affected_areas, made_at
		 FROM decisions WHERE outcome_id = ? ORDER BY made_at ASC, id ASC`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []types.Decision
	for rows.Next() {
		var (
			d     types.Decision
			areas string
		)
		if err := rows.Scan(&d.ID, &d.OutcomeID, &d.Content, &d.MadeBy, &d.Context, &areas, &d.MadeAt); err != nil {
			return nil, err
		}
		unmarshalJSON(areas, &d.AffectedAreas)
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddConstraint appends a standing rule workers must honor.
func (s *Store) AddConstraint(ctx context.Context, c *types.Constraint) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.AddConstraint(ctx, c)
	})
}

// AddConstraint is the transactional form of Store.AddConstraint.
func (t *Tx) AddConstraint(ctx context.Context, c *types.Constraint) error {
	if c.OutcomeID == "" || c.Rule == "" {
		return fmt.Errorf("%w: constraint requires outcome_id and rule", types.ErrInvalid)
	}
	if c.AddedAt == 0 {
		c.AddedAt = t.now()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO constraints (outcome_id, rule, reason, added_at) VALUES (?, ?, ?, ?)`,
		c.OutcomeID, c.Rule, c.Reason, c.AddedAt)
	if err != nil {
		return fmt.Errorf("failed to insert constraint: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func listConstraints(ctx context.Context, q dbtx, outcomeID string) ([]types.Constraint, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, outcome_id, rule, reason, added_at
		 FROM constraints WHERE outcome_id = ? ORDER BY id ASC`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list constraints: %w", err)
	}
	defer rows.Close()

	var out []types.Constraint
	for rows.Next() {
		var c types.Constraint
		if err := rows.Scan(&c.ID, &c.OutcomeID, &c.Rule, &c.Reason, &c.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddInjection queues context text for one downstream task's prompt.
func (s *Store) AddInjection(ctx context.Context, inj *types.ContextInjection) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.AddInjection(ctx, inj)
	})
}

// AddInjection is the transactional form of Store.AddInjection.
func (t *Tx) AddInjection(ctx context.Context, inj *types.ContextInjection) error {
	if inj.OutcomeID == "" || inj.TaskID == "" || inj.Content == "" {
		return fmt.Errorf("%w: injection requires outcome_id, task_id and content", types.ErrInvalid)
	}
	if inj.InjectedAt == 0 {
		inj.InjectedAt = t.now()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO injections (outcome_id, task_id, content, injected_at) VALUES (?, ?, ?, ?)`,
		inj.OutcomeID, inj.TaskID, inj.Content, inj.InjectedAt)
	if err != nil {
		return fmt.Errorf("failed to insert injection: %w", err)
	}
	inj.ID, err = res.LastInsertId()
	return err
}

// InjectionsForTask returns injections targeting one task, oldest first.
func (t *Tx) InjectionsForTask(ctx context.Context, outcomeID, taskID string) ([]types.ContextInjection, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, outcome_id, task_id, content, injected_at
		 FROM injections WHERE outcome_id = ? AND task_id = ? ORDER BY id ASC`,
		outcomeID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list injections: %w", err)
	}
	defer rows.Close()

	var out []types.ContextInjection
	for rows.Next() {
		var inj types.ContextInjection
		if err := rows.Scan(&inj.ID, &inj.OutcomeID, &inj.TaskID, &inj.Content, &inj.InjectedAt); err != nil {
			return nil, err
		}
		out = append(out, inj)
	}
	return out, rows.Err()
}

// AddObservation records the concerns and next steps noted for an iteration.
func (t *Tx) AddObservation(ctx context.Context, o *types.ObservationRecord) error {
	if o.OutcomeID == "" {
		return fmt.Errorf("%w: observation requires outcome_id", types.ErrInvalid)
	}
	if o.CreatedAt == 0 {
		o.CreatedAt = t.now()
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO observations (outcome_id, task_id, worker_id, concerns, next_steps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.OutcomeID, o.TaskID, o.WorkerID, marshalJSON(o.Concerns), marshalJSON(o.NextSteps), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert observation: %w", err)
	}
	o.ID, err = res.LastInsertId()
	return err
}

// ListObservations returns an outcome's observation records, oldest first.
func (s *Store) ListObservations(ctx context.Context, outcomeID string) ([]types.ObservationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, outcome_id, task_id, worker_id, concerns, next_steps, created_at
		 FROM observations WHERE outcome_id = ? ORDER BY id ASC`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	var out []types.ObservationRecord
	for rows.Next() {
		var (
			o         types.ObservationRecord
			concerns  string
			nextSteps string
		)
		if err := rows.Scan(&o.ID, &o.OutcomeID, &o.TaskID, &o.WorkerID, &concerns, &nextSteps, &o.CreatedAt); err != nil {
			return nil, err
		}
		unmarshalJSON(concerns, &o.Concerns)
		unmarshalJSON(nextSteps, &o.NextSteps)
		out = append(out, o)
	}
	return out, rows.Err()
}

// OutcomeContext assembles the full context view used to build prompts.
func (s *Store) OutcomeContext(ctx context.Context, outcomeID string) (*types.OutcomeContext, error) {
	return outcomeContext(ctx, s.db, outcomeID)
}

// OutcomeContext is the transactional form of Store.OutcomeContext.
func (t *Tx) OutcomeContext(ctx context.Context, outcomeID string) (*types.OutcomeContext, error) {
	return outcomeContext(ctx, t.tx, outcomeID)
}

func outcomeContext(ctx context.Context, q dbtx, outcomeID string) (*types.OutcomeContext, error) {
	discoveries, err := listDiscoveries(ctx, q, outcomeID)
	if err != nil {
		return nil, err
	}
	decisions, err := listDecisions(ctx, q, outcomeID)
	if err != nil {
		return nil, err
	}
	constraints, err := listConstraints(ctx, q, outcomeID)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT id, outcome_id, task_id, content, injected_at
		 FROM injections WHERE outcome_id = ? ORDER BY id ASC`, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list injections: %w", err)
	}
	defer rows.Close()

	var injections []types.ContextInjection
	for rows.Next() {
		var inj types.ContextInjection
		if err := rows.Scan(&inj.ID, &inj.OutcomeID, &inj.TaskID, &inj.Content, &inj.InjectedAt); err != nil {
			return nil, err
		}
		injections = append(injections, inj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &types.OutcomeContext{
		Discoveries: discoveries,
		Decisions:   decisions,
		Constraints: constraints,
		Injections:  injections,
	}, nil
}
