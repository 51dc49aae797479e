package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"doppel/internal/store"
	"doppel/internal/types"
)

// GenerateResult is the proposal_generate result document.
type GenerateResult struct {
	OutcomeID string   `json:"outcome_id"`
	Created   bool     `json:"created"`
	TaskIDs   []string `json:"task_ids,omitempty"`
}

// generateProposal materializes a confirmed proposal as a child outcome
// with its seed tasks, all in one transaction. The derived name keys
// idempotency: rerunning with the same payload finds the earlier child and
// reports it instead of duplicating.
func (q *Queue) generateProposal(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	if job.OutcomeID == "" {
		return nil, fmt.Errorf("%w: proposal_generate requires a parent outcome", types.ErrInvalid)
	}
	var p Proposal
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: bad proposal payload: %v", types.ErrInvalid, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("%w: proposal requires a name", types.ErrInvalid)
	}
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("%w: proposal requires at least one task", types.ErrInvalid)
	}

	var res GenerateResult
	err := q.deps.Store.WithTx(ctx, func(tx *store.Tx) error {
		res = GenerateResult{}

		parentID := job.OutcomeID
		children, err := tx.ListOutcomes(ctx, store.OutcomeFilter{ParentID: &parentID})
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.Name == p.Name {
				res.OutcomeID = child.ID
				return nil
			}
		}

		child := &types.Outcome{
			ID:       q.deps.IDs.Outcome(),
			Name:     p.Name,
			Brief:    p.Brief,
			ParentID: parentID,
			Intent: types.Intent{
				Summary: p.Brief,
			},
		}
		if err := tx.CreateOutcome(ctx, child); err != nil {
			return err
		}

		// Seed tasks run in order: reviewing the evidence comes before
		// acting on it.
		var prevID string
		for i, pt := range p.Tasks {
			task := &types.Task{
				ID:          q.deps.IDs.Task(),
				OutcomeID:   child.ID,
				Title:       pt.Title,
				Description: pt.Description,
				Priority:    len(p.Tasks) - i,
			}
			if prevID != "" {
				task.DependsOn = []string{prevID}
			}
			if err := tx.CreateTask(ctx, task); err != nil {
				return err
			}
			res.TaskIDs = append(res.TaskIDs, task.ID)
			prevID = task.ID
		}

		if err := tx.AppendActivity(ctx, parentID, "proposal_applied",
			fmt.Sprintf("child outcome %s (%s) created with %d tasks", child.ID, child.Name, len(p.Tasks))); err != nil {
			return err
		}

		res.OutcomeID = child.ID
		res.Created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}
