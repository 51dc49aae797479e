package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"doppel/internal/store"
	"doppel/internal/types"
)

// Tuning for the retrospective pass. Two questions land in the same cluster
// when the scorer puts them at or above the floor; a cluster becomes a
// proposal once the same ambiguity has surfaced this many times.
const (
	clusterFloor      = 0.5
	proposalMinSize   = 2
	representativeMax = 140
)

// Cluster is one group of alike escalations: same trigger type, similar
// question text. The representative is the earliest member's question.
type Cluster struct {
	TriggerType    types.TriggerType `json:"trigger_type"`
	Representative string            `json:"representative"`
	EscalationIDs  []string          `json:"escalation_ids"`
	Size           int               `json:"size"`
}

// ProposalTask seeds one task of a generated child outcome.
type ProposalTask struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Proposal is a suggested child outcome addressing a recurring cluster. The
// user confirms it by enqueueing proposal_generate with the proposal as the
// payload; until then it lives only in the retro result.
type Proposal struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Brief         string            `json:"brief"`
	TriggerType   types.TriggerType `json:"trigger_type"`
	EscalationIDs []string          `json:"escalation_ids"`
	Tasks         []ProposalTask    `json:"tasks"`
}

// RetroResult is the retro_analyze result document.
type RetroResult struct {
	OutcomeID   string     `json:"outcome_id"`
	Escalations int        `json:"escalations"`
	Clusters    []Cluster  `json:"clusters"`
	Proposals   []Proposal `json:"proposals"`
}

// retroAnalyze gathers every escalation of the outcome, answered or not,
// clusters them by trigger type and question similarity, and proposes a
// child outcome for each cluster that keeps recurring. Read-only, so a
// rerun after a crash just recomputes the same document.
func (q *Queue) retroAnalyze(ctx context.Context, job *types.Job) (json.RawMessage, error) {
	if job.OutcomeID == "" {
		return nil, fmt.Errorf("%w: retro_analyze requires an outcome", types.ErrInvalid)
	}
	if _, err := q.deps.Store.GetOutcome(ctx, job.OutcomeID); err != nil {
		return nil, fmt.Errorf("outcome %s: %w", job.OutcomeID, err)
	}

	escs, err := q.deps.Store.ListEscalations(ctx, store.EscalationFilter{OutcomeID: job.OutcomeID})
	if err != nil {
		return nil, err
	}
	// ListEscalations is newest-first; cluster oldest-first so exemplars
	// and ordering are stable from one run to the next.
	for i, j := 0, len(escs)-1; i < j; i, j = i+1, j-1 {
		escs[i], escs[j] = escs[j], escs[i]
	}

	if len(escs) > 0 {
		_ = q.deps.Store.SetJobProgress(ctx, job.ID,
			fmt.Sprintf("clustering %d escalations", len(escs)))
	}

	clusters, err := q.clusterEscalations(ctx, escs)
	if err != nil {
		return nil, err
	}

	result := RetroResult{
		OutcomeID:   job.OutcomeID,
		Escalations: len(escs),
		Clusters:    clusters,
		Proposals:   buildProposals(clusters),
	}
	return json.Marshal(result)
}

type protoCluster struct {
	exemplar string
	ids      []string
}

// clusterEscalations groups by trigger type, then greedily by question
// similarity inside each type: each question joins the best-matching
// existing cluster at or above the floor, or starts its own.
func (q *Queue) clusterEscalations(ctx context.Context, escs []types.Escalation) ([]Cluster, error) {
	byTrigger := make(map[types.TriggerType][]types.Escalation)
	var order []types.TriggerType
	for _, e := range escs {
		if _, seen := byTrigger[e.Trigger.Type]; !seen {
			order = append(order, e.Trigger.Type)
		}
		byTrigger[e.Trigger.Type] = append(byTrigger[e.Trigger.Type], e)
	}

	var out []Cluster
	for _, tt := range order {
		var protos []*protoCluster
		for _, e := range byTrigger[tt] {
			best, bestScore := -1, 0.0
			for i, pc := range protos {
				score, err := q.deps.Scorer.Score(ctx, e.Question.Text, pc.exemplar)
				if err != nil {
					return nil, fmt.Errorf("scoring escalation %s: %w", e.ID, err)
				}
				if score > bestScore {
					best, bestScore = i, score
				}
			}
			if best >= 0 && bestScore >= clusterFloor {
				protos[best].ids = append(protos[best].ids, e.ID)
				continue
			}
			protos = append(protos, &protoCluster{exemplar: e.Question.Text, ids: []string{e.ID}})
		}
		for _, pc := range protos {
			out = append(out, Cluster{
				TriggerType:    tt,
				Representative: truncate(pc.exemplar, representativeMax),
				EscalationIDs:  pc.ids,
				Size:           len(pc.ids),
			})
		}
	}

	// Largest clusters first; ties keep first-seen order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	return out, nil
}

// buildProposals turns recurring clusters into child-outcome suggestions.
// A one-off escalation is normal operation; the same ambiguity surfacing
// repeatedly is a gap worth its own outcome.
func buildProposals(clusters []Cluster) []Proposal {
	var out []Proposal
	for _, c := range clusters {
		if c.Size < proposalMinSize {
			continue
		}
		words := strings.ReplaceAll(string(c.TriggerType), "_", " ")
		out = append(out, Proposal{
			ID: fmt.Sprintf("prop_%d", len(out)+1),
			// The representative keeps names distinct when two clusters
			// share a trigger type, and the name keys proposal_generate's
			// idempotency check.
			Name: fmt.Sprintf("Reduce %s escalations: %s", words, truncate(c.Representative, 48)),
			Brief: fmt.Sprintf("%d escalations share the %s trigger. Representative question: %s",
				c.Size, words, c.Representative),
			TriggerType:   c.TriggerType,
			EscalationIDs: c.EscalationIDs,
			Tasks: []ProposalTask{
				{
					Title:       fmt.Sprintf("Review the %d clustered escalations and extract the missing guidance", c.Size),
					Description: "Escalations: " + strings.Join(c.EscalationIDs, ", "),
				},
				{
					Title: "Fold the guidance into the outcome brief and design doc",
				},
			},
		})
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
