package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"doppel/internal/converge"
	"doppel/internal/store"
	"doppel/internal/types"
)

// outcomeNode is one list entry, optionally carrying task counts and, in
// tree mode, its children.
type outcomeNode struct {
	types.Outcome
	TaskCounts map[types.TaskStatus]int `json:"task_counts,omitempty"`
	Children   []*outcomeNode           `json:"children,omitempty"`
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	filter := store.OutcomeFilter{Status: types.OutcomeStatus(r.URL.Query().Get("status"))}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, fmt.Errorf("%w: outcome status %q", types.ErrInvalid, filter.Status))
		return
	}
	outcomes, err := s.deps.Store.ListOutcomes(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	nodes := make([]*outcomeNode, len(outcomes))
	for i := range outcomes {
		nodes[i] = &outcomeNode{Outcome: outcomes[i]}
	}
	if queryFlag(r, "counts") {
		for _, n := range nodes {
			counts, err := s.deps.Store.TaskCounts(r.Context(), n.ID)
			if err != nil {
				writeError(w, err)
				return
			}
			n.TaskCounts = counts
		}
	}
	if queryFlag(r, "tree") {
		nodes = buildTree(nodes)
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": nodes})
}

// buildTree nests children under their parents. A node whose parent fell
// outside the filtered set stays at the top level rather than vanishing.
func buildTree(nodes []*outcomeNode) []*outcomeNode {
	byID := make(map[string]*outcomeNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	var roots []*outcomeNode
	for _, n := range nodes {
		if parent, ok := byID[n.ParentID]; ok && n.ParentID != "" {
			parent.Children = append(parent.Children, n)
			continue
		}
		roots = append(roots, n)
	}
	return roots
}

type outcomeCreateRequest struct {
	Name        string       `json:"name"`
	Brief       string       `json:"brief"`
	Intent      types.Intent `json:"intent"`
	ParentID    string       `json:"parent_id"`
	IsOngoing   bool         `json:"is_ongoing"`
	AutoResolve bool         `json:"auto_resolve"`
	CostCapUSD  float64      `json:"cost_cap_usd"`
	DesignDoc   struct {
		Approach string `json:"approach"`
	} `json:"design_doc"`
	GitConfig  json.RawMessage `json:"git_config"`
	SaveTarget json.RawMessage `json:"save_target"`
}

func (s *Server) handleCreateOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, fmt.Errorf("%w: name is required", types.ErrInvalid))
		return
	}

	outcome := &types.Outcome{
		ID:     s.deps.IDs.Outcome(),
		Name:   req.Name,
		Brief:  req.Brief,
		Intent: req.Intent,
		// No tasks exist yet, so the execution gate starts open; adding a
		// capability task closes it again.
		CapabilityReady: types.CapabilityComplete,
		ParentID:        req.ParentID,
		IsOngoing:       req.IsOngoing,
		AutoResolve:     req.AutoResolve,
		CostCapUSD:      req.CostCapUSD,
		DesignDoc:       types.DesignDoc{Approach: req.DesignDoc.Approach},
		GitConfig:       req.GitConfig,
		SaveTarget:      req.SaveTarget,
	}
	err := s.deps.Store.WithTx(r.Context(), func(tx *store.Tx) error {
		if err := tx.CreateOutcome(r.Context(), outcome); err != nil {
			return err
		}
		return tx.AppendActivity(r.Context(), outcome.ID, "outcome_created",
			fmt.Sprintf("outcome %q created", outcome.Name))
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.deps.Events.Publish("outcome_created", outcome.ID, outcome.ID, outcome.Name)
	s.log.Info("outcome created",
		zap.String("outcome_id", outcome.ID),
		zap.String("name", outcome.Name))
	writeJSON(w, http.StatusCreated, outcome)
}

// outcomeDetail is the single-outcome view: the row plus the derived reads
// the UI shows alongside it.
type outcomeDetail struct {
	types.Outcome
	TaskCounts         map[types.TaskStatus]int `json:"task_counts"`
	Assessment         *converge.Assessment     `json:"assessment,omitempty"`
	PendingEscalations int                      `json:"pending_escalations"`
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	outcome, err := s.deps.Store.GetOutcome(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := outcomeDetail{Outcome: *outcome}

	if detail.TaskCounts, err = s.deps.Store.TaskCounts(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	pending, err := s.deps.Store.ListEscalations(r.Context(),
		store.EscalationFilter{OutcomeID: id, Status: types.EscalationPending})
	if err != nil {
		writeError(w, err)
		return
	}
	detail.PendingEscalations = len(pending)

	if s.deps.Evaluator != nil {
		assessment, err := s.deps.Evaluator.Evaluate(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		detail.Assessment = assessment
	}
	writeJSON(w, http.StatusOK, detail)
}

type outcomePatchRequest struct {
	Name        *string       `json:"name"`
	Brief       *string       `json:"brief"`
	Intent      *types.Intent `json:"intent"`
	Status      *string       `json:"status"`
	ParentID    *string       `json:"parent_id"`
	IsOngoing   *bool         `json:"is_ongoing"`
	AutoResolve *bool         `json:"auto_resolve"`
	CostCapUSD  *float64      `json:"cost_cap_usd"`
	DesignDoc   *struct {
		Approach string `json:"approach"`
	} `json:"design_doc"`
	GitConfig  json.RawMessage `json:"git_config"`
	SaveTarget json.RawMessage `json:"save_target"`
}

func (s *Server) handlePatchOutcome(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req outcomePatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	outcome, err := s.deps.Store.GetOutcome(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	var notes []string
	if req.Name != nil {
		outcome.Name = *req.Name
	}
	if req.Brief != nil {
		outcome.Brief = *req.Brief
	}
	if req.Intent != nil {
		outcome.Intent = *req.Intent
	}
	if req.Status != nil && types.OutcomeStatus(*req.Status) != outcome.Status {
		notes = append(notes, fmt.Sprintf("status %s -> %s", outcome.Status, *req.Status))
		outcome.Status = types.OutcomeStatus(*req.Status)
	}
	if req.ParentID != nil {
		outcome.ParentID = *req.ParentID
	}
	if req.IsOngoing != nil {
		outcome.IsOngoing = *req.IsOngoing
	}
	if req.AutoResolve != nil {
		outcome.AutoResolve = *req.AutoResolve
	}
	if req.CostCapUSD != nil {
		outcome.CostCapUSD = *req.CostCapUSD
	}
	if req.DesignDoc != nil && req.DesignDoc.Approach != outcome.DesignDoc.Approach {
		outcome.DesignDoc.Approach = req.DesignDoc.Approach
		outcome.DesignDoc.Version++
		notes = append(notes, fmt.Sprintf("design doc revised to v%d", outcome.DesignDoc.Version))
	}
	if req.GitConfig != nil {
		outcome.GitConfig = req.GitConfig
	}
	if req.SaveTarget != nil {
		outcome.SaveTarget = req.SaveTarget
	}

	if err := s.deps.Store.UpdateOutcome(r.Context(), outcome); err != nil {
		writeError(w, err)
		return
	}
	for _, note := range notes {
		if err := s.deps.Store.AppendActivity(r.Context(), id, "outcome_updated", note); err != nil {
			s.log.Warn("failed to append activity", zap.Error(err))
		}
	}
	s.deps.Events.Publish("outcome_updated", id, id, "")
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleDeleteOutcome(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DeleteOutcome(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Events.Publish("outcome_deleted", id, id, "")
	s.log.Info("outcome deleted", zap.String("outcome_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleAutoResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	outcome, err := s.deps.Store.GetOutcome(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	outcome.AutoResolve = enabled
	if err := s.deps.Store.UpdateOutcome(r.Context(), outcome); err != nil {
		writeError(w, err)
		return
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	if err := s.deps.Store.AppendActivity(r.Context(), id, "auto_resolve",
		"escalation auto-resolve "+state); err != nil {
		s.log.Warn("failed to append activity", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, outcome)
}
