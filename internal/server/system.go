package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"doppel/internal/dispatch"
	"doppel/internal/store"
	"doppel/internal/types"
)

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.OutcomeID != "" && res.Type != dispatch.TypeMatchFound {
		s.deps.Events.Publish("outcome_created", res.OutcomeID, res.OutcomeID, req.Input)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSupervisor(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Supervisor.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter := store.AlertFilter{
		ActiveOnly: !queryFlag(r, "all"),
		Type:       types.AlertType(r.URL.Query().Get("type")),
		TargetID:   r.URL.Query().Get("target_id"),
	}
	alerts, err := s.deps.Store.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleDismissAlert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.DismissAlert(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	alert, err := s.deps.Store.GetAlert(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Events.Publish("alert_dismissed", s.alertOutcome(r, alert), alert.ID, "")
	writeJSON(w, http.StatusOK, alert)
}

// alertOutcome maps an alert target back to an outcome for event scoping.
// Targets that no longer resolve return "".
func (s *Server) alertOutcome(r *http.Request, a *types.Alert) string {
	switch a.TargetKind {
	case types.TargetOutcome:
		return a.TargetID
	case types.TargetWorker:
		if worker, err := s.deps.Store.GetWorker(r.Context(), a.TargetID); err == nil {
			return worker.OutcomeID
		}
	case types.TargetTask:
		if task, err := s.deps.Store.GetTask(r.Context(), a.TargetID); err == nil {
			return task.OutcomeID
		}
	}
	return ""
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OutcomeID string `json:"outcome_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.OutcomeID == "" {
		writeError(w, fmt.Errorf("%w: outcome_id is required", types.ErrInvalid))
		return
	}
	if _, err := s.deps.Store.GetOutcome(r.Context(), req.OutcomeID); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Jobs.Enqueue(r.Context(), types.JobRetroAnalyze, req.OutcomeID, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Events.Publish("job_enqueued", job.OutcomeID, job.ID, string(job.Type))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *Server) handleApplyProposal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OutcomeID string          `json:"outcome_id"`
		Proposal  json.RawMessage `json:"proposal"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.OutcomeID == "" {
		writeError(w, fmt.Errorf("%w: outcome_id is required", types.ErrInvalid))
		return
	}
	if len(req.Proposal) == 0 {
		writeError(w, fmt.Errorf("%w: proposal is required", types.ErrInvalid))
		return
	}
	if _, err := s.deps.Store.GetOutcome(r.Context(), req.OutcomeID); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.deps.Jobs.Enqueue(r.Context(), types.JobProposalGenerate, req.OutcomeID, req.Proposal)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Events.Publish("job_enqueued", job.OutcomeID, job.ID, string(job.Type))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// handleActiveJobs lists running jobs first, then the pending backlog, so the
// UI can render "now" above "next".
func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	outcomeID := r.URL.Query().Get("outcome_id")
	running, err := s.deps.Store.ListJobs(r.Context(),
		store.JobFilter{OutcomeID: outcomeID, Status: types.JobRunning})
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := s.deps.Store.ListJobs(r.Context(),
		store.JobFilter{OutcomeID: outcomeID, Status: types.JobPending})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": append(running, pending...)})
}

func (s *Server) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.deps.Store.ListJobs(r.Context(), store.JobFilter{
		OutcomeID: r.URL.Query().Get("outcome_id"),
		Limit:     queryInt(r, "limit", 20),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetImprovementJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
