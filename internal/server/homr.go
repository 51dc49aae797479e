package server

import (
	"fmt"
	"net/http"

	"doppel/internal/store"
	"doppel/internal/types"
)

// handleHomrOverview is the observation-side summary: what workers reported,
// what was learned, and how much is blocked.
func (s *Server) handleHomrOverview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetOutcome(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	observations, err := s.deps.Store.ListObservations(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	discoveries, err := s.deps.Store.ListDiscoveries(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	pending, err := s.deps.Store.ListEscalations(r.Context(),
		store.EscalationFilter{OutcomeID: id, Status: types.EscalationPending})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome_id":          id,
		"observations":        observations,
		"discoveries":         discoveries,
		"pending_escalations": len(pending),
	})
}

func (s *Server) handleHomrContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetOutcome(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	octx, err := s.deps.Store.OutcomeContext(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, octx)
}

func (s *Server) handleHomrEscalations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetOutcome(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	filter := store.EscalationFilter{
		OutcomeID: id,
		Status:    types.EscalationStatus(r.URL.Query().Get("status")),
	}
	escalations, err := s.deps.Store.ListEscalations(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": escalations})
}

func (s *Server) handleHomrActivity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetOutcome(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 100)
	activity, err := s.deps.Store.ListActivity(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": activity})
}

// outcomeEscalation resolves the escalation and confirms it belongs to the
// outcome in the path; a mismatched pair reads as not found.
func (s *Server) outcomeEscalation(r *http.Request) (*types.Escalation, error) {
	outcomeID := r.PathValue("id")
	escID := r.PathValue("escID")
	esc, err := s.deps.Store.GetEscalation(r.Context(), escID)
	if err != nil {
		return nil, err
	}
	if esc.OutcomeID != outcomeID {
		return nil, fmt.Errorf("%w: escalation %s is not part of outcome %s",
			types.ErrNotFound, escID, outcomeID)
	}
	return esc, nil
}

func (s *Server) handleAnswerEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := s.outcomeEscalation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		SelectedOption    string `json:"selected_option"`
		AdditionalContext string `json:"additional_context"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SelectedOption == "" {
		writeError(w, fmt.Errorf("%w: selected_option is required", types.ErrInvalid))
		return
	}

	answered, err := s.deps.Observer.Answer(r.Context(), esc.ID, types.Answer{
		SelectedOption:    req.SelectedOption,
		AdditionalContext: req.AdditionalContext,
	}, "user")
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Events.Publish("escalation_answered", answered.OutcomeID, answered.ID, req.SelectedOption)
	writeJSON(w, http.StatusOK, answered)
}

func (s *Server) handleDismissEscalation(w http.ResponseWriter, r *http.Request) {
	esc, err := s.outcomeEscalation(r)
	if err != nil {
		writeError(w, err)
		return
	}
	dismissed, err := s.deps.Observer.Dismiss(r.Context(), esc.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.deps.Events.Publish("escalation_dismissed", dismissed.OutcomeID, dismissed.ID, "")
	writeJSON(w, http.StatusOK, dismissed)
}
