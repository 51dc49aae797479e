package server

import (
	"fmt"
	"net/http"

	"doppel/internal/store"
	"doppel/internal/types"
	"doppel/internal/worker"
)

// workerView is a worker row plus whether a driver goroutine is live for it
// in this process.
type workerView struct {
	types.Worker
	Live bool `json:"live"`
}

func (s *Server) view(w types.Worker) workerView {
	return workerView{Worker: w, Live: s.deps.Fleet.Live(w.ID)}
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetOutcome(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	workers, err := s.deps.Store.ListWorkers(r.Context(), store.WorkerFilter{OutcomeID: id})
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]workerView, len(workers))
	for i, wk := range workers {
		views[i] = s.view(wk)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": views})
}

func (s *Server) handleStartWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Parallel bool   `json:"parallel"`
		Name     string `json:"name"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}

	started, err := s.deps.Fleet.StartWorker(r.Context(), id, worker.StartOptions{
		Parallel: req.Parallel,
		Name:     req.Name,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(*started))
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	wk, err := s.deps.Store.GetWorker(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*wk))
}

func (s *Server) handlePatchWorker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var err error
	switch req.Status {
	case "paused":
		err = s.deps.Fleet.PauseWorker(r.Context(), id)
	case "running", "idle":
		err = s.deps.Fleet.ResumeWorker(r.Context(), id)
	case "terminated":
		err = s.deps.Fleet.TerminateWorker(id)
	default:
		err = fmt.Errorf("%w: worker status %q (want paused, running or terminated)",
			types.ErrInvalid, req.Status)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	wk, err := s.deps.Store.GetWorker(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*wk))
}

func (s *Server) handleIntervention(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Fleet.SendIntervention(r.Context(), id, req.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// workerProgress is one worker's slice of the progress view.
type workerProgress struct {
	Worker  workerView            `json:"worker"`
	Stats   progressStats         `json:"stats"`
	Entries []types.ProgressEntry `json:"entries"`
}

type progressStats struct {
	Entries     int     `json:"entries"`
	Compacted   int     `json:"compacted"`
	Iterations  int     `json:"iterations"`
	CostUSD     float64 `json:"cost_usd"`
	LastEntryAt int64   `json:"last_entry_at,omitempty"`
}

// handleProgress renders the outcome's progress grouped by worker. Compacted
// entries count toward stats but are hidden unless ?all is set.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetOutcome(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	workers, err := s.deps.Store.ListWorkers(r.Context(), store.WorkerFilter{OutcomeID: id})
	if err != nil {
		writeError(w, err)
		return
	}

	includeCompacted := queryFlag(r, "all")
	taskID := r.URL.Query().Get("task_id")

	groups := make([]workerProgress, 0, len(workers))
	for _, wk := range workers {
		entries, err := s.deps.Store.ListProgress(r.Context(), wk.ID, store.ProgressFilter{
			TaskID:           taskID,
			IncludeCompacted: true,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		stats := progressStats{
			Entries:    len(entries),
			Iterations: wk.Iteration,
			CostUSD:    wk.CostUSD,
		}
		var visible []types.ProgressEntry
		for _, e := range entries {
			if e.Compacted {
				stats.Compacted++
				if !includeCompacted {
					continue
				}
			}
			visible = append(visible, e)
		}
		if n := len(entries); n > 0 {
			stats.LastEntryAt = entries[n-1].CreatedAt
		}
		groups = append(groups, workerProgress{
			Worker:  s.view(wk),
			Stats:   stats,
			Entries: visible,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome_id": id,
		"workers":    groups,
	})
}
