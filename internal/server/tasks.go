package server

import (
	"fmt"
	"net/http"

	"doppel/internal/store"
	"doppel/internal/types"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetOutcome(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	filter := store.TaskFilter{
		Status: types.TaskStatus(r.URL.Query().Get("status")),
		Phase:  types.TaskPhase(r.URL.Query().Get("phase")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, fmt.Errorf("%w: task status %q", types.ErrInvalid, filter.Status))
		return
	}
	tasks, err := s.deps.Store.ListTasks(r.Context(), id, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type taskCreateRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	Phase       string   `json:"phase"`
	DependsOn   []string `json:"depends_on"`
	MaxAttempts int      `json:"max_attempts"`
	FromReview  bool     `json:"from_review"`
	ReviewCycle int      `json:"review_cycle"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	outcomeID := r.PathValue("id")
	var req taskCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == "" {
		writeError(w, fmt.Errorf("%w: title is required", types.ErrInvalid))
		return
	}

	task := &types.Task{
		ID:          s.deps.IDs.Task(),
		OutcomeID:   outcomeID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Phase:       types.TaskPhase(req.Phase),
		DependsOn:   req.DependsOn,
		MaxAttempts: req.MaxAttempts,
		FromReview:  req.FromReview,
		ReviewCycle: req.ReviewCycle,
	}
	err := s.deps.Store.WithTx(r.Context(), func(tx *store.Tx) error {
		if err := tx.CreateTask(r.Context(), task); err != nil {
			return err
		}
		return tx.AppendActivity(r.Context(), outcomeID, "task_added",
			fmt.Sprintf("task %s (%s) added", task.ID, task.Title))
	})
	if err != nil {
		writeError(w, err)
		return
	}

	s.deps.Events.Publish("task_created", outcomeID, task.ID, task.Title)
	writeJSON(w, http.StatusCreated, task)
}

type taskPatchRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Priority    *int      `json:"priority"`
	Status      *string   `json:"status"`
	Phase       *string   `json:"phase"`
	DependsOn   *[]string `json:"depends_on"`
	MaxAttempts *int      `json:"max_attempts"`
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req taskPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	task, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.Status != nil {
		task.Status = types.TaskStatus(*req.Status)
	}
	if req.Phase != nil {
		task.Phase = types.TaskPhase(*req.Phase)
	}
	if req.DependsOn != nil {
		task.DependsOn = *req.DependsOn
	}
	if req.MaxAttempts != nil {
		task.MaxAttempts = *req.MaxAttempts
	}

	if err := s.deps.Store.UpdateTask(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Events.Publish("task_updated", task.OutcomeID, task.ID, task.Title)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.DeleteTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Events.Publish("task_deleted", task.OutcomeID, id, task.Title)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}
