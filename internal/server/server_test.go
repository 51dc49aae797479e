package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"doppel/internal/config"
	"doppel/internal/converge"
	"doppel/internal/dispatch"
	"doppel/internal/events"
	"doppel/internal/homr"
	"doppel/internal/ids"
	"doppel/internal/jobs"
	"doppel/internal/scheduler"
	"doppel/internal/similarity"
	"doppel/internal/store"
	"doppel/internal/supervisor"
	"doppel/internal/types"
	"doppel/internal/worker"
)

// fakeFleet stands in for the worker manager. It keeps worker rows honest in
// the store so GET-after-POST works, but never spawns a driver.
type fakeFleet struct {
	st  *store.Store
	gen *ids.Generator

	mu            sync.Mutex
	paused        []string
	resumed       []string
	terminated    []string
	interventions map[string][]string
	live          map[string]bool
}

func newFakeFleet(st *store.Store, gen *ids.Generator) *fakeFleet {
	return &fakeFleet{
		st:            st,
		gen:           gen,
		interventions: make(map[string][]string),
		live:          make(map[string]bool),
	}
}

func (f *fakeFleet) StartWorker(ctx context.Context, outcomeID string, opts worker.StartOptions) (*types.Worker, error) {
	name := opts.Name
	if name == "" {
		name = "worker"
	}
	w := &types.Worker{
		ID:        f.gen.Worker(),
		OutcomeID: outcomeID,
		Name:      name,
		Status:    types.WorkerRunning,
	}
	if err := f.st.CreateWorker(ctx, w); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.live[w.ID] = true
	f.mu.Unlock()
	return w, nil
}

func (f *fakeFleet) PauseWorker(ctx context.Context, workerID string) error {
	if err := f.st.SetWorkerStatus(ctx, workerID, types.WorkerPaused); err != nil {
		return err
	}
	f.mu.Lock()
	f.paused = append(f.paused, workerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeFleet) ResumeWorker(ctx context.Context, workerID string) error {
	if err := f.st.SetWorkerStatus(ctx, workerID, types.WorkerRunning); err != nil {
		return err
	}
	f.mu.Lock()
	f.resumed = append(f.resumed, workerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeFleet) SendIntervention(ctx context.Context, workerID, message string) error {
	if message == "" {
		return fmt.Errorf("intervention message is empty: %w", types.ErrInvalid)
	}
	if _, err := f.st.GetWorker(ctx, workerID); err != nil {
		return err
	}
	f.mu.Lock()
	f.interventions[workerID] = append(f.interventions[workerID], message)
	f.mu.Unlock()
	return nil
}

func (f *fakeFleet) TerminateWorker(workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[workerID] {
		return fmt.Errorf("worker %s has no live driver: %w", workerID, types.ErrNotFound)
	}
	f.terminated = append(f.terminated, workerID)
	delete(f.live, workerID)
	return nil
}

func (f *fakeFleet) Live(workerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[workerID]
}

type testEnv struct {
	handler http.Handler
	st      *store.Store
	fleet   *fakeFleet
	obs     *homr.Observer
	clock   *ids.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := ids.NewFakeClockMillis(1000)
	st, err := store.Open(":memory:", clock)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	gen := ids.NewGenerator(clock)
	fleet := newFakeFleet(st, gen)
	obs := homr.NewObserver(st, gen)
	scorer := similarity.NewTokenScorer()

	sup := supervisor.New(supervisor.Deps{
		Config:    cfg,
		Store:     st,
		Scheduler: scheduler.New(st, clock, cfg),
		Workers:   fleet,
		Observer:  obs,
		Evaluator: converge.New(st),
		IDs:       gen,
		Clock:     clock,
	})
	srv := New(Deps{
		Config:     cfg,
		Store:      st,
		Fleet:      fleet,
		Observer:   obs,
		Evaluator:  converge.New(st),
		Supervisor: sup,
		Dispatcher: dispatch.New(dispatch.Deps{Config: cfg, Store: st, Scorer: scorer, IDs: gen}),
		Jobs:       jobs.New(jobs.Deps{Config: cfg, Store: st, Scorer: scorer, IDs: gen, Clock: clock}),
		Events:     events.NewBus(clock),
		IDs:        gen,
	})
	return &testEnv{handler: srv.Handler(), st: st, fleet: fleet, obs: obs, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeAs(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func wantStatus(t *testing.T, rr *httptest.ResponseRecorder, status int) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("Status = %d, want %d (body %s)", rr.Code, status, rr.Body.String())
	}
}

func (e *testEnv) createOutcome(t *testing.T, name string) string {
	t.Helper()
	rr := e.do(t, "POST", "/outcomes", map[string]any{"name": name, "brief": "brief for " + name})
	wantStatus(t, rr, http.StatusCreated)
	var o types.Outcome
	decodeAs(t, rr, &o)
	return o.ID
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/health", nil)
	wantStatus(t, rr, http.StatusOK)

	var body struct {
		Status     string `json:"status"`
		Supervisor bool   `json:"supervisor_running"`
	}
	decodeAs(t, rr, &body)
	if body.Status != "ok" {
		t.Fatalf("Status = %q, want ok", body.Status)
	}
	if body.Supervisor {
		t.Fatal("Supervisor should not report running before Run")
	}
}

func TestErrorShape(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/outcomes/out_missing", nil)
	wantStatus(t, rr, http.StatusNotFound)

	var body map[string]any
	decodeAs(t, rr, &body)
	if len(body) != 1 {
		t.Fatalf("Error body has %d keys, want just error: %v", len(body), body)
	}
	if msg, _ := body["error"].(string); msg == "" {
		t.Fatalf("Error message missing: %v", body)
	}
}

func TestCreateOutcomeValidation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/outcomes", map[string]any{"brief": "no name"})
	wantStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/outcomes", nil)
	wantStatus(t, rr, http.StatusBadRequest)
}

func TestOutcomeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createOutcome(t, "Ship CSV importer")

	rr := env.do(t, "GET", "/outcomes/"+id, nil)
	wantStatus(t, rr, http.StatusOK)
	var detail struct {
		types.Outcome
		TaskCounts         map[string]int `json:"task_counts"`
		PendingEscalations int            `json:"pending_escalations"`
	}
	decodeAs(t, rr, &detail)
	if detail.Name != "Ship CSV importer" {
		t.Fatalf("Name = %q", detail.Name)
	}
	if detail.Status != types.OutcomeActive {
		t.Fatalf("Status = %q, want active", detail.Status)
	}
	if detail.PendingEscalations != 0 {
		t.Fatalf("PendingEscalations = %d, want 0", detail.PendingEscalations)
	}

	rr = env.do(t, "PATCH", "/outcomes/"+id, map[string]any{"status": "dormant"})
	wantStatus(t, rr, http.StatusOK)
	var patched types.Outcome
	decodeAs(t, rr, &patched)
	if patched.Status != types.OutcomeDormant {
		t.Fatalf("Status after patch = %q, want dormant", patched.Status)
	}

	rr = env.do(t, "PATCH", "/outcomes/"+id, map[string]any{"status": "bogus"})
	wantStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "GET", "/outcomes/"+id+"/homr/activity", nil)
	wantStatus(t, rr, http.StatusOK)
	var act struct {
		Activity []types.ActivityEntry `json:"activity"`
	}
	decodeAs(t, rr, &act)
	kinds := make(map[string]bool)
	for _, entry := range act.Activity {
		kinds[entry.Kind] = true
	}
	if !kinds["outcome_created"] || !kinds["outcome_updated"] {
		t.Fatalf("Activity kinds = %v, want outcome_created and outcome_updated", kinds)
	}

	rr = env.do(t, "DELETE", "/outcomes/"+id, nil)
	wantStatus(t, rr, http.StatusOK)
	rr = env.do(t, "GET", "/outcomes/"+id, nil)
	wantStatus(t, rr, http.StatusNotFound)
}

func TestOutcomeTreeWithCounts(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createOutcome(t, "Parent outcome")

	rr := env.do(t, "POST", "/outcomes", map[string]any{"name": "Child outcome", "parent_id": parent})
	wantStatus(t, rr, http.StatusCreated)
	var child types.Outcome
	decodeAs(t, rr, &child)

	rr = env.do(t, "POST", "/outcomes/"+child.ID+"/tasks", map[string]any{"title": "only task"})
	wantStatus(t, rr, http.StatusCreated)

	rr = env.do(t, "GET", "/outcomes?tree&counts", nil)
	wantStatus(t, rr, http.StatusOK)
	var tree struct {
		Outcomes []struct {
			ID       string `json:"id"`
			Children []struct {
				ID         string         `json:"id"`
				TaskCounts map[string]int `json:"task_counts"`
			} `json:"children"`
		} `json:"outcomes"`
	}
	decodeAs(t, rr, &tree)
	if len(tree.Outcomes) != 1 {
		t.Fatalf("Top-level outcomes = %d, want 1", len(tree.Outcomes))
	}
	root := tree.Outcomes[0]
	if root.ID != parent || len(root.Children) != 1 {
		t.Fatalf("Tree root %s has %d children, want child under %s", root.ID, len(root.Children), parent)
	}
	if got := root.Children[0].TaskCounts["pending"]; got != 1 {
		t.Fatalf("Child pending count = %d, want 1", got)
	}
}

func TestAutoResolveToggle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createOutcome(t, "Toggle target")

	rr := env.do(t, "POST", "/outcomes/"+id+"/auto-resolve", nil)
	wantStatus(t, rr, http.StatusOK)
	var o types.Outcome
	decodeAs(t, rr, &o)
	if !o.AutoResolve {
		t.Fatal("AutoResolve should default to enabled")
	}

	rr = env.do(t, "POST", "/outcomes/"+id+"/auto-resolve", map[string]any{"enabled": false})
	wantStatus(t, rr, http.StatusOK)
	decodeAs(t, rr, &o)
	if o.AutoResolve {
		t.Fatal("AutoResolve should be disabled after explicit false")
	}
}

func TestTaskEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.createOutcome(t, "Task host")

	rr := env.do(t, "POST", "/outcomes/"+id+"/tasks", map[string]any{"title": "Write schema", "priority": 5})
	wantStatus(t, rr, http.StatusCreated)
	var task types.Task
	decodeAs(t, rr, &task)
	if task.OutcomeID != id || task.Status != types.TaskPending {
		t.Fatalf("Task = %+v, want pending task under %s", task, id)
	}

	rr = env.do(t, "POST", "/outcomes/"+id+"/tasks", map[string]any{"priority": 1})
	wantStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/outcomes/out_missing/tasks", map[string]any{"title": "orphan"})
	wantStatus(t, rr, http.StatusNotFound)

	rr = env.do(t, "PATCH", "/tasks/"+task.ID, map[string]any{"priority": 9})
	wantStatus(t, rr, http.StatusOK)
	decodeAs(t, rr, &task)
	if task.Priority != 9 {
		t.Fatalf("Priority = %d, want 9", task.Priority)
	}

	rr = env.do(t, "GET", "/outcomes/"+id+"/tasks", nil)
	wantStatus(t, rr, http.StatusOK)
	var list struct {
		Tasks []types.Task `json:"tasks"`
	}
	decodeAs(t, rr, &list)
	if len(list.Tasks) != 1 {
		t.Fatalf("Tasks = %d, want 1", len(list.Tasks))
	}

	rr = env.do(t, "DELETE", "/tasks/"+task.ID, nil)
	wantStatus(t, rr, http.StatusOK)
	rr = env.do(t, "GET", "/outcomes/"+id+"/tasks", nil)
	decodeAs(t, rr, &list)
	if len(list.Tasks) != 0 {
		t.Fatalf("Tasks after delete = %d, want 0", len(list.Tasks))
	}
}

func TestWorkerEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.createOutcome(t, "Worker host")

	rr := env.do(t, "POST", "/outcomes/"+id+"/workers", map[string]any{"name": "atlas"})
	wantStatus(t, rr, http.StatusCreated)
	var started struct {
		types.Worker
		Live bool `json:"live"`
	}
	decodeAs(t, rr, &started)
	if started.Name != "atlas" || !started.Live {
		t.Fatalf("Started worker = %+v, want live atlas", started)
	}

	rr = env.do(t, "PATCH", "/workers/"+started.ID, map[string]any{"status": "paused"})
	wantStatus(t, rr, http.StatusOK)
	decodeAs(t, rr, &started)
	if started.Status != types.WorkerPaused {
		t.Fatalf("Status = %q, want paused", started.Status)
	}
	if got := env.fleet.paused; len(got) != 1 || got[0] != started.ID {
		t.Fatalf("Fleet pause calls = %v", got)
	}

	rr = env.do(t, "PATCH", "/workers/"+started.ID, map[string]any{"status": "running"})
	wantStatus(t, rr, http.StatusOK)

	rr = env.do(t, "PATCH", "/workers/"+started.ID, map[string]any{"status": "bogus"})
	wantStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/workers/"+started.ID+"/interventions", map[string]any{"message": "focus on the parser"})
	wantStatus(t, rr, http.StatusAccepted)
	if got := env.fleet.interventions[started.ID]; len(got) != 1 || got[0] != "focus on the parser" {
		t.Fatalf("Interventions = %v", got)
	}

	rr = env.do(t, "POST", "/workers/"+started.ID+"/interventions", map[string]any{"message": ""})
	wantStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "PATCH", "/workers/"+started.ID, map[string]any{"status": "terminated"})
	wantStatus(t, rr, http.StatusOK)
	decodeAs(t, rr, &started)
	if started.Live {
		t.Fatal("Worker should not be live after terminate")
	}
}

func TestProgressGroupedByWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.createOutcome(t, "Progress host")

	rr := env.do(t, "POST", "/outcomes/"+id+"/workers", nil)
	wantStatus(t, rr, http.StatusCreated)
	var w types.Worker
	decodeAs(t, rr, &w)

	for i, content := range []string{"wrote the parser", "hit a flaky test", "wired the tests"} {
		entry := &types.ProgressEntry{
			OutcomeID: id, WorkerID: w.ID, Iteration: i + 1, TaskID: "tsk_1", Content: content,
		}
		if err := env.st.AppendProgress(ctx, entry); err != nil {
			t.Fatalf("Failed to append progress: %v", err)
		}
	}
	// Fold the two oldest entries into one summary row, as the driver would.
	err := env.st.WithTx(ctx, func(tx *store.Tx) error {
		_, _, err := tx.CompactProgress(ctx, w.ID, "tsk_1", "parser written, one flaky test")
		return err
	})
	if err != nil {
		t.Fatalf("Failed to compact progress: %v", err)
	}

	rr = env.do(t, "GET", "/outcomes/"+id+"/progress", nil)
	wantStatus(t, rr, http.StatusOK)
	var body struct {
		Workers []struct {
			Worker struct {
				ID string `json:"id"`
			} `json:"worker"`
			Stats struct {
				Entries   int `json:"entries"`
				Compacted int `json:"compacted"`
			} `json:"stats"`
			Entries []types.ProgressEntry `json:"entries"`
		} `json:"workers"`
	}
	decodeAs(t, rr, &body)
	if len(body.Workers) != 1 {
		t.Fatalf("Worker groups = %d, want 1", len(body.Workers))
	}
	g := body.Workers[0]
	if g.Worker.ID != w.ID {
		t.Fatalf("Group worker = %s, want %s", g.Worker.ID, w.ID)
	}
	if g.Stats.Entries != 4 || g.Stats.Compacted != 2 {
		t.Fatalf("Stats = %+v, want 4 entries with 2 compacted", g.Stats)
	}
	if len(g.Entries) != 2 {
		t.Fatalf("Visible entries = %d, want newest plus summary", len(g.Entries))
	}

	rr = env.do(t, "GET", "/outcomes/"+id+"/progress?all", nil)
	decodeAs(t, rr, &body)
	if len(body.Workers[0].Entries) != 4 {
		t.Fatalf("Entries with ?all = %d, want 4", len(body.Workers[0].Entries))
	}
}

func seedEscalation(t *testing.T, env *testEnv, outcomeID, escID string) {
	t.Helper()
	ctx := context.Background()
	err := env.st.WithTx(ctx, func(tx *store.Tx) error {
		return tx.CreateEscalation(ctx, &types.Escalation{
			ID:        escID,
			OutcomeID: outcomeID,
			Trigger:   types.Trigger{Type: types.TriggerTechnicalDecision},
			Question: types.Question{
				Text: "Which auth scheme should the API use?",
				Options: []types.EscalationOption{
					{ID: "opt_jwt", Label: "JWT bearer tokens", Confidence: 0.7},
					{ID: "opt_session", Label: "Server-side sessions", Confidence: 0.3},
				},
			},
		})
	})
	if err != nil {
		t.Fatalf("Failed to create escalation: %v", err)
	}
}

func TestEscalationAnswerFlow(t *testing.T) {
	env := newTestEnv(t)
	id := env.createOutcome(t, "Escalation host")
	other := env.createOutcome(t, "Unrelated outcome")
	seedEscalation(t, env, id, "esc_1")

	base := "/outcomes/" + id + "/homr/escalations/esc_1"

	rr := env.do(t, "POST", base+"/answer", map[string]any{})
	wantStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/outcomes/"+other+"/homr/escalations/esc_1/answer",
		map[string]any{"selected_option": "opt_jwt"})
	wantStatus(t, rr, http.StatusNotFound)

	rr = env.do(t, "POST", base+"/answer", map[string]any{"selected_option": "opt_nonexistent"})
	wantStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", base+"/answer",
		map[string]any{"selected_option": "opt_jwt", "additional_context": "we already issue JWTs elsewhere"})
	wantStatus(t, rr, http.StatusOK)
	var esc types.Escalation
	decodeAs(t, rr, &esc)
	if esc.Status != types.EscalationAnswered || esc.Answer == nil || esc.Answer.SelectedOption != "opt_jwt" {
		t.Fatalf("Escalation after answer = %+v", esc)
	}

	rr = env.do(t, "POST", base+"/answer", map[string]any{"selected_option": "opt_session"})
	wantStatus(t, rr, http.StatusConflict)

	rr = env.do(t, "GET", "/outcomes/"+id+"/homr/escalations?status=pending", nil)
	wantStatus(t, rr, http.StatusOK)
	var list struct {
		Escalations []types.Escalation `json:"escalations"`
	}
	decodeAs(t, rr, &list)
	if len(list.Escalations) != 0 {
		t.Fatalf("Pending escalations = %d, want 0", len(list.Escalations))
	}
}

func TestEscalationDismiss(t *testing.T) {
	env := newTestEnv(t)
	id := env.createOutcome(t, "Dismissal host")
	seedEscalation(t, env, id, "esc_2")

	rr := env.do(t, "POST", "/outcomes/"+id+"/homr/escalations/esc_2/dismiss", nil)
	wantStatus(t, rr, http.StatusOK)
	var esc types.Escalation
	decodeAs(t, rr, &esc)
	if esc.Status != types.EscalationDismissed {
		t.Fatalf("Status = %q, want dismissed", esc.Status)
	}
}

func TestHomrOverviewAndContext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.createOutcome(t, "Homr host")

	if err := env.st.AddDiscovery(ctx, &types.Discovery{
		OutcomeID: id, Type: types.DiscoveryPattern, Content: "handlers follow the mux convention",
	}); err != nil {
		t.Fatalf("Failed to add discovery: %v", err)
	}
	seedEscalation(t, env, id, "esc_3")

	rr := env.do(t, "GET", "/outcomes/"+id+"/homr", nil)
	wantStatus(t, rr, http.StatusOK)
	var overview struct {
		OutcomeID          string            `json:"outcome_id"`
		Discoveries        []types.Discovery `json:"discoveries"`
		PendingEscalations int               `json:"pending_escalations"`
	}
	decodeAs(t, rr, &overview)
	if overview.OutcomeID != id || len(overview.Discoveries) != 1 || overview.PendingEscalations != 1 {
		t.Fatalf("Overview = %+v", overview)
	}

	rr = env.do(t, "GET", "/outcomes/"+id+"/homr/context", nil)
	wantStatus(t, rr, http.StatusOK)
	var octx types.OutcomeContext
	decodeAs(t, rr, &octx)
	if len(octx.Discoveries) != 1 {
		t.Fatalf("Context discoveries = %d, want 1", len(octx.Discoveries))
	}

	rr = env.do(t, "GET", "/outcomes/out_missing/homr", nil)
	wantStatus(t, rr, http.StatusNotFound)
}

func TestDispatchEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/dispatch", map[string]any{"input": "   "})
	wantStatus(t, rr, http.StatusOK)
	var res dispatch.Result
	decodeAs(t, rr, &res)
	if res.Type != dispatch.TypeClarification {
		t.Fatalf("Type = %q, want clarification", res.Type)
	}

	rr = env.do(t, "POST", "/dispatch", map[string]any{
		"input":         "Organize the garage shelving this weekend",
		"mode_hint":     "outcome",
		"skip_matching": true,
	})
	wantStatus(t, rr, http.StatusOK)
	decodeAs(t, rr, &res)
	if res.Type != dispatch.TypeOutcome || res.OutcomeID == "" {
		t.Fatalf("Result = %+v, want a created outcome", res)
	}

	rr = env.do(t, "GET", "/outcomes/"+res.OutcomeID, nil)
	wantStatus(t, rr, http.StatusOK)
}

func TestSupervisorStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/supervisor", nil)
	wantStatus(t, rr, http.StatusOK)

	var status supervisor.Status
	decodeAs(t, rr, &status)
	if status.Running {
		t.Fatal("Supervisor should be stopped in tests")
	}
	if status.ActiveAlerts == nil {
		t.Fatal("ActiveAlerts should be present even when empty")
	}
}

func TestAlertDismissal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := env.createOutcome(t, "Alert host")

	var alertID string
	err := env.st.WithTx(ctx, func(tx *store.Tx) error {
		alert := types.Alert{
			ID:         "alr_1",
			Type:       types.AlertNoProgress,
			Severity:   types.SeverityInfo,
			TargetKind: types.TargetOutcome,
			TargetID:   id,
			Message:    "no recent activity",
		}
		_, err := tx.RaiseAlert(ctx, &alert)
		alertID = alert.ID
		return err
	})
	if err != nil {
		t.Fatalf("Failed to raise alert: %v", err)
	}

	rr := env.do(t, "GET", "/alerts", nil)
	wantStatus(t, rr, http.StatusOK)
	var list struct {
		Alerts []types.Alert `json:"alerts"`
	}
	decodeAs(t, rr, &list)
	if len(list.Alerts) != 1 {
		t.Fatalf("Active alerts = %d, want 1", len(list.Alerts))
	}

	rr = env.do(t, "POST", "/alerts/"+alertID+"/dismiss", nil)
	wantStatus(t, rr, http.StatusOK)
	var dismissed types.Alert
	decodeAs(t, rr, &dismissed)
	if dismissed.Active {
		t.Fatal("Alert should be inactive after dismissal")
	}

	rr = env.do(t, "GET", "/alerts", nil)
	decodeAs(t, rr, &list)
	if len(list.Alerts) != 0 {
		t.Fatalf("Active alerts after dismissal = %d, want 0", len(list.Alerts))
	}

	rr = env.do(t, "POST", "/alerts/"+alertID+"/dismiss", nil)
	wantStatus(t, rr, http.StatusConflict)
}

func TestImprovementJobEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.createOutcome(t, "Analysis target")

	rr := env.do(t, "POST", "/improvements/analyze", map[string]any{})
	wantStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/improvements/analyze", map[string]any{"outcome_id": "out_missing"})
	wantStatus(t, rr, http.StatusNotFound)

	rr = env.do(t, "POST", "/improvements/analyze", map[string]any{"outcome_id": id})
	wantStatus(t, rr, http.StatusAccepted)
	var enq struct {
		JobID string `json:"job_id"`
	}
	decodeAs(t, rr, &enq)
	if enq.JobID == "" {
		t.Fatal("JobID missing from enqueue response")
	}

	// A second analyze while the first is still pending collides.
	rr = env.do(t, "POST", "/improvements/analyze", map[string]any{"outcome_id": id})
	wantStatus(t, rr, http.StatusConflict)

	rr = env.do(t, "GET", "/improvements/jobs/"+enq.JobID, nil)
	wantStatus(t, rr, http.StatusOK)
	var job types.Job
	decodeAs(t, rr, &job)
	if job.Status != types.JobPending || job.Type != types.JobRetroAnalyze {
		t.Fatalf("Job = %+v, want pending retro_analyze", job)
	}

	rr = env.do(t, "GET", "/improvements/jobs/active", nil)
	wantStatus(t, rr, http.StatusOK)
	var active struct {
		Jobs []types.Job `json:"jobs"`
	}
	decodeAs(t, rr, &active)
	if len(active.Jobs) != 1 || active.Jobs[0].ID != enq.JobID {
		t.Fatalf("Active jobs = %+v", active.Jobs)
	}

	rr = env.do(t, "GET", "/improvements/jobs/recent", nil)
	wantStatus(t, rr, http.StatusOK)
	decodeAs(t, rr, &active)
	if len(active.Jobs) != 1 {
		t.Fatalf("Recent jobs = %d, want 1", len(active.Jobs))
	}

	rr = env.do(t, "POST", "/improvements/proposals", map[string]any{"outcome_id": id})
	wantStatus(t, rr, http.StatusBadRequest)

	rr = env.do(t, "POST", "/improvements/proposals", map[string]any{
		"outcome_id": id,
		"proposal":   map[string]any{"title": "Split the importer into phases"},
	})
	wantStatus(t, rr, http.StatusAccepted)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "OPTIONS", "/outcomes", nil)
	wantStatus(t, rr, http.StatusNoContent)
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("CORS headers missing on preflight")
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, "GET", "/health", nil)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header missing")
	}
}
