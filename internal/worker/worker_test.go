package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"doppel/internal/agent"
	"doppel/internal/config"
	"doppel/internal/homr"
	"doppel/internal/ids"
	"doppel/internal/scheduler"
	"doppel/internal/store"
	"doppel/internal/types"
)

// fakeInvoker scripts agent responses per call and records every request.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []agent.Request
	fn    func(call int, req agent.Request) (*agent.Result, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	call := len(f.calls)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return doneResult("ok"), nil
	}
	return fn(call, req)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) request(i int) agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func doneResult(summary string) *agent.Result {
	return &agent.Result{
		Status: agent.StatusDone, Summary: summary, RawOutput: summary,
		Structured: &agent.Structured{Status: "done", Summary: summary},
	}
}

func needsMoreResult(summary string) *agent.Result {
	return &agent.Result{
		Status: agent.StatusNeedsMore, Summary: summary, RawOutput: summary,
		Structured: &agent.Structured{Status: "needs_more", Summary: summary},
	}
}

func newTestManager(t *testing.T, inv agent.Invoker) (*Manager, *store.Store) {
	t.Helper()
	clock := ids.NewFakeClockMillis(1000)
	st, err := store.Open(":memory:", clock)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	gen := ids.NewGenerator(clock)

	cfg := config.DefaultConfig()
	cfg.Worker.IdlePollInterval = "5ms"
	cfg.Worker.IterationDelay = "1ms"
	cfg.Agent.HeartbeatInterval = "50ms"
	cfg.Server.ShutdownGrace = "500ms"

	m := NewManager(Deps{
		Config:    cfg,
		Store:     st,
		Scheduler: scheduler.New(st, clock, cfg),
		Observer:  homr.NewObserver(st, gen),
		Invoker:   inv,
		IDs:       gen,
		Clock:     clock,
	})
	t.Cleanup(func() {
		m.Shutdown(context.Background())
		st.Close()
	})
	return m, st
}

func seedOutcome(t *testing.T, st *store.Store, id, name string) {
	t.Helper()
	if err := st.CreateOutcome(context.Background(), &types.Outcome{
		ID: id, Name: name,
		Intent: types.Intent{Summary: "Get " + name + " over the line."},
	}); err != nil {
		t.Fatalf("Failed to create outcome: %v", err)
	}
}

func seedTask(t *testing.T, st *store.Store, outcomeID, id, title string) {
	t.Helper()
	if err := st.CreateTask(context.Background(), &types.Task{
		ID: id, OutcomeID: outcomeID, Title: title, Phase: types.PhaseExecution,
	}); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func workerStatus(t *testing.T, st *store.Store, id string) types.WorkerStatus {
	t.Helper()
	w, err := st.GetWorker(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	return w.Status
}

func TestWorkerRunsTaskToCompletion(t *testing.T) {
	inv := &fakeInvoker{}
	m, st := newTestManager(t, inv)
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "ship the widget")
	seedTask(t, st, "out_1", "task_a", "Wire the widget")

	w, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}

	waitFor(t, "worker to complete", func() bool {
		return workerStatus(t, st, w.ID) == types.WorkerCompleted
	})

	task, err := st.GetTask(ctx, "task_a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != types.TaskCompleted {
		t.Errorf("Task status = %s", task.Status)
	}
	if task.CompletedAt == 0 {
		t.Error("CompletedAt not stamped")
	}

	entries, err := st.ListProgress(ctx, w.ID, store.ProgressFilter{})
	if err != nil {
		t.Fatalf("ListProgress failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "ok" || entries[0].TaskID != "task_a" {
		t.Errorf("Progress entries wrong: %+v", entries)
	}

	if inv.callCount() != 1 {
		t.Fatalf("Expected 1 agent call, got %d", inv.callCount())
	}
	prompt := inv.request(0).Prompt
	for _, want := range []string{"ship the widget", "Wire the widget", "###RESULT###"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("Prompt missing %q", want)
		}
	}
	if inv.request(0).Env["DOPPEL_TASK_ID"] != "task_a" {
		t.Errorf("Env wrong: %v", inv.request(0).Env)
	}
}

func TestStartWorkerSecondNeedsParallel(t *testing.T) {
	gate := make(chan *agent.Result)
	inv := &fakeInvoker{fn: func(int, agent.Request) (*agent.Result, error) {
		return <-gate, nil
	}}
	m, st := newTestManager(t, inv)
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "busy outcome")
	seedTask(t, st, "out_1", "task_a", "Long task")

	w1, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("First StartWorker failed: %v", err)
	}

	if _, err := m.StartWorker(ctx, "out_1", StartOptions{}); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("Expected ErrConflict for second worker, got %v", err)
	}
	w2, err := m.StartWorker(ctx, "out_1", StartOptions{Parallel: true})
	if err != nil {
		t.Fatalf("Parallel StartWorker failed: %v", err)
	}
	if w2.ID == w1.ID {
		t.Error("Parallel worker should get its own row")
	}

	close(gate)
	waitFor(t, "workers to finish", func() bool {
		return workerStatus(t, st, w1.ID) == types.WorkerCompleted &&
			workerStatus(t, st, w2.ID) == types.WorkerCompleted
	})
}

func TestStartWorkerRejectsArchivedOutcome(t *testing.T) {
	m, st := newTestManager(t, &fakeInvoker{})
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "old news")
	if err := st.SetOutcomeStatus(ctx, "out_1", types.OutcomeArchived); err != nil {
		t.Fatalf("SetOutcomeStatus failed: %v", err)
	}

	if _, err := m.StartWorker(ctx, "out_1", StartOptions{}); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
}

func TestNeedsMoreExhaustsAttemptsThroughIterationBudget(t *testing.T) {
	inv := &fakeInvoker{fn: func(int, agent.Request) (*agent.Result, error) {
		return needsMoreResult("still digging"), nil
	}}
	m, st := newTestManager(t, inv)
	m.deps.Config.Worker.MaxIterationsPerTask = 2
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "bottomless pit")
	seedTask(t, st, "out_1", "task_a", "Unfinishable")

	w, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}

	waitFor(t, "worker to give up", func() bool {
		return workerStatus(t, st, w.ID) == types.WorkerCompleted
	})

	task, err := st.GetTask(ctx, "task_a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	// Budget of 2 iterations per claim, 3 attempts per task: the worker
	// claims three times, burns two iterations each, then the task fails
	// for good.
	if task.Status != types.TaskFailed {
		t.Errorf("Task status = %s", task.Status)
	}
	if task.Attempts != 3 {
		t.Errorf("Attempts = %d", task.Attempts)
	}
	if inv.callCount() != 6 {
		t.Errorf("Expected 6 agent calls (3 claims x 2 iterations), got %d", inv.callCount())
	}
}

func TestPauseReleasesClaimAndResumeFinishes(t *testing.T) {
	gate := make(chan *agent.Result)
	inv := &fakeInvoker{fn: func(int, agent.Request) (*agent.Result, error) {
		return <-gate, nil
	}}
	m, st := newTestManager(t, inv)
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "pausable")
	seedTask(t, st, "out_1", "task_a", "Slow work")

	w, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	waitFor(t, "first agent call", func() bool { return inv.callCount() == 1 })

	// Pause lands mid-invocation; the driver honors it at the next
	// iteration boundary, after this call returns.
	if err := m.PauseWorker(ctx, w.ID); err != nil {
		t.Fatalf("PauseWorker failed: %v", err)
	}
	gate <- needsMoreResult("half done")

	waitFor(t, "worker to pause", func() bool {
		return workerStatus(t, st, w.ID) == types.WorkerPaused
	})
	task, err := st.GetTask(ctx, "task_a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != types.TaskPending || task.ClaimedBy != "" {
		t.Errorf("Paused claim should be released: %+v", task)
	}
	if task.Attempts != 1 {
		t.Errorf("Pause must not burn or refund the attempt, got %d", task.Attempts)
	}
	if m.Live(w.ID) {
		t.Error("Driver should be gone after pause")
	}

	if err := m.ResumeWorker(ctx, w.ID); err != nil {
		t.Fatalf("ResumeWorker failed: %v", err)
	}
	waitFor(t, "second agent call", func() bool { return inv.callCount() == 2 })
	gate <- doneResult("finished after resume")

	waitFor(t, "worker to complete", func() bool {
		return workerStatus(t, st, w.ID) == types.WorkerCompleted
	})
	task, _ = st.GetTask(ctx, "task_a")
	if task.Status != types.TaskCompleted {
		t.Errorf("Task status = %s after resume", task.Status)
	}
	if task.Attempts != 2 {
		t.Errorf("Attempts = %d", task.Attempts)
	}
}

func TestInterventionAndSteeringReachNextPrompt(t *testing.T) {
	gate := make(chan *agent.Result)
	inv := &fakeInvoker{fn: func(int, agent.Request) (*agent.Result, error) {
		return <-gate, nil
	}}
	m, st := newTestManager(t, inv)
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "steered")
	seedTask(t, st, "out_1", "task_a", "Listen closely")

	w, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	waitFor(t, "first agent call", func() bool { return inv.callCount() == 1 })

	if err := m.SendIntervention(ctx, w.ID, "stop refactoring, just fix the bug"); err != nil {
		t.Fatalf("SendIntervention failed: %v", err)
	}
	first := needsMoreResult("explored the code")
	first.Structured.NextSteps = []string{"add a regression test"}
	gate <- first

	waitFor(t, "second agent call", func() bool { return inv.callCount() == 2 })
	gate <- doneResult("did exactly that")

	waitFor(t, "worker to complete", func() bool {
		return workerStatus(t, st, w.ID) == types.WorkerCompleted
	})

	prompt := inv.request(1).Prompt
	if !strings.Contains(prompt, "stop refactoring, just fix the bug") {
		t.Error("Intervention missing from second prompt")
	}
	if !strings.Contains(prompt, "add a regression test") {
		t.Error("Steering missing from second prompt")
	}
	if !strings.Contains(prompt, "explored the code") {
		t.Error("Progress history missing from second prompt")
	}
}

func TestEscalationBlocksTaskAndIdlesOut(t *testing.T) {
	inv := &fakeInvoker{fn: func(int, agent.Request) (*agent.Result, error) {
		res := needsMoreResult("hit a fork")
		res.Structured.Escalation = &agent.EscalationSignal{
			Type:     "technical_decision",
			Question: "REST or gRPC for the internal API?",
			Options: []agent.OptionSignal{
				{ID: "opt_rest", Label: "REST", Confidence: 0.6},
			},
		}
		return res, nil
	}}
	m, st := newTestManager(t, inv)
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "blocked")
	seedTask(t, st, "out_1", "task_a", "Pick a transport")

	w, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}

	// The escalation pushes the task back to pending and blocks it from
	// claims, so the driver idles out and completes.
	waitFor(t, "worker to idle out", func() bool {
		return workerStatus(t, st, w.ID) == types.WorkerCompleted
	})

	if inv.callCount() != 1 {
		t.Errorf("Blocked task must not be re-invoked, got %d calls", inv.callCount())
	}
	task, _ := st.GetTask(ctx, "task_a")
	if task.Status != types.TaskPending {
		t.Errorf("Task status = %s", task.Status)
	}
	escs, err := st.ListEscalations(ctx, store.EscalationFilter{OutcomeID: "out_1", Status: types.EscalationPending})
	if err != nil {
		t.Fatalf("ListEscalations failed: %v", err)
	}
	if len(escs) != 1 {
		t.Fatalf("Expected 1 pending escalation, got %d", len(escs))
	}
	if escs[0].Trigger.TaskID != "task_a" {
		t.Errorf("Trigger task = %s", escs[0].Trigger.TaskID)
	}
}

func TestRateLimitBacksOffAndRetries(t *testing.T) {
	inv := &fakeInvoker{fn: func(call int, _ agent.Request) (*agent.Result, error) {
		if call == 1 {
			return nil, &agent.RateLimitError{RetryAfter: 5 * time.Millisecond}
		}
		return doneResult("made it through"), nil
	}}
	m, st := newTestManager(t, inv)
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "throttled")
	seedTask(t, st, "out_1", "task_a", "Patience required")

	w, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	waitFor(t, "worker to complete", func() bool {
		return workerStatus(t, st, w.ID) == types.WorkerCompleted
	})

	if inv.callCount() != 2 {
		t.Errorf("Expected retry after rate limit, got %d calls", inv.callCount())
	}
	task, _ := st.GetTask(ctx, "task_a")
	if task.Status != types.TaskCompleted || task.Attempts != 1 {
		t.Errorf("Rate limit must not burn the attempt: %+v", task)
	}

	entries, _ := st.ListProgress(ctx, w.ID, store.ProgressFilter{})
	if len(entries) != 1 {
		t.Errorf("Rate-limited call must not write progress, got %d entries", len(entries))
	}
}

func TestCompactionFoldsHistory(t *testing.T) {
	inv := &fakeInvoker{fn: func(call int, _ agent.Request) (*agent.Result, error) {
		if call < 5 {
			return needsMoreResult("step " + strings.Repeat("i", call)), nil
		}
		return doneResult("wrapped up"), nil
	}}
	m, st := newTestManager(t, inv)
	m.deps.Config.Worker.CompactionThreshold = 3
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "chatty")
	seedTask(t, st, "out_1", "task_a", "Many steps")

	w, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	waitFor(t, "worker to complete", func() bool {
		return workerStatus(t, st, w.ID) == types.WorkerCompleted
	})

	all, err := st.ListProgress(ctx, w.ID, store.ProgressFilter{IncludeCompacted: true})
	if err != nil {
		t.Fatalf("ListProgress failed: %v", err)
	}
	var compacted, summaries int
	for _, e := range all {
		if e.Compacted {
			compacted++
			if e.CompactedInto == 0 {
				t.Errorf("Compacted entry %d lacks compacted_into", e.ID)
			}
		}
		if strings.Contains(e.Content, "Earlier progress") {
			summaries++
		}
	}
	if compacted == 0 {
		t.Error("Expected some entries folded away")
	}
	if summaries == 0 {
		t.Error("Expected a summary entry")
	}

	live, _ := st.ListProgress(ctx, w.ID, store.ProgressFilter{})
	if len(live)+compacted != len(all) {
		t.Errorf("Live (%d) + compacted (%d) != all (%d)", len(live), compacted, len(all))
	}
}

func TestShutdownPausesDriversAndLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	gate := make(chan *agent.Result)
	inv := &fakeInvoker{fn: func(int, agent.Request) (*agent.Result, error) {
		return <-gate, nil
	}}

	clock := ids.NewFakeClockMillis(1000)
	st, err := store.Open(":memory:", clock)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	gen := ids.NewGenerator(clock)
	cfg := config.DefaultConfig()
	cfg.Worker.IdlePollInterval = "5ms"
	cfg.Worker.IterationDelay = "1ms"
	cfg.Server.ShutdownGrace = "500ms"
	m := NewManager(Deps{
		Config: cfg, Store: st, Scheduler: scheduler.New(st, clock, cfg),
		Observer: homr.NewObserver(st, gen), Invoker: inv, IDs: gen, Clock: clock,
	})

	ctx := context.Background()
	seedOutcome(t, st, "out_1", "first")
	seedOutcome(t, st, "out_2", "second")
	seedTask(t, st, "out_1", "task_a", "Work A")
	seedTask(t, st, "out_2", "task_b", "Work B")

	w1, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	w2, err := m.StartWorker(ctx, "out_2", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	waitFor(t, "both agents in flight", func() bool { return inv.callCount() == 2 })

	shutdownDone := make(chan struct{})
	go func() {
		m.Shutdown(ctx)
		close(shutdownDone)
	}()
	gate <- needsMoreResult("mid work")
	gate <- needsMoreResult("mid work")
	<-shutdownDone

	for _, id := range []string{w1.ID, w2.ID} {
		if got := workerStatus(t, st, id); got != types.WorkerPaused {
			t.Errorf("Worker %s status = %s after shutdown", id, got)
		}
	}
	if _, err := m.StartWorker(ctx, "out_1", StartOptions{}); !errors.Is(err, types.ErrConflict) {
		t.Errorf("Manager should refuse new workers after shutdown, got %v", err)
	}

	st.Close()
}
