package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"doppel/internal/agent"
	"doppel/internal/store"
	"doppel/internal/types"
)

// End-to-end flows across manager, scheduler, store, and observer. The agent
// is scripted; everything else is real.

func claimedTaskIDs(inv *fakeInvoker) []string {
	var out []string
	for i := 0; i < inv.callCount(); i++ {
		out = append(out, inv.request(i).Env["DOPPEL_TASK_ID"])
	}
	return out
}

func TestDrainOrderRespectsPriorityAndDependencies(t *testing.T) {
	inv := &fakeInvoker{}
	m, st := newTestManager(t, inv)
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "launch the API")

	// Created in an order that agrees with neither priority nor the
	// dependency chain, so the claim order proves the scheduler did the
	// sorting.
	for _, task := range []*types.Task{
		{ID: "task_docs", OutcomeID: "out_1", Title: "Write the docs", Priority: 8, Phase: types.PhaseExecution},
		{ID: "task_ship", OutcomeID: "out_1", Title: "Ship it", Priority: 5, Phase: types.PhaseExecution, DependsOn: []string{"task_build"}},
		{ID: "task_build", OutcomeID: "out_1", Title: "Build the binary", Priority: 1, Phase: types.PhaseExecution},
	} {
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("Failed to create task %s: %v", task.ID, err)
		}
	}

	w, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}

	// The worker drains the queue, then idles out on its own.
	waitFor(t, "worker to drain and idle out", func() bool {
		return workerStatus(t, st, w.ID) == types.WorkerCompleted
	})

	want := []string{"task_build", "task_ship", "task_docs"}
	got := claimedTaskIDs(inv)
	if len(got) != len(want) {
		t.Fatalf("Expected %d agent calls, got %d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Claim order = %v, want %v", got, want)
		}
	}

	for _, id := range want {
		task, err := st.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask %s failed: %v", id, err)
		}
		if task.Status != types.TaskCompleted || task.Attempts != 1 {
			t.Errorf("Task %s: status=%s attempts=%d", id, task.Status, task.Attempts)
		}
	}
}

func TestParallelWorkersNeverDoubleClaim(t *testing.T) {
	// A slow agent keeps both drivers in flight at once, so the claims
	// actually race.
	inv := &fakeInvoker{fn: func(int, agent.Request) (*agent.Result, error) {
		time.Sleep(2 * time.Millisecond)
		return doneResult("done"), nil
	}}
	m, st := newTestManager(t, inv)
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "big backlog")
	taskIDs := []string{"task_a", "task_b", "task_c", "task_d", "task_e"}
	for _, id := range taskIDs {
		seedTask(t, st, "out_1", id, "Chore "+id)
	}

	w1, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("First StartWorker failed: %v", err)
	}
	w2, err := m.StartWorker(ctx, "out_1", StartOptions{Parallel: true})
	if err != nil {
		t.Fatalf("Second StartWorker failed: %v", err)
	}

	waitFor(t, "both workers to drain and idle out", func() bool {
		return workerStatus(t, st, w1.ID) == types.WorkerCompleted &&
			workerStatus(t, st, w2.ID) == types.WorkerCompleted
	})

	if inv.callCount() != len(taskIDs) {
		t.Errorf("Expected each task invoked exactly once, got %d calls for %d tasks",
			inv.callCount(), len(taskIDs))
	}
	seen := make(map[string]int)
	for _, id := range claimedTaskIDs(inv) {
		seen[id]++
	}
	for _, id := range taskIDs {
		if seen[id] != 1 {
			t.Errorf("Task %s invoked %d times", id, seen[id])
		}
		task, err := st.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask %s failed: %v", id, err)
		}
		if task.Status != types.TaskCompleted || task.Attempts != 1 {
			t.Errorf("Task %s: status=%s attempts=%d", id, task.Status, task.Attempts)
		}
	}
}

func TestEscalationAnswerUnblocksAndWorkCompletes(t *testing.T) {
	inv := &fakeInvoker{fn: func(call int, _ agent.Request) (*agent.Result, error) {
		if call == 1 {
			res := needsMoreResult("two viable transports")
			res.Structured.Escalation = &agent.EscalationSignal{
				Type:     "technical_decision",
				Question: "REST or gRPC for the internal API?",
				Options: []agent.OptionSignal{
					{ID: "opt_rest", Label: "REST", Confidence: 0.6},
					{ID: "opt_grpc", Label: "gRPC", Confidence: 0.4},
				},
			}
			return res, nil
		}
		return doneResult("shipped the chosen transport"), nil
	}}
	m, st := newTestManager(t, inv)
	ctx := context.Background()

	seedOutcome(t, st, "out_1", "internal API")
	seedTask(t, st, "out_1", "task_transport", "Pick and wire a transport")

	w1, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("StartWorker failed: %v", err)
	}
	waitFor(t, "first worker to idle out against the block", func() bool {
		return workerStatus(t, st, w1.ID) == types.WorkerCompleted
	})
	if inv.callCount() != 1 {
		t.Fatalf("Blocked task must not be re-invoked, got %d calls", inv.callCount())
	}

	escs, err := st.ListEscalations(ctx, store.EscalationFilter{OutcomeID: "out_1", Status: types.EscalationPending})
	if err != nil {
		t.Fatalf("ListEscalations failed: %v", err)
	}
	if len(escs) != 1 {
		t.Fatalf("Expected 1 pending escalation, got %d", len(escs))
	}

	answered, err := m.deps.Observer.Answer(ctx, escs[0].ID, types.Answer{
		SelectedOption:    "opt_rest",
		AdditionalContext: "keep it boring",
	}, "user")
	if err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	if answered.Status != types.EscalationAnswered {
		t.Fatalf("Escalation status = %s", answered.Status)
	}

	// With the block gone a fresh worker picks the task straight up.
	w2, err := m.StartWorker(ctx, "out_1", StartOptions{})
	if err != nil {
		t.Fatalf("Second StartWorker failed: %v", err)
	}
	waitFor(t, "second worker to finish the task", func() bool {
		return workerStatus(t, st, w2.ID) == types.WorkerCompleted
	})

	task, err := st.GetTask(ctx, "task_transport")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != types.TaskCompleted {
		t.Errorf("Task status = %s", task.Status)
	}

	if inv.callCount() != 2 {
		t.Fatalf("Expected 2 agent calls, got %d", inv.callCount())
	}
	prompt := inv.request(1).Prompt
	if !strings.Contains(prompt, "Decisions already made") {
		t.Error("Second prompt missing the decisions section")
	}
	if !strings.Contains(prompt, "REST or gRPC for the internal API?") || !strings.Contains(prompt, "REST") {
		t.Error("Second prompt missing the recorded decision")
	}
}
