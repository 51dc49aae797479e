package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"doppel/internal/config"
	"doppel/internal/ids"
	"doppel/internal/oracle"
	"doppel/internal/similarity"
	"doppel/internal/store"
	"doppel/internal/types"
)

func newTestDispatcher(t *testing.T, orc oracle.Oracle) (*Dispatcher, *store.Store) {
	t.Helper()
	clock := ids.NewFakeClockMillis(1_000_000)
	st, err := store.Open(":memory:", clock)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	d := New(Deps{
		Config: config.DefaultConfig(),
		Store:  st,
		Scorer: similarity.NewTokenScorer(),
		Oracle: orc,
		IDs:    ids.NewGenerator(clock),
	})
	return d, st
}

func seedActiveOutcome(t *testing.T, st *store.Store, id, name, brief, intent string) {
	t.Helper()
	err := st.CreateOutcome(context.Background(), &types.Outcome{
		ID: id, Name: name, Brief: brief,
		Intent: types.Intent{Summary: intent},
	})
	if err != nil {
		t.Fatalf("Failed to create outcome: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Mode
	}{
		{"ShortQuestion", "How do I rotate the API key?", ModeQuick},
		{"InterrogativeNoMark", "what does the reclaim sweep actually do", ModeQuick},
		{"ResearchVerb", "Investigate why the nightly build is flaky", ModeResearch},
		{"ResearchQuestion", "Should we investigate the memory leak in the exporter?", ModeResearch},
		{"LongOpenQuestion", "What are all the ways our deployment pipeline could drop messages during a regional failover and how would we detect each one before users do?", ModeResearch},
		{"Imperative", "Add rate limiting to the public API endpoints", ModeDeep},
		{"TerseImperative", "fix login bug", ModeDeep},
		{"Acknowledgement", "thanks", ModeQuick},
		{"ShortPraise", "sounds good", ModeQuick},
		{"Statement", "the exporter drops spans under load and customers have noticed", ModeDeep},
		{"Benchmark", "Benchmark the two serializers under production load", ModeResearch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.input); got != tt.want {
				t.Errorf("classify(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestDispatchClarificationOnEmptyInput(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	res, err := d.Dispatch(context.Background(), Request{Input: "   "})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeClarification {
		t.Errorf("Type = %s, want clarification", res.Type)
	}
	if res.OutcomeID != "" || res.Response == "" {
		t.Errorf("Result = %+v", res)
	}
}

func TestDispatchRejectsUnknownHint(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	_, err := d.Dispatch(context.Background(), Request{Input: "do the thing", ModeHint: "turbo"})
	if !errors.Is(err, types.ErrInvalid) {
		t.Fatalf("Dispatch error = %v, want ErrInvalid", err)
	}
}

func TestDispatchMatchesExistingOutcome(t *testing.T) {
	d, st := newTestDispatcher(t, nil)
	ctx := context.Background()

	seedActiveOutcome(t, st, "out_dash", "Dashboard login fix",
		"dashboard login is broken", "fix the dashboard login")
	seedActiveOutcome(t, st, "out_tax", "Quarterly tax filing",
		"prepare the quarterly tax documents", "file taxes on time")

	res, err := d.Dispatch(ctx, Request{Input: "the dashboard login is broken"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeMatchFound {
		t.Fatalf("Type = %s, want match_found", res.Type)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("Matches = %+v, want only the dashboard outcome", res.Matches)
	}
	m := res.Matches[0]
	if m.OutcomeID != "out_dash" || m.Level != "medium" || m.Score <= 0.45 {
		t.Errorf("Match = %+v", m)
	}
	if res.OutcomeID != "" {
		t.Error("Match phase must not create an outcome")
	}

	// A restatement of a name with nothing else to dilute it scores high.
	seedActiveOutcome(t, st, "out_rotate", "Rotate the staging credentials", "", "")
	res, err = d.Dispatch(ctx, Request{Input: "Rotate the staging credentials"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeMatchFound || len(res.Matches) != 1 || res.Matches[0].Level != "high" {
		t.Fatalf("Result = %+v, want one high-level match", res)
	}

	// skip_matching pushes straight through to classification.
	res, err = d.Dispatch(ctx, Request{Input: "the dashboard login is broken", SkipMatching: true})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeDeep || res.OutcomeID == "" {
		t.Fatalf("Result = %+v, want a deep outcome", res)
	}
}

func TestDispatchIgnoresInactiveOutcomes(t *testing.T) {
	d, st := newTestDispatcher(t, nil)
	ctx := context.Background()

	seedActiveOutcome(t, st, "out_dash", "Dashboard login fix",
		"dashboard login is broken", "fix the dashboard login")
	if err := st.SetOutcomeStatus(ctx, "out_dash", types.OutcomeArchived); err != nil {
		t.Fatalf("SetOutcomeStatus failed: %v", err)
	}

	res, err := d.Dispatch(ctx, Request{Input: "the dashboard login is broken"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type == TypeMatchFound {
		t.Fatalf("Archived outcome matched: %+v", res.Matches)
	}
}

func TestDispatchQuickWithoutOracle(t *testing.T) {
	d, st := newTestDispatcher(t, nil)

	res, err := d.Dispatch(context.Background(), Request{Input: "thanks"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeQuick {
		t.Fatalf("Type = %s, want quick", res.Type)
	}
	if !strings.Contains(res.Response, "Noted") {
		t.Errorf("Response = %q, want the canned acknowledgement", res.Response)
	}

	outcomes, err := st.ListOutcomes(context.Background(), store.OutcomeFilter{})
	if err != nil {
		t.Fatalf("ListOutcomes failed: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("Quick reply created %d outcomes", len(outcomes))
	}
}

func TestDispatchQuickThroughOracle(t *testing.T) {
	var prompt string
	orc := oracle.Func(func(_ context.Context, p string) (*oracle.Completion, error) {
		prompt = p
		return &oracle.Completion{Text: "Rotate it from the settings page.\n", CostUSD: 0.004}, nil
	})
	d, _ := newTestDispatcher(t, orc)

	res, err := d.Dispatch(context.Background(), Request{Input: "How do I rotate the API key?"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeQuick {
		t.Fatalf("Type = %s, want quick", res.Type)
	}
	if res.Response != "Rotate it from the settings page." {
		t.Errorf("Response = %q", res.Response)
	}
	if res.CostUSD != 0.004 {
		t.Errorf("CostUSD = %v", res.CostUSD)
	}
	if !strings.Contains(prompt, "How do I rotate the API key?") {
		t.Errorf("Oracle prompt %q does not carry the input", prompt)
	}
}

func TestDispatchOracleFailureDegradesToCanned(t *testing.T) {
	orc := oracle.Func(func(context.Context, string) (*oracle.Completion, error) {
		return nil, errors.New("cli exploded")
	})
	d, _ := newTestDispatcher(t, orc)

	res, err := d.Dispatch(context.Background(), Request{Input: "thanks"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeQuick || res.Response == "" || res.CostUSD != 0 {
		t.Errorf("Result = %+v, want a costless canned reply", res)
	}
}

func TestDispatchCreatesResearchOutcome(t *testing.T) {
	d, st := newTestDispatcher(t, nil)
	ctx := context.Background()

	input := "Investigate why the nightly build is flaky"
	res, err := d.Dispatch(ctx, Request{Input: input})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeResearch || res.OutcomeID == "" {
		t.Fatalf("Result = %+v, want a research outcome", res)
	}

	o, err := st.GetOutcome(ctx, res.OutcomeID)
	if err != nil {
		t.Fatalf("GetOutcome failed: %v", err)
	}
	if o.Name != input || o.Brief != input || o.Intent.Summary != input {
		t.Errorf("Outcome = %+v", o)
	}

	tasks, err := st.ListTasks(ctx, res.OutcomeID, store.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	var capability, execution int
	for _, task := range tasks {
		switch task.Phase {
		case types.PhaseCapability:
			capability++
		case types.PhaseExecution:
			execution++
		}
		if !strings.Contains(task.Description, input) {
			t.Errorf("Task %q does not carry the goal", task.Title)
		}
	}
	if capability != 2 || execution != 1 {
		t.Errorf("Plan = %d capability + %d execution, want 2 + 1", capability, execution)
	}

	activity, err := st.ListActivity(ctx, res.OutcomeID, 0)
	if err != nil {
		t.Fatalf("ListActivity failed: %v", err)
	}
	found := false
	for _, a := range activity {
		if a.Kind == "outcome_created" {
			found = true
		}
	}
	if !found {
		t.Error("No outcome_created activity recorded")
	}
}

func TestDispatchCreatesDeepOutcomeWithChain(t *testing.T) {
	d, st := newTestDispatcher(t, nil)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, Request{Input: "Add rate limiting to the public API endpoints"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeDeep || res.OutcomeID == "" {
		t.Fatalf("Result = %+v, want a deep outcome", res)
	}

	tasks, err := st.ListTasks(ctx, res.OutcomeID, store.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("Plan has %d tasks, want 4", len(tasks))
	}

	byTitle := make(map[string]types.Task, len(tasks))
	for _, task := range tasks {
		byTitle[task.Title] = task
	}
	design := byTitle["Design the approach and record it"]
	impl := byTitle["Implement the plan"]
	verify := byTitle["Verify the result and close the gaps"]
	if len(impl.DependsOn) != 1 || impl.DependsOn[0] != design.ID {
		t.Errorf("Implement depends on %v, want the design task", impl.DependsOn)
	}
	if len(verify.DependsOn) != 1 || verify.DependsOn[0] != impl.ID {
		t.Errorf("Verify depends on %v, want the implement task", verify.DependsOn)
	}

	workers, err := st.ListWorkers(ctx, store.WorkerFilter{})
	if err != nil {
		t.Fatalf("ListWorkers failed: %v", err)
	}
	if len(workers) != 0 {
		t.Error("Dispatch started a worker")
	}
}

func TestDispatchOutcomeHintSeedsSingleTask(t *testing.T) {
	d, st := newTestDispatcher(t, nil)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, Request{Input: "fix login bug", ModeHint: "outcome"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeOutcome || res.OutcomeID == "" {
		t.Fatalf("Result = %+v, want an outcome", res)
	}

	tasks, err := st.ListTasks(ctx, res.OutcomeID, store.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Phase != types.PhaseExecution || tasks[0].Title != "fix login bug" {
		t.Errorf("Tasks = %+v, want one execution task named for the input", tasks)
	}
}

func TestDispatchHintOverridesClassifier(t *testing.T) {
	d, st := newTestDispatcher(t, nil)

	// An imperative that would classify deep stays quick when hinted.
	res, err := d.Dispatch(context.Background(), Request{Input: "Add rate limiting everywhere", ModeHint: "quick"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.Type != TypeQuick {
		t.Fatalf("Type = %s, want quick", res.Type)
	}
	outcomes, err := st.ListOutcomes(context.Background(), store.OutcomeFilter{})
	if err != nil {
		t.Fatalf("ListOutcomes failed: %v", err)
	}
	if len(outcomes) != 0 {
		t.Error("Hinted quick reply created an outcome")
	}
}

func TestDispatchParentLink(t *testing.T) {
	d, st := newTestDispatcher(t, nil)
	ctx := context.Background()

	seedActiveOutcome(t, st, "out_parent", "Platform hardening",
		"tighten the platform", "harden everything")

	res, err := d.Dispatch(ctx, Request{
		Input:        "Add rate limiting to the public API endpoints",
		SkipMatching: true,
		ParentID:     "out_parent",
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	child, err := st.GetOutcome(ctx, res.OutcomeID)
	if err != nil {
		t.Fatalf("GetOutcome failed: %v", err)
	}
	if child.ParentID != "out_parent" || child.Depth != 1 {
		t.Errorf("Child parent = %q depth = %d", child.ParentID, child.Depth)
	}

	_, err = d.Dispatch(ctx, Request{
		Input:        "Add caching to the public API endpoints",
		SkipMatching: true,
		ParentID:     "out_ghost",
	})
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Dispatch with missing parent error = %v, want ErrNotFound", err)
	}
}

func TestDeriveName(t *testing.T) {
	long := strings.Repeat("rate limiting ", 10)
	name := deriveName(long)
	if len(name) > 64 {
		t.Errorf("deriveName produced %d bytes", len(name))
	}
	if got := deriveName("  Ship   dark mode?  "); got != "Ship dark mode" {
		t.Errorf("deriveName = %q", got)
	}
}
