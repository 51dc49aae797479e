package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"doppel/internal/ids"
	"doppel/internal/types"
)

// newTestStore opens an in-memory store on a fake clock frozen at T=1000ms.
func newTestStore(t *testing.T) (*Store, *ids.FakeClock) {
	t.Helper()
	clock := ids.NewFakeClockMillis(1000)
	s, err := Open(":memory:", clock)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// makeOutcome inserts a minimal active outcome and returns its id.
func makeOutcome(t *testing.T, s *Store, id string) string {
	t.Helper()
	err := s.CreateOutcome(context.Background(), &types.Outcome{
		ID:    id,
		Name:  "Outcome " + id,
		Brief: "test outcome",
	})
	if err != nil {
		t.Fatalf("Failed to create outcome %s: %v", id, err)
	}
	return id
}

// makeTask inserts a pending execution task and returns its id.
func makeTask(t *testing.T, s *Store, outcomeID, id string, priority int, deps ...string) string {
	t.Helper()
	err := s.CreateTask(context.Background(), &types.Task{
		ID:        id,
		OutcomeID: outcomeID,
		Title:     "Task " + id,
		Priority:  priority,
		DependsOn: deps,
	})
	if err != nil {
		t.Fatalf("Failed to create task %s: %v", id, err)
	}
	return id
}

// makeWorker inserts an idle worker and returns its id.
func makeWorker(t *testing.T, s *Store, outcomeID, id string) string {
	t.Helper()
	err := s.CreateWorker(context.Background(), &types.Worker{
		ID:        id,
		OutcomeID: outcomeID,
		Name:      "worker-" + id,
	})
	if err != nil {
		t.Fatalf("Failed to create worker %s: %v", id, err)
	}
	return id
}

func TestOpenCreatesSchema(t *testing.T) {
	s, _ := newTestStore(t)

	// Every table the entity files query must exist.
	tables := []string{
		"outcomes", "tasks", "workers", "progress_entries", "discoveries",
		"decisions", "constraints", "injections", "observations",
		"escalations", "alerts", "jobs", "activity", "review_cycles",
	}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s missing: %v", table, err)
		}
	}

	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		t.Fatalf("Failed to read user_version: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("Expected schema version %d, got %d", CurrentSchemaVersion, version)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "doppel.db")

	s1, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	makeOutcome(t, s1, "out_1")
	s1.Close()

	// Reopening must run migrations as no-ops and keep existing rows.
	s2, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetOutcome(context.Background(), "out_1")
	if err != nil {
		t.Fatalf("Failed to read outcome after reopen: %v", err)
	}
	if got.Name != "Outcome out_1" {
		t.Errorf("Expected outcome to survive reopen, got name %q", got.Name)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	makeOutcome(t, s, "out_1")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreateTask(ctx, &types.Task{
			ID: "task_1", OutcomeID: "out_1", Title: "doomed",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected callback error, got %v", err)
	}

	if _, err := s.GetTask(ctx, "task_1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected rollback to discard task, got %v", err)
	}
}

func TestTimestampsComeFromClock(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	makeOutcome(t, s, "out_1")
	o, err := s.GetOutcome(ctx, "out_1")
	if err != nil {
		t.Fatalf("Failed to get outcome: %v", err)
	}
	if o.CreatedAt != 1000 {
		t.Errorf("Expected created_at 1000, got %d", o.CreatedAt)
	}

	clock.SetMillis(5000)
	if err := s.SetOutcomeStatus(ctx, "out_1", types.OutcomeDormant); err != nil {
		t.Fatalf("Failed to set status: %v", err)
	}
	o, _ = s.GetOutcome(ctx, "out_1")
	if o.UpdatedAt != 5000 {
		t.Errorf("Expected updated_at 5000, got %d", o.UpdatedAt)
	}
}

func TestMarshalJSONEmptyForms(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"Nil", nil, ""},
		{"EmptySlice", []string{}, ""},
		{"NilSlice", []string(nil), ""},
		{"EmptyMap", map[string]string{}, ""},
		{"Values", []string{"a", "b"}, `["a","b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := marshalJSON(tt.in); got != tt.want {
				t.Errorf("marshalJSON(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsBusy(t *testing.T) {
	if !isBusy(fmt.Errorf("wrapping: %w", errors.New("database is locked (5) (SQLITE_BUSY)"))) {
		t.Error("Expected locked error to read as busy")
	}
	if isBusy(errors.New("no such table: tasks")) {
		t.Error("Expected schema error not to read as busy")
	}
	if isBusy(nil) {
		t.Error("Expected nil not to read as busy")
	}
}
