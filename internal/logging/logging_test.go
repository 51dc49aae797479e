package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGetBeforeInitIsNoOp(t *testing.T) {
	// Must not panic and must be usable.
	Get(CategoryStore).Info("ignored")
}

func TestInitRoutesCategories(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Init(zap.New(core))
	defer Init(nil)

	Get(CategoryScheduler).Info("claimed")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].LoggerName != "scheduler" {
		t.Errorf("expected logger name %q, got %q", "scheduler", entries[0].LoggerName)
	}
}

func TestInitNilResetsToNoOp(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Init(zap.New(core))
	Init(nil)

	Get(CategoryWorker).Info("dropped")
	if n := logs.Len(); n != 0 {
		t.Fatalf("expected no entries after reset, got %d", n)
	}
}
