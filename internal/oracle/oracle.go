// Package oracle is the small-completion side channel: one prompt in, one
// text answer out. It backs progress compaction, quick dispatch replies,
// and retro proposal wording. Task execution never goes through here; that
// is the agent package's job.
package oracle

import (
	"context"
	"os/exec"
)

// Completion is one oracle answer.
type Completion struct {
	Text    string
	CostUSD float64
}

// Oracle produces completions. Implementations must be safe for concurrent
// use; workers and jobs share one instance.
type Oracle interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
}

// Func adapts a plain function to the Oracle interface. Tests use it to
// script answers.
type Func func(ctx context.Context, prompt string) (*Completion, error)

// Complete implements Oracle.
func (f Func) Complete(ctx context.Context, prompt string) (*Completion, error) {
	return f(ctx, prompt)
}

// Available reports whether the named CLI can be found on PATH. Boot skips
// wiring the oracle when it cannot, leaving every caller on its fallback.
func Available(command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}
