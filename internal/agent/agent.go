// Package agent is the boundary to the external coding agent. The server
// never talks to a model API directly; it shells out to a CLI (Claude Code
// or compatible) and reads a structured result block back from stdout.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the agent's verdict on the task it was asked to advance.
type Status string

const (
	// StatusDone means the task is finished and the claim can be released.
	StatusDone Status = "done"
	// StatusNeedsMore means the task needs another iteration.
	StatusNeedsMore Status = "needs_more"
	// StatusFailed means this invocation produced no usable progress.
	StatusFailed Status = "failed"
)

// Request describes one agent invocation.
type Request struct {
	Prompt     string
	WorkingDir string
	Env        map[string]string
	// Timeout overrides the invoker default when > 0.
	Timeout time.Duration
}

// Result is what an invocation produced. RawOutput is always populated,
// even for failures, so nothing the agent said is ever lost.
type Result struct {
	Status    Status
	Summary   string
	RawOutput string
	CostUSD   float64
	Duration  time.Duration
	// Structured is nil when the agent emitted no parseable result block.
	Structured *Structured
}

// Invoker runs the external agent. Implementations must not hold locks
// across the invocation; a call can take minutes.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// Markers fencing the machine-readable block the agent appends to stdout.
// Only the last block counts; agents echo tool output that may contain
// earlier ones.
const (
	resultMarker = "###RESULT###"
	endMarker    = "###END###"
)

// Structured is the JSON payload between the result markers. Status is the
// only required field; everything else enriches the observation pipeline.
type Structured struct {
	Status      string            `json:"status"`
	Summary     string            `json:"summary,omitempty"`
	CostUSD     float64           `json:"cost_usd,omitempty"`
	OpenIssues  *int              `json:"open_issues,omitempty"`
	Discoveries []DiscoveryNote   `json:"discoveries,omitempty"`
	Concerns    []string          `json:"concerns,omitempty"`
	NextSteps   []string          `json:"next_steps,omitempty"`
	Escalation  *EscalationSignal `json:"escalation,omitempty"`
	Constraints []ConstraintNote  `json:"constraints,omitempty"`
	Injections  []InjectionNote   `json:"injections,omitempty"`
}

// DiscoveryNote is one fact the agent learned worth sharing forward.
type DiscoveryNote struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// EscalationSignal asks for a human decision before the affected work
// continues.
type EscalationSignal struct {
	Type     string         `json:"type"`
	Question string         `json:"question"`
	Context  string         `json:"context,omitempty"`
	Options  []OptionSignal `json:"options,omitempty"`
}

// OptionSignal is one selectable answer to an escalation.
type OptionSignal struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	Description  string  `json:"description,omitempty"`
	Implications string  `json:"implications,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// ConstraintNote is a standing rule the agent wants recorded.
type ConstraintNote struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason,omitempty"`
}

// InjectionNote is context the agent wants prepended to a later task.
type InjectionNote struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

// ErrNoResultBlock means stdout carried no fenced result payload.
var ErrNoResultBlock = errors.New("no result block in agent output")

// ParseStructured extracts and decodes the last fenced result block from
// raw agent output. Returns ErrNoResultBlock when the markers are absent
// and a wrapped decode error when the payload is not valid JSON.
func ParseStructured(raw string) (*Structured, error) {
	start := strings.LastIndex(raw, resultMarker)
	if start < 0 {
		return nil, ErrNoResultBlock
	}
	rest := raw[start+len(resultMarker):]
	end := strings.Index(rest, endMarker)
	if end < 0 {
		return nil, ErrNoResultBlock
	}

	payload := strings.TrimSpace(rest[:end])
	var s Structured
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, fmt.Errorf("malformed result block: %w", err)
	}
	return &s, nil
}

// statusFromString maps the agent's status field onto the closed set.
// Anything unrecognized counts as failed so a confused agent cannot mark
// work done by accident.
func statusFromString(s string) (Status, bool) {
	switch Status(s) {
	case StatusDone, StatusNeedsMore, StatusFailed:
		return Status(s), true
	}
	return StatusFailed, false
}

// FormatResultBlock renders a structured payload between the markers.
// Prompt builders use it to show the agent the exact shape expected back.
func FormatResultBlock(s *Structured) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result block: %w", err)
	}
	return resultMarker + "\n" + string(data) + "\n" + endMarker, nil
}

// truncate caps s at max bytes, marking the cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n...[truncated]"
}
