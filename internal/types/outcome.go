package types

import "encoding/json"

// OutcomeStatus is the lifecycle state of an Outcome.
type OutcomeStatus string

const (
	OutcomeActive   OutcomeStatus = "active"
	OutcomeDormant  OutcomeStatus = "dormant"
	OutcomeAchieved OutcomeStatus = "achieved"
	OutcomeArchived OutcomeStatus = "archived"
)

// Valid reports whether s is a member of the closed status set.
func (s OutcomeStatus) Valid() bool {
	switch s {
	case OutcomeActive, OutcomeDormant, OutcomeAchieved, OutcomeArchived:
		return true
	}
	return false
}

// CapabilityState gates execution-phase tasks behind capability-phase work.
type CapabilityState int

const (
	CapabilityNotStarted CapabilityState = 0
	CapabilityInProgress CapabilityState = 1
	CapabilityComplete   CapabilityState = 2
)

// Intent is the structured expression of what the user wants.
type Intent struct {
	Summary         string   `json:"summary"`
	Items           []string `json:"items,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

// DesignDoc carries the current approach text. Version increments on every
// revision so workers can detect a stale prompt basis.
type DesignDoc struct {
	Approach string `json:"approach"`
	Version  int    `json:"version"`
}

// Outcome is a user-scoped unit of desired work: intent, approach, and a task
// plan, driven toward convergence by workers.
type Outcome struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Brief           string          `json:"brief"`
	Intent          Intent          `json:"intent"`
	DesignDoc       DesignDoc       `json:"design_doc"`
	Status          OutcomeStatus   `json:"status"`
	CapabilityReady CapabilityState `json:"capability_ready"`
	ParentID        string          `json:"parent_id,omitempty"`
	Depth           int             `json:"depth"`
	IsOngoing       bool            `json:"is_ongoing"`
	AutoResolve     bool            `json:"auto_resolve"`
	CostCapUSD      float64         `json:"cost_cap_usd,omitempty"`

	// GitConfig and SaveTarget are opaque to the core; they are passed
	// through to workers unmodified.
	GitConfig  json.RawMessage `json:"git_config,omitempty"`
	SaveTarget json.RawMessage `json:"save_target,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// GitSettings is the subset of GitConfig the worker manager understands.
// Unknown fields are preserved for the agent environment.
type GitSettings struct {
	UseWorktree bool   `json:"use_worktree,omitempty"`
	BaseBranch  string `json:"base_branch,omitempty"`
	RepoPath    string `json:"repo_path,omitempty"`
}
