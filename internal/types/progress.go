package types

// ProgressEntry is an append-only record of one worker iteration. Ids are
// assigned by the store and are strictly increasing per process, so entries
// for a worker replay in the order they were written.
type ProgressEntry struct {
	ID            int64  `json:"id"`
	OutcomeID     string `json:"outcome_id"`
	WorkerID      string `json:"worker_id"`
	Iteration     int    `json:"iteration"`
	TaskID        string `json:"task_id,omitempty"`
	Content       string `json:"content"`
	FullOutput    string `json:"full_output,omitempty"`
	Compacted     bool   `json:"compacted"`
	CompactedInto int64  `json:"compacted_into,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// ActivityEntry is the human-readable audit trail for an outcome. Every
// state change that a user might ask "why" about lands here.
type ActivityEntry struct {
	ID        int64  `json:"id"`
	OutcomeID string `json:"outcome_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
}

// ReviewCycle records the open-issue count reported by one review pass.
// The convergence evaluator slides a window over these.
type ReviewCycle struct {
	ID         int64  `json:"id"`
	OutcomeID  string `json:"outcome_id"`
	Cycle      int    `json:"cycle"`
	OpenIssues int    `json:"open_issues"`
	CreatedAt  int64  `json:"created_at"`
}
