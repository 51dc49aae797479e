package types

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "idle"
	WorkerRunning   WorkerStatus = "running"
	WorkerPaused    WorkerStatus = "paused"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
)

// Valid reports whether s is a member of the closed status set.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerRunning, WorkerPaused, WorkerCompleted, WorkerFailed:
		return true
	}
	return false
}

// Terminal reports whether the worker can never run again under this row.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerCompleted || s == WorkerFailed
}

// Worker is a long-lived execution loop bound to one Outcome. A running
// worker must heartbeat within the configured timeout or the supervisor
// reclassifies it as failed and releases its claim.
type Worker struct {
	ID            string       `json:"id"`
	OutcomeID     string       `json:"outcome_id"`
	Name          string       `json:"name"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	Iteration     int          `json:"iteration"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	CostUSD       float64      `json:"cost_usd"`
	PID           int          `json:"pid,omitempty"`
	BranchName    string       `json:"branch_name,omitempty"`
	WorktreePath  string       `json:"worktree_path,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	UpdatedAt     int64        `json:"updated_at"`
}
