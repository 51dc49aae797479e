package types

// TaskStatus is the lifecycle state of a Task.
//
// pending -> claimed -> running -> completed | failed. A failed task with
// attempts remaining is reset to pending when its claim is released.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Valid reports whether s is a member of the closed status set.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskClaimed, TaskRunning, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskPhase partitions tasks into capability assembly and execution. All
// capability tasks of an outcome must complete before execution tasks become
// claimable.
type TaskPhase string

const (
	PhaseCapability TaskPhase = "capability"
	PhaseExecution  TaskPhase = "execution"
)

// ReleaseReason states why a claim is being released.
type ReleaseReason string

const (
	ReleaseCompleted ReleaseReason = "completed"
	ReleaseFailed    ReleaseReason = "failed"
	ReleaseReclaimed ReleaseReason = "reclaimed"
	ReleasePaused    ReleaseReason = "paused"
)

// Task is an atomic unit of work within an Outcome. Lower priority value and
// lower score sort first; DependsOn ids must belong to the same outcome and
// must never form a cycle.
type Task struct {
	ID          string     `json:"id"`
	OutcomeID   string     `json:"outcome_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority"`
	Score       float64    `json:"score"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
	ClaimedAt   int64      `json:"claimed_at,omitempty"`
	CompletedAt int64      `json:"completed_at,omitempty"`
	Phase       TaskPhase  `json:"phase"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	FromReview  bool       `json:"from_review,omitempty"`
	ReviewCycle int        `json:"review_cycle,omitempty"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// DefaultMaxAttempts applies when a task is created without an explicit cap.
const DefaultMaxAttempts = 3
