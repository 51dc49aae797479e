package types

// DiscoveryType classifies what a worker learned mid-task.
type DiscoveryType string

const (
	DiscoveryPattern    DiscoveryType = "pattern"
	DiscoveryConstraint DiscoveryType = "constraint"
	DiscoveryInsight    DiscoveryType = "insight"
	DiscoveryBlocker    DiscoveryType = "blocker"
)

// Valid reports whether t is a member of the closed type set.
func (t DiscoveryType) Valid() bool {
	switch t {
	case DiscoveryPattern, DiscoveryConstraint, DiscoveryInsight, DiscoveryBlocker:
		return true
	}
	return false
}

// Discovery is a fact extracted from worker output and shared with every
// later iteration on the same outcome.
type Discovery struct {
	ID           int64         `json:"id"`
	OutcomeID    string        `json:"outcome_id"`
	Type         DiscoveryType `json:"type"`
	Content      string        `json:"content"`
	SourceTaskID string        `json:"source_task_id,omitempty"`
	CreatedAt    int64         `json:"created_at"`
}

// Decision records a resolved question: who decided, in what context, and
// which areas it binds.
type Decision struct {
	ID            string   `json:"id"`
	OutcomeID     string   `json:"outcome_id"`
	Content       string   `json:"content"`
	MadeBy        string   `json:"made_by"`
	Context       string   `json:"context,omitempty"`
	AffectedAreas []string `json:"affected_areas,omitempty"`
	MadeAt        int64    `json:"made_at"`
}

// Constraint is a standing rule workers must honor for this outcome.
type Constraint struct {
	ID        int64  `json:"id"`
	OutcomeID string `json:"outcome_id"`
	Rule      string `json:"rule"`
	Reason    string `json:"reason,omitempty"`
	AddedAt   int64  `json:"added_at"`
}

// ContextInjection is text prepended into the prompt of one downstream task.
type ContextInjection struct {
	ID         int64  `json:"id"`
	OutcomeID  string `json:"outcome_id"`
	TaskID     string `json:"task_id"`
	Content    string `json:"content"`
	InjectedAt int64  `json:"injected_at"`
}

// ObservationRecord captures the concerns and next steps noted for one
// iteration's output.
type ObservationRecord struct {
	ID        int64    `json:"id"`
	OutcomeID string   `json:"outcome_id"`
	TaskID    string   `json:"task_id,omitempty"`
	WorkerID  string   `json:"worker_id,omitempty"`
	Concerns  []string `json:"concerns,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// OutcomeContext is the aggregate read view of an outcome's context store.
// The underlying lists are append-only; nothing here is ever mutated in
// place.
type OutcomeContext struct {
	Discoveries []Discovery        `json:"discoveries"`
	Decisions   []Decision         `json:"decisions"`
	Constraints []Constraint       `json:"constraints"`
	Injections  []ContextInjection `json:"injections"`
}
