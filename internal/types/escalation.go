package types

// EscalationStatus is the lifecycle state of an Escalation.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationAnswered  EscalationStatus = "answered"
	EscalationDismissed EscalationStatus = "dismissed"
)

// TriggerType is the closed set of ambiguity classes that justify blocking
// work on a human question.
type TriggerType string

const (
	TriggerUnclearRequirement TriggerType = "unclear_requirement"
	TriggerConflictingInfo    TriggerType = "conflicting_info"
	TriggerMissingContext     TriggerType = "missing_context"
	TriggerScopeAmbiguity     TriggerType = "scope_ambiguity"
	TriggerTechnicalDecision  TriggerType = "technical_decision"
	TriggerPriorityConflict   TriggerType = "priority_conflict"
	TriggerDependencyUnclear  TriggerType = "dependency_unclear"
	TriggerSuccessCriteria    TriggerType = "success_criteria"
)

// Valid reports whether t is a member of the closed trigger set.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerUnclearRequirement, TriggerConflictingInfo, TriggerMissingContext,
		TriggerScopeAmbiguity, TriggerTechnicalDecision, TriggerPriorityConflict,
		TriggerDependencyUnclear, TriggerSuccessCriteria:
		return true
	}
	return false
}

// Trigger describes what raised the escalation and the evidence behind it.
type Trigger struct {
	Type     TriggerType `json:"type"`
	TaskID   string      `json:"task_id,omitempty"`
	Evidence []string    `json:"evidence,omitempty"`
}

// EscalationOption is one selectable answer. Confidence is the raiser's
// estimate that this option is correct, used by auto-resolve.
type EscalationOption struct {
	ID           string  `json:"id"`
	Label        string  `json:"label"`
	Description  string  `json:"description,omitempty"`
	Implications string  `json:"implications,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// Question is what the user is asked.
type Question struct {
	Text    string             `json:"text"`
	Context string             `json:"context,omitempty"`
	Options []EscalationOption `json:"options,omitempty"`
}

// Answer records the user's (or auto-resolver's) choice.
type Answer struct {
	SelectedOption    string `json:"selected_option"`
	AdditionalContext string `json:"additional_context,omitempty"`
	AnsweredAt        int64  `json:"answered_at"`
}

// Escalation is a user-blocking question. While pending, every task in
// AffectedTasks is unclaimable.
type Escalation struct {
	ID            string           `json:"id"`
	OutcomeID     string           `json:"outcome_id"`
	Status        EscalationStatus `json:"status"`
	Trigger       Trigger          `json:"trigger"`
	Question      Question         `json:"question"`
	Answer        *Answer          `json:"answer,omitempty"`
	AffectedTasks []string         `json:"affected_tasks"`
	CreatedAt     int64            `json:"created_at"`
}
