package types

// AlertType classifies supervisor findings.
type AlertType string

const (
	AlertStuckWorker     AlertType = "stuck_worker"
	AlertCostOverrun     AlertType = "cost_overrun"
	AlertIterationLoop   AlertType = "iteration_loop"
	AlertRepeatedFailure AlertType = "repeated_failure"
	AlertNoProgress      AlertType = "no_progress"
)

// AlertSeverity ranks how urgently a human should look.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertTargetKind names the entity kind an alert points at.
type AlertTargetKind string

const (
	TargetWorker  AlertTargetKind = "worker"
	TargetOutcome AlertTargetKind = "outcome"
	TargetTask    AlertTargetKind = "task"
)

// Alert is a supervisor-raised condition. It stays active until the
// condition clears on a later sweep or the user dismisses it.
type Alert struct {
	ID         string          `json:"id"`
	Type       AlertType       `json:"type"`
	Severity   AlertSeverity   `json:"severity"`
	TargetKind AlertTargetKind `json:"target_kind"`
	TargetID   string          `json:"target_id"`
	Message    string          `json:"message"`
	Active     bool            `json:"active"`
	CreatedAt  int64           `json:"created_at"`
	ResolvedAt int64           `json:"resolved_at,omitempty"`
}
