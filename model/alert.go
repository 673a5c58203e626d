package model

import "time"

// AlertType identifies the supervisor condition that raised an alert.
type AlertType string

const (
	AlertWorkflowStuck       AlertType = "workflow_stuck"
	AlertHighFailureRate     AlertType = "high_failure_rate"
	AlertTasksWaitingTooLong AlertType = "tasks_waiting_too_long"
	AlertTaskTimeout         AlertType = "task_timeout"
	AlertRetriesExhausted    AlertType = "retries_exhausted"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an advisory raised by the supervisor. Alerts never act on their
// own; they record a condition until it is independently corrected.
type Alert struct {
	ID       string    `json:"id" yaml:"id"`
	TenantID string    `json:"tenantId" yaml:"tenantId"`
	Type     AlertType `json:"type" yaml:"type"`
	Severity Severity  `json:"severity" yaml:"severity"`
	Message  string    `json:"message" yaml:"message"`

	// Subject is the entity the alert is about (task or workflow id); one
	// open alert per (Type, Subject) pair.
	Subject string            `json:"subject,omitempty" yaml:"subject,omitempty"`
	Details map[string]string `json:"details,omitempty" yaml:"details,omitempty"`

	CreatedAt  time.Time  `json:"createdAt" yaml:"createdAt"`
	Resolved   bool       `json:"resolved" yaml:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty" yaml:"resolvedAt,omitempty"`
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	ret := *a
	if a.Details != nil {
		ret.Details = make(map[string]string, len(a.Details))
		for k, v := range a.Details {
			ret.Details[k] = v
		}
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		ret.ResolvedAt = &t
	}
	return &ret
}
