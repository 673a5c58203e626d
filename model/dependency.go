package model

import "time"

// Condition determines when a dependency edge counts as satisfied.
type Condition string

const (
	// ConditionTaskCompleted requires the prerequisite to be completed.
	ConditionTaskCompleted Condition = "task_completed"
	// ConditionTaskStarted requires the prerequisite to have started.
	ConditionTaskStarted Condition = "task_started"
	// ConditionTaskFailed requires the prerequisite to have failed.
	ConditionTaskFailed Condition = "task_failed"
	// ConditionTimeDelay requires the prerequisite to be completed for at
	// least DelayMinutes.
	ConditionTimeDelay Condition = "time_delay"
	// ConditionCustom delegates to a registered predicate.
	ConditionCustom Condition = "custom"
)

// Edge is a directed dependency from a prerequisite (Source) to a dependent
// task (Target). Only blocking edges gate readiness and participate in cycle
// detection.
type Edge struct {
	ID       string    `json:"id" yaml:"id"`
	TenantID string    `json:"tenantId" yaml:"tenantId"`
	SourceID string    `json:"sourceId" yaml:"sourceId"`
	TargetID string    `json:"targetId" yaml:"targetId"`
	Cond     Condition `json:"condition" yaml:"condition"`

	// DelayMinutes applies to ConditionTimeDelay.
	DelayMinutes int `json:"delayMinutes,omitempty" yaml:"delayMinutes,omitempty"`

	// PredicateID and Params apply to ConditionCustom.
	PredicateID string            `json:"predicateId,omitempty" yaml:"predicateId,omitempty"`
	Params      map[string]string `json:"params,omitempty" yaml:"params,omitempty"`

	Blocking  bool      `json:"blocking" yaml:"blocking"`
	Weight    float64   `json:"weight" yaml:"weight"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
}

// Clone returns a deep copy.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	ret := *e
	if e.Params != nil {
		ret.Params = make(map[string]string, len(e.Params))
		for k, v := range e.Params {
			ret.Params[k] = v
		}
	}
	return &ret
}
