package model

// Metadata is the open-extension structure attached to every task. The
// well-known fields are typed so that dependency predicates and the scheduler
// do not have to fish values out of an untyped map; anything else goes into
// Extra.
type Metadata struct {
	// RequiredSkills feeds the scheduler's specialization match.
	RequiredSkills []string `json:"requiredSkills,omitempty" yaml:"requiredSkills,omitempty"`

	// WorkflowID links a task back to the workflow node that created it.
	WorkflowID string `json:"workflowId,omitempty" yaml:"workflowId,omitempty"`

	// TriggerType records what produced the task, e.g. "workflow",
	// "replanning" or "manual".
	TriggerType string `json:"triggerType,omitempty" yaml:"triggerType,omitempty"`

	// Platform is a free-form routing hint used by search filters.
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty"`

	Extra map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	ret := m
	ret.RequiredSkills = append([]string(nil), m.RequiredSkills...)
	if m.Extra != nil {
		ret.Extra = make(map[string]string, len(m.Extra))
		for k, v := range m.Extra {
			ret.Extra[k] = v
		}
	}
	return ret
}
