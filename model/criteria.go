package model

import "time"

// Sortable task fields accepted by SearchCriteria.SortBy.
const (
	SortByCreatedAt = "createdAt"
	SortByUpdatedAt = "updatedAt"
	SortByPriority  = "priority"
	SortByTitle     = "title"
)

// SearchCriteria filters and pages task searches. Zero values mean "no
// filter"; Limit<=0 means no pagination.
type SearchCriteria struct {
	Statuses   []Status   `json:"statuses,omitempty" yaml:"statuses,omitempty"`
	Priorities []Priority `json:"priorities,omitempty" yaml:"priorities,omitempty"`
	Role       Role       `json:"role,omitempty" yaml:"role,omitempty"`
	ExpertID   string     `json:"expertId,omitempty" yaml:"expertId,omitempty"`
	Platform   string     `json:"platform,omitempty" yaml:"platform,omitempty"`

	// Query is matched case-insensitively against title, description and
	// goal.
	Query string `json:"query,omitempty" yaml:"query,omitempty"`

	CreatedAfter  *time.Time `json:"createdAfter,omitempty" yaml:"createdAfter,omitempty"`
	CreatedBefore *time.Time `json:"createdBefore,omitempty" yaml:"createdBefore,omitempty"`

	SortBy   string `json:"sortBy,omitempty" yaml:"sortBy,omitempty"`
	SortDesc bool   `json:"sortDesc,omitempty" yaml:"sortDesc,omitempty"`
	Offset   int    `json:"offset,omitempty" yaml:"offset,omitempty"`
	Limit    int    `json:"limit,omitempty" yaml:"limit,omitempty"`
}
