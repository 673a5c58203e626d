package model

import "time"

// ExpertStatus represents the availability of an expert instance.
type ExpertStatus string

const (
	ExpertActive  ExpertStatus = "active"
	ExpertOffline ExpertStatus = "offline"
)

// Performance accumulates rolling outcome metrics for an expert instance.
type Performance struct {
	Completed    int     `json:"completed" yaml:"completed"`
	Failed       int     `json:"failed" yaml:"failed"`
	QualitySum   float64 `json:"qualitySum" yaml:"qualitySum"`
	QualityCount int     `json:"qualityCount" yaml:"qualityCount"`
}

// Total returns the number of finished tasks.
func (p Performance) Total() int { return p.Completed + p.Failed }

// CompletionRate returns completed/total, or 0 with no history.
func (p Performance) CompletionRate() float64 {
	total := p.Total()
	if total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(total)
}

// AvgQuality returns the mean recorded quality score, or 0 with no samples.
func (p Performance) AvgQuality() float64 {
	if p.QualityCount == 0 {
		return 0
	}
	return p.QualitySum / float64(p.QualityCount)
}

// Expert is a capacity-bounded worker instance of a single role.
type Expert struct {
	ID       string       `json:"id" yaml:"id"`
	TenantID string       `json:"tenantId" yaml:"tenantId"`
	Role     Role         `json:"role" yaml:"role"`
	Name     string       `json:"name" yaml:"name"`
	Status   ExpertStatus `json:"status" yaml:"status"`

	// Capacity invariant: 0 <= CurrentCount <= MaxConcurrent.
	MaxConcurrent int `json:"maxConcurrent" yaml:"maxConcurrent"`
	CurrentCount  int `json:"currentCount" yaml:"currentCount"`

	Specializations []string    `json:"specializations,omitempty" yaml:"specializations,omitempty"`
	Performance     Performance `json:"performance" yaml:"performance"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Load returns current utilization in [0,1].
func (e *Expert) Load() float64 {
	if e.MaxConcurrent <= 0 {
		return 1
	}
	return float64(e.CurrentCount) / float64(e.MaxConcurrent)
}

// HasCapacity reports whether the expert can accept another task.
func (e *Expert) HasCapacity() bool {
	return e.CurrentCount < e.MaxConcurrent
}

// Clone returns a deep copy.
func (e *Expert) Clone() *Expert {
	if e == nil {
		return nil
	}
	ret := *e
	ret.Specializations = append([]string(nil), e.Specializations...)
	return &ret
}
