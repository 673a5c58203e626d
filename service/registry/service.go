// Package registry manages the pool of capacity-bounded expert instances of
// a single tenant. Capacity counters are owned here but mutated only as part
// of task-store transitions; the supervisor drives elastic scaling through
// EnsureCapacity.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/taskmesh/taskmesh/internal/clock"
	"github.com/taskmesh/taskmesh/internal/idgen"
	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/dao"
)

var (
	// ErrHasActiveWork is returned when removing an expert that still holds
	// assigned tasks.
	ErrHasActiveWork = errors.New("registry: expert has active work")

	// ErrCapacityExceeded is returned when a load adjustment would violate
	// 0 <= current <= max.
	ErrCapacityExceeded = errors.New("registry: capacity exceeded")
)

// Config represents registry configuration.
type Config struct {
	// DefaultMaxConcurrent applies when RegisterExpert receives no explicit
	// capacity.
	DefaultMaxConcurrent int `json:"defaultMaxConcurrent" yaml:"defaultMaxConcurrent"`

	// MaxInstancesPerRole bounds supervisor-driven scaling.
	MaxInstancesPerRole int `json:"maxInstancesPerRole" yaml:"maxInstancesPerRole"`

	// LeaderRole is the singleton role that scaling never touches.
	LeaderRole model.Role `json:"leaderRole" yaml:"leaderRole"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		DefaultMaxConcurrent: 3,
		MaxInstancesPerRole:  10,
		LeaderRole:           model.RolePlanner,
	}
}

// Service is the expert registry of a single tenant.
type Service struct {
	tenantID string
	config   Config
	experts  dao.Service[dao.Key, model.Expert]
	mux      sync.Mutex
}

// New creates a registry backed by the supplied expert store.
func New(tenantID string, experts dao.Service[dao.Key, model.Expert], config Config) *Service {
	return &Service{tenantID: tenantID, config: config, experts: experts}
}

// RegisterExpert adds a new expert instance to the pool.
func (s *Service) RegisterExpert(ctx context.Context, role model.Role, name string, maxConcurrent int, specializations []string) (*model.Expert, error) {
	if role == "" {
		return nil, fmt.Errorf("expert role is required")
	}
	if name == "" {
		return nil, fmt.Errorf("expert name is required")
	}
	if maxConcurrent <= 0 {
		maxConcurrent = s.config.DefaultMaxConcurrent
	}
	now := clock.Now()
	expert := &model.Expert{
		ID:              idgen.New(),
		TenantID:        s.tenantID,
		Role:            role,
		Name:            name,
		Status:          model.ExpertActive,
		MaxConcurrent:   maxConcurrent,
		Specializations: append([]string(nil), specializations...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.experts.Save(ctx, expert); err != nil {
		return nil, err
	}
	return expert, nil
}

// GetExpert returns the expert or dao.ErrNotFound.
func (s *Service) GetExpert(ctx context.Context, id string) (*model.Expert, error) {
	return s.experts.Load(ctx, dao.NewKey(s.tenantID, id))
}

// ListExperts returns all experts of the tenant, optionally filtered by
// role, sorted by id for deterministic iteration.
func (s *Service) ListExperts(ctx context.Context, roles ...model.Role) ([]*model.Expert, error) {
	parameters := []*dao.Parameter{dao.NewParameter(dao.ParamTenantID, s.tenantID)}
	if len(roles) > 0 {
		values := make([]string, 0, len(roles))
		for _, role := range roles {
			values = append(values, string(role))
		}
		parameters = append(parameters, dao.NewParameter(dao.ParamRole, values...))
	}
	experts, err := s.experts.List(ctx, parameters...)
	if err != nil {
		return nil, err
	}
	sort.Slice(experts, func(i, j int) bool { return experts[i].ID < experts[j].ID })
	return experts, nil
}

// RemoveExpert deletes an idle expert; experts with active work cannot be
// removed.
func (s *Service) RemoveExpert(ctx context.Context, id string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	expert, err := s.GetExpert(ctx, id)
	if err != nil {
		return err
	}
	if expert.CurrentCount > 0 {
		return fmt.Errorf("cannot remove expert %s: %w", id, ErrHasActiveWork)
	}
	return s.experts.Delete(ctx, dao.NewKey(s.tenantID, id))
}

// AdjustLoad shifts an expert's current task count by delta. It exists for
// task-store transition bookkeeping only; capacity never changes outside a
// task transition.
func (s *Service) AdjustLoad(ctx context.Context, id string, delta int) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	expert, err := s.GetExpert(ctx, id)
	if err != nil {
		return err
	}
	next := expert.CurrentCount + delta
	if next < 0 || next > expert.MaxConcurrent {
		return fmt.Errorf("expert %s load %d+%d: %w", id, expert.CurrentCount, delta, ErrCapacityExceeded)
	}
	expert.CurrentCount = next
	expert.UpdatedAt = clock.Now()
	return s.experts.Save(ctx, expert)
}

// RecordOutcome folds a finished task into the expert's rolling performance.
// Quality is optional; when present it contributes to the average quality
// score.
func (s *Service) RecordOutcome(ctx context.Context, id string, completed bool, quality *float64) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	expert, err := s.GetExpert(ctx, id)
	if err != nil {
		return err
	}
	if completed {
		expert.Performance.Completed++
	} else {
		expert.Performance.Failed++
	}
	if quality != nil {
		expert.Performance.QualitySum += *quality
		expert.Performance.QualityCount++
	}
	expert.UpdatedAt = clock.Now()
	return s.experts.Save(ctx, expert)
}

// EnsureCapacity scales the pool of the given role up to desired instances,
// bounded by MaxInstancesPerRole. The leader role is a singleton and never
// scaled. Returns the number of instances added.
func (s *Service) EnsureCapacity(ctx context.Context, role model.Role, desired int) (int, error) {
	if role == s.config.LeaderRole {
		return 0, nil
	}
	if desired > s.config.MaxInstancesPerRole {
		desired = s.config.MaxInstancesPerRole
	}
	existing, err := s.ListExperts(ctx, role)
	if err != nil {
		return 0, err
	}
	added := 0
	for i := len(existing); i < desired; i++ {
		name := fmt.Sprintf("%s-%d", role, i+1)
		if _, err := s.RegisterExpert(ctx, role, name, s.config.DefaultMaxConcurrent, nil); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Utilization returns current load per expert id in [0,1].
func (s *Service) Utilization(ctx context.Context) (map[string]float64, error) {
	experts, err := s.ListExperts(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(experts))
	for _, expert := range experts {
		out[expert.ID] = expert.Load()
	}
	return out, nil
}
