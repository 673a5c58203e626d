package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/taskmesh/taskmesh/internal/clock"
	"github.com/taskmesh/taskmesh/internal/idgen"
	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/dao"
)

// OpenAlerts returns unresolved alerts ordered by creation time.
func (s *Service) OpenAlerts(ctx context.Context) ([]*model.Alert, error) {
	alerts, err := s.alerts.List(ctx,
		dao.NewParameter(dao.ParamTenantID, s.tenantID),
		dao.NewParameter(dao.ParamResolved, "false"))
	if err != nil {
		return nil, err
	}
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts, nil
}

// raiseAlert records an advisory condition. At most one open alert exists
// per (type, subject) pair; alerts never fail the cycle, errors are logged.
func (s *Service) raiseAlert(ctx context.Context, alertType model.AlertType, severity model.Severity, subject, message string, details map[string]string) {
	open, err := s.OpenAlerts(ctx)
	if err != nil {
		log.Printf("supervisor: failed to list alerts: %v", err)
		return
	}
	for _, alert := range open {
		if alert.Type == alertType && alert.Subject == subject {
			return
		}
	}
	alert := &model.Alert{
		ID:        idgen.New(),
		TenantID:  s.tenantID,
		Type:      alertType,
		Severity:  severity,
		Message:   message,
		Subject:   subject,
		Details:   details,
		CreatedAt: clock.Now(),
	}
	if err := s.alerts.Save(ctx, alert); err != nil {
		log.Printf("supervisor: failed to save %s alert for %s: %v", alertType, subject, err)
	}
}

// ReconcileAlerts resolves open alerts whose condition has been corrected
// and garbage-collects resolved alerts past the retention window.
func (s *Service) ReconcileAlerts(ctx context.Context) error {
	config := s.Configuration()
	now := clock.Now()

	open, err := s.OpenAlerts(ctx)
	if err != nil {
		return err
	}
	for _, alert := range open {
		corrected, err := s.conditionCorrected(ctx, config, alert)
		if err != nil {
			return err
		}
		if !corrected {
			continue
		}
		alert.Resolved = true
		resolvedAt := now
		alert.ResolvedAt = &resolvedAt
		if err := s.alerts.Save(ctx, alert); err != nil {
			return fmt.Errorf("failed to resolve alert %s: %w", alert.ID, err)
		}
	}

	resolved, err := s.alerts.List(ctx,
		dao.NewParameter(dao.ParamTenantID, s.tenantID),
		dao.NewParameter(dao.ParamResolved, "true"))
	if err != nil {
		return err
	}
	for _, alert := range resolved {
		if alert.ResolvedAt == nil || now.Sub(*alert.ResolvedAt) < config.AlertRetention {
			continue
		}
		if err := s.alerts.Delete(ctx, dao.NewKey(s.tenantID, alert.ID)); err != nil {
			return fmt.Errorf("failed to delete alert %s: %w", alert.ID, err)
		}
	}
	return nil
}

// conditionCorrected checks the alert's trigger against current state. A
// missing subject counts as corrected.
func (s *Service) conditionCorrected(ctx context.Context, config Config, alert *model.Alert) (bool, error) {
	switch alert.Type {
	case model.AlertWorkflowStuck, model.AlertHighFailureRate:
		status, err := s.workflows.GetWorkflowStatus(ctx, alert.Subject)
		if errors.Is(err, dao.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if status.State.IsTerminal() {
			return true, nil
		}
		if alert.Type == model.AlertWorkflowStuck {
			for _, node := range status.Nodes {
				switch node.Status {
				case model.StatusPending, model.StatusAssigned, model.StatusInProgress:
					return true, nil
				}
			}
			return false, nil
		}
		failed := 0
		for _, node := range status.Nodes {
			if node.Status == model.StatusFailed {
				failed++
			}
		}
		return len(status.Nodes) == 0 || float64(failed)/float64(len(status.Nodes)) <= config.HighFailureRate, nil

	case model.AlertTasksWaitingTooLong:
		task, err := s.tasks.GetTask(ctx, alert.Subject)
		if errors.Is(err, dao.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return task.Status != model.StatusPending, nil

	case model.AlertTaskTimeout:
		task, err := s.tasks.GetTask(ctx, alert.Subject)
		if errors.Is(err, dao.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return task.Status != model.StatusInProgress, nil

	case model.AlertRetriesExhausted:
		task, err := s.tasks.GetTask(ctx, alert.Subject)
		if errors.Is(err, dao.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		return task.Status != model.StatusFailed, nil
	}
	return false, nil
}
