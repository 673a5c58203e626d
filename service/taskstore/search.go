package taskstore

import (
	"context"
	"sort"
	"strings"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/service/dao"
)

// SearchTasks filters, sorts and pages the tenant's tasks. The returned total
// is the match count before pagination.
func (s *Service) SearchTasks(ctx context.Context, criteria *model.SearchCriteria) ([]*model.Task, int, error) {
	if criteria == nil {
		criteria = &model.SearchCriteria{}
	}
	tasks, err := s.tasks.List(ctx, dao.NewParameter(dao.ParamTenantID, s.tenantID))
	if err != nil {
		return nil, 0, err
	}

	var matched []*model.Task
	for _, task := range tasks {
		if matchesCriteria(task, criteria) {
			matched = append(matched, task)
		}
	}
	sortTasks(matched, criteria)
	total := len(matched)

	if criteria.Offset > 0 {
		if criteria.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[criteria.Offset:]
		}
	}
	if criteria.Limit > 0 && len(matched) > criteria.Limit {
		matched = matched[:criteria.Limit]
	}
	return matched, total, nil
}

func matchesCriteria(task *model.Task, criteria *model.SearchCriteria) bool {
	if len(criteria.Statuses) > 0 && !containsStatus(criteria.Statuses, task.Status) {
		return false
	}
	if len(criteria.Priorities) > 0 && !containsPriority(criteria.Priorities, task.Priority) {
		return false
	}
	if criteria.Role != "" && task.Role != criteria.Role {
		return false
	}
	if criteria.ExpertID != "" {
		if task.Assignment == nil || task.Assignment.ExpertID != criteria.ExpertID {
			return false
		}
	}
	if criteria.Platform != "" && task.Metadata.Platform != criteria.Platform {
		return false
	}
	if criteria.CreatedAfter != nil && task.CreatedAt.Before(*criteria.CreatedAfter) {
		return false
	}
	if criteria.CreatedBefore != nil && task.CreatedAt.After(*criteria.CreatedBefore) {
		return false
	}
	if criteria.Query != "" {
		query := strings.ToLower(criteria.Query)
		haystack := strings.ToLower(task.Title + " " + task.Description + " " + task.Goal)
		if !strings.Contains(haystack, query) {
			return false
		}
	}
	return true
}

func sortTasks(tasks []*model.Task, criteria *model.SearchCriteria) {
	less := func(a, b *model.Task) bool { return a.CreatedAt.Before(b.CreatedAt) }
	switch criteria.SortBy {
	case model.SortByUpdatedAt:
		less = func(a, b *model.Task) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	case model.SortByPriority:
		less = func(a, b *model.Task) bool { return a.Priority.Rank() < b.Priority.Rank() }
	case model.SortByTitle:
		less = func(a, b *model.Task) bool { return a.Title < b.Title }
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if criteria.SortDesc {
			return less(tasks[j], tasks[i])
		}
		return less(tasks[i], tasks[j])
	})
}

func containsStatus(statuses []model.Status, status model.Status) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func containsPriority(priorities []model.Priority, priority model.Priority) bool {
	for _, candidate := range priorities {
		if candidate == priority {
			return true
		}
	}
	return false
}
