package scheduler

import (
	"github.com/taskmesh/taskmesh/model"
)

// priorityFit maps task priority to a fixed fitness contribution.
func priorityFit(priority model.Priority) float64 {
	switch priority {
	case model.PriorityUrgent:
		return 1.0
	case model.PriorityHigh:
		return 0.8
	case model.PriorityMedium:
		return 0.6
	case model.PriorityLow:
		return 0.4
	}
	return 0.4
}

// specializationMatch returns the overlap ratio between the task's required
// skills and the expert's specializations. Tasks without requirements score a
// neutral 0.8; experts without specializations score 0.5.
func specializationMatch(required, skills []string) float64 {
	if len(required) == 0 {
		return 0.8
	}
	if len(skills) == 0 {
		return 0.5
	}
	have := make(map[string]bool, len(skills))
	for _, skill := range skills {
		have[skill] = true
	}
	matched := 0
	for _, skill := range required {
		if have[skill] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// performanceScore blends completion rate and average quality; experts with
// no history get a neutral 0.7.
func performanceScore(performance model.Performance) float64 {
	if performance.Total() == 0 {
		return 0.7
	}
	return 0.6*performance.CompletionRate() + 0.4*performance.AvgQuality()
}

// score computes the candidate score of an expert for a task: the mean of
// four per-role weighted terms. The second return is false when the expert is
// ineligible (offline, no spare capacity, or at the role's max-load
// threshold).
func (s *Service) score(task *model.Task, expert *model.Expert) (float64, bool) {
	if expert.Status != model.ExpertActive || !expert.HasCapacity() {
		return 0, false
	}
	weights := s.weightsFor(expert.Role)
	load := expert.Load()
	if load >= weights.MaxLoadThreshold {
		return 0, false
	}
	availability := (1 - load) * weights.Availability
	priority := priorityFit(task.Priority) * weights.Priority
	specialization := specializationMatch(task.Metadata.RequiredSkills, expert.Specializations) * weights.Specialization
	performance := performanceScore(expert.Performance)
	return (availability + priority + specialization + performance) / 4, true
}

// selectExpert picks the highest-scoring eligible expert. Ties break by
// lowest current load, then lowest instance id, so identical snapshots yield
// identical assignments. Candidates must arrive sorted by id.
func (s *Service) selectExpert(task *model.Task, candidates []*model.Expert) (*model.Expert, float64) {
	var best *model.Expert
	var bestScore float64
	for _, candidate := range candidates {
		score, eligible := s.score(task, candidate)
		if !eligible {
			continue
		}
		switch {
		case best == nil, score > bestScore:
			best, bestScore = candidate, score
		case score == bestScore && candidate.CurrentCount < best.CurrentCount:
			best, bestScore = candidate, score
		}
	}
	return best, bestScore
}

func (s *Service) weightsFor(role model.Role) Weights {
	if weights, ok := s.config.RoleWeights[role]; ok {
		return weights
	}
	return s.config.DefaultWeights
}
