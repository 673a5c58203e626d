package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/taskmesh/taskmesh/model"
)

// Analysis summarises the dependency graph.
type Analysis struct {
	TaskCount     int
	EdgeCount     int
	BlockingCount int
	Roots         []string
	Leaves        []string
	Order         []string
	ReadyTasks    []string
	CriticalPath  []string
	CriticalCost  float64
}

// TopologicalOrder returns a full ordering of all known task ids using
// Kahn's algorithm over blocking edges. The insertion guard keeps the
// blocking subgraph acyclic, so the error path is defensive only.
func (s *Service) TopologicalOrder() ([]string, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	inDegree := make(map[string]int, len(s.known))
	for id := range s.known {
		inDegree[id] = 0
	}
	for _, edges := range s.incoming {
		for _, edge := range edges {
			if edge.Blocking {
				inDegree[edge.TargetID]++
			}
		}
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(s.known))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var unblocked []string
		for _, edge := range s.outgoing[id] {
			if !edge.Blocking {
				continue
			}
			inDegree[edge.TargetID]--
			if inDegree[edge.TargetID] == 0 {
				unblocked = append(unblocked, edge.TargetID)
			}
		}
		sort.Strings(unblocked)
		queue = append(queue, unblocked...)
	}
	if len(order) != len(s.known) {
		return nil, fmt.Errorf("%w: ordering covered %d of %d tasks", ErrCyclicDependency, len(order), len(s.known))
	}
	return order, nil
}

// CriticalPath returns the longest chain of blocking prerequisites ending at
// the given task, root first, together with its accumulated edge weight.
func (s *Service) CriticalPath(taskID string) ([]string, float64, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if !s.known[taskID] {
		return nil, 0, fmt.Errorf("task %s: %w", taskID, ErrUnknownTask)
	}

	type result struct {
		cost float64
		prev string
	}
	memo := map[string]*result{}

	var longest func(id string) *result
	longest = func(id string) *result {
		if cached, ok := memo[id]; ok {
			return cached
		}
		best := &result{}
		memo[id] = best
		for _, edge := range s.incoming[id] {
			if !edge.Blocking {
				continue
			}
			upstream := longest(edge.SourceID)
			if cost := upstream.cost + edge.Weight; cost > best.cost || (cost == best.cost && best.prev != "" && edge.SourceID < best.prev) {
				best.cost = cost
				best.prev = edge.SourceID
			}
		}
		return best
	}

	end := longest(taskID)
	path := []string{taskID}
	for prev := end.prev; prev != ""; {
		path = append([]string{prev}, path...)
		prev = memo[prev].prev
	}
	return path, end.cost, nil
}

// AnalyzeDependencies computes the full graph summary.
func (s *Service) AnalyzeDependencies(ctx context.Context) (*Analysis, error) {
	order, err := s.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	ready, err := s.GetReadyTasks(ctx)
	if err != nil {
		return nil, err
	}

	s.mux.RLock()
	analysis := &Analysis{
		TaskCount:  len(s.known),
		Order:      order,
		ReadyTasks: ready,
	}
	for _, edges := range s.outgoing {
		for _, edge := range edges {
			analysis.EdgeCount++
			if edge.Blocking {
				analysis.BlockingCount++
			}
		}
	}
	for id := range s.known {
		if countBlocking(s.incoming[id]) == 0 {
			analysis.Roots = append(analysis.Roots, id)
		}
		if countBlocking(s.outgoing[id]) == 0 {
			analysis.Leaves = append(analysis.Leaves, id)
		}
	}
	s.mux.RUnlock()
	sort.Strings(analysis.Roots)
	sort.Strings(analysis.Leaves)

	// deepest chain across all leaves
	for _, leaf := range analysis.Leaves {
		path, cost, err := s.CriticalPath(leaf)
		if err != nil {
			return nil, err
		}
		if cost > analysis.CriticalCost || analysis.CriticalPath == nil {
			analysis.CriticalPath = path
			analysis.CriticalCost = cost
		}
	}
	return analysis, nil
}

func countBlocking(edges []*model.Edge) int {
	count := 0
	for _, edge := range edges {
		if edge.Blocking {
			count++
		}
	}
	return count
}
