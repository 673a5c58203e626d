package workflow

import (
	"context"

	"github.com/taskmesh/taskmesh/model"
)

// BuildPipeline creates a linear workflow: each stage depends on the one
// before it. Stage DependsOn values are ignored.
func (s *Service) BuildPipeline(ctx context.Context, name string, stages []*NodeSpec) (*model.Workflow, error) {
	specs := make([]*NodeSpec, len(stages))
	for i, stage := range stages {
		spec := *stage
		spec.DependsOn = nil
		if i > 0 {
			spec.DependsOn = []string{stages[i-1].Name}
		}
		specs[i] = &spec
	}
	return s.CreateWorkflow(ctx, name, specs)
}
