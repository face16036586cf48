package plan

import (
	"context"
	"fmt"

	"github.com/snipporch/core/orchestrator/graph"
)

// validate checks p against spec §3/§4.2's invariants: at least one
// step, every referenced (serviceName, operation) must exist in the
// catalog snapshot and fall within the entities the extract stage
// actually surfaced, an operation may not repeat within a step, and
// step titles must be unique within the plan. It returns the set of
// human-readable violations found (nil if none), or an error if the
// graph itself could not be queried.
func validate(ctx context.Context, p Plan, candidates []graph.CandidateOperation, kg graph.KnowledgeGraph) ([]string, error) {
	var reasons []string

	if len(p.Steps) == 0 {
		reasons = append(reasons, "plan has no steps")
		return reasons, nil
	}

	candidateEntities := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		candidateEntities[c.EntityName] = true
	}

	seenTitles := make(map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		if step.Title == "" {
			reasons = append(reasons, "a step is missing a title")
			continue
		}
		if seenTitles[step.Title] {
			reasons = append(reasons, fmt.Sprintf("duplicate step title %q", step.Title))
		}
		seenTitles[step.Title] = true

		for _, svc := range step.Services {
			seenOps := make(map[string]bool, len(svc.Operations))
			for _, op := range svc.Operations {
				if seenOps[op] {
					reasons = append(reasons, fmt.Sprintf("step %q repeats operation %q within service %q", step.Title, op, svc.ServiceName))
					continue
				}
				seenOps[op] = true

				exists, err := kg.Exists(ctx, svc.ServiceName, graph.OperationKey(op))
				if err != nil {
					return nil, fmt.Errorf("check operation %s/%s: %w", svc.ServiceName, op, err)
				}
				if !exists {
					reasons = append(reasons, fmt.Sprintf("step %q references unknown operation %s/%s", step.Title, svc.ServiceName, op))
					continue
				}

				if len(candidateEntities) > 0 && !candidateEntities[svc.ServiceName] {
					reasons = append(reasons, fmt.Sprintf("step %q references service %q outside the extracted catalog context", step.Title, svc.ServiceName))
				}
			}
		}
	}
	return reasons, nil
}
