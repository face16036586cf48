// Package plan implements PlanDesigner (spec §4.2): turn a prompt plus a
// catalog context view into a validated ExecutionPlan, grounded on the
// reference runtime's planner loop in runtime/agent/runtime/runtime.go
// (render prompt → call model with a schema → validate → bounded retry).
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/snipporch/core/orchestrator/graph"
	"github.com/snipporch/core/orchestrator/llm"
	"github.com/snipporch/core/orchestrator/prompt"
)

// StepService names one catalog service and the ordered operation keys
// within it that a Step is permitted to call.
type StepService struct {
	ServiceName string   `json:"serviceName"`
	Operations  []string `json:"operations"`
}

// Step is one unit of plan execution.
type Step struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Services    []StepService `json:"services"`
}

// Plan is the ordered sequence of steps produced by Designer.Design.
type Plan struct {
	Steps []Step `json:"steps"`
}

// InvalidPlan is returned when a plan still references unknown operations,
// has duplicate operations within a step, or duplicate step titles, after
// one bounded re-plan attempt.
type InvalidPlan struct {
	Reasons []string
}

func (e *InvalidPlan) Error() string {
	return fmt.Sprintf("invalid plan: %s", strings.Join(e.Reasons, "; "))
}

// Designer implements spec §4.2's PlanDesigner.
type Designer struct {
	llm      llm.StructuredClient
	renderer *prompt.Renderer
	graph    graph.KnowledgeGraph
}

// Options configures a Designer's LLM calls.
type Options struct {
	Model       string
	ModelClass  llm.ModelClass
	MaxTokens   int
	Temperature float64
}

// New builds a Designer with the standard plan-authoring prompt sections
// from spec §4.2: system rules, enumerated operations, prompt text, and
// the value-store contract.
func New(client llm.StructuredClient, kg graph.KnowledgeGraph) (*Designer, error) {
	if client == nil {
		return nil, fmt.Errorf("plan: llm client is required")
	}
	if kg == nil {
		return nil, fmt.Errorf("plan: knowledge graph is required")
	}
	r := prompt.NewRenderer(nil)
	if err := r.RegisterSection("system_rules", prompt.RoleSystem, true, systemRulesTemplate); err != nil {
		return nil, err
	}
	if err := r.RegisterSection("operations", prompt.RoleContext, true, operationsTemplate); err != nil {
		return nil, err
	}
	if err := r.RegisterSection("prompt_text", prompt.RoleUser, true, promptTextTemplate); err != nil {
		return nil, err
	}
	if err := r.RegisterSection("value_store", prompt.RoleSystem, true, valueStoreTemplate); err != nil {
		return nil, err
	}
	if err := r.RegisterSection("retry_feedback", prompt.RoleSystem, false, retryFeedbackTemplate); err != nil {
		return nil, err
	}
	return &Designer{llm: client, renderer: r, graph: kg}, nil
}

type promptVars struct {
	Prompt        string
	Candidates    []graph.CandidateOperation
	FailureReasons []string
}

const systemRulesTemplate = `You are a planning assistant. Produce a JSON execution plan whose steps
reference only the services and operations listed below. Each step must
have a unique title. Within a step, an operation must not repeat.
Respond with ONLY the JSON plan, matching the supplied schema.`

const operationsTemplate = `Available operations (entity -> operations):
{{range .Candidates}}- {{.EntityName}}: {{.Operations}}
{{end}}`

const promptTextTemplate = `User request:
{{.Prompt}}`

const valueStoreTemplate = `Steps may reference values written by earlier steps through a shared
value store. Named outputs must use identifiers matching
[A-Za-z][A-Za-z0-9_]*.`

const retryFeedbackTemplate = `Your previous plan was rejected for the following reasons:
{{range .FailureReasons}}- {{.}}
{{end}}
Revise the plan to only reference the operations listed above and fix
every reason listed.`

// planSchema is the JSON Schema constraint passed to the LLM, matching
// Plan's shape.
const planSchema = `{
	"type": "object",
	"properties": {
		"steps": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"title": {"type": "string"},
					"description": {"type": "string"},
					"services": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"serviceName": {"type": "string"},
								"operations": {"type": "array", "items": {"type": "string"}}
							},
							"required": ["serviceName", "operations"]
						}
					}
				},
				"required": ["title", "services"]
			}
		}
	},
	"required": ["steps"]
}`

// Design renders the plan-authoring prompt, calls the LLM with a
// schema-constrained request, and validates the result against
// candidates. On validation failure it retries once with the failure
// reasons appended to the prompt; two consecutive failures return
// *InvalidPlan. The returned TokenUsage accumulates every attempt's
// call, including ones that end up rejected by validation.
func (d *Designer) Design(ctx context.Context, promptText string, candidates []graph.CandidateOperation, opts Options) (Plan, llm.TokenUsage, error) {
	var lastReasons []string
	var usage llm.TokenUsage
	for attempt := 0; attempt < 2; attempt++ {
		vars := promptVars{Prompt: promptText, Candidates: candidates, FailureReasons: lastReasons}
		rendered, err := d.renderer.Render(prompt.Vars{
			Data:     vars,
			Sections: map[string]bool{"retry_feedback": attempt > 0},
		})
		if err != nil {
			return Plan{}, usage, fmt.Errorf("plan: render prompt: %w", err)
		}

		raw, callUsage, err := d.llm.GenerateStructured(ctx, rendered, json.RawMessage(planSchema), llm.Request{
			Model:       opts.Model,
			ModelClass:  opts.ModelClass,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		})
		usage = usage.Add(callUsage)
		if err != nil {
			return Plan{}, usage, fmt.Errorf("plan: generate: %w", err)
		}

		var p Plan
		if err := json.Unmarshal(raw, &p); err != nil {
			return Plan{}, usage, fmt.Errorf("plan: decode response: %w", err)
		}

		reasons, err := validate(ctx, p, candidates, d.graph)
		if err != nil {
			return Plan{}, usage, fmt.Errorf("plan: validate: %w", err)
		}
		if len(reasons) == 0 {
			return p, usage, nil
		}
		lastReasons = reasons
	}
	return Plan{}, usage, &InvalidPlan{Reasons: lastReasons}
}
