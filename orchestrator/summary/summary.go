// Package summary implements SummaryComposer (spec §4.9): one final LLM
// call over the accumulated per-step summaries and the SharedMemory dump,
// producing a structured {answer, reasoning} result for the caller.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/snipporch/core/orchestrator/executor"
	"github.com/snipporch/core/orchestrator/llm"
	"github.com/snipporch/core/orchestrator/memory"
	"github.com/snipporch/core/orchestrator/prompt"
)

// Result is the composed answer: the direct response plus the reasoning
// trail the model used to produce it.
type Result struct {
	Answer    string
	Reasoning string
	// Fallback reports whether Answer was produced by the deterministic
	// fallback (concatenated step summaries) rather than the LLM, because
	// the LLM call failed or its response did not parse as the expected
	// JSON shape with a non-empty answer.
	Fallback bool
	// Usage reports the token cost of the finalize-stage LLM call, zero
	// when the call itself failed before returning a response.
	Usage llm.TokenUsage
}

// Composer is SummaryComposer.
type Composer struct {
	llm      llm.StructuredClient
	renderer *prompt.Renderer
}

// Options configures a Composer's LLM call.
type Options struct {
	Model       string
	ModelClass  llm.ModelClass
	MaxTokens   int
	Temperature float64
}

// New constructs a Composer with the standard finalize-stage prompt
// sections.
func New(client llm.StructuredClient) (*Composer, error) {
	if client == nil {
		return nil, fmt.Errorf("summary: llm client is required")
	}
	r := prompt.NewRenderer(nil)
	if err := r.RegisterSection("system_rules", prompt.RoleSystem, true, summarySystemRulesTemplate); err != nil {
		return nil, err
	}
	if err := r.RegisterSection("step_summaries", prompt.RoleContext, true, stepSummariesTemplate); err != nil {
		return nil, err
	}
	if err := r.RegisterSection("memory", prompt.RoleContext, true, memoryTemplate); err != nil {
		return nil, err
	}
	if err := r.RegisterSection("original_prompt", prompt.RoleUser, true, originalPromptTemplate); err != nil {
		return nil, err
	}
	return &Composer{llm: client, renderer: r}, nil
}

type composeVars struct {
	OriginalPrompt string
	Steps          []executor.StepSummary
	Memory         map[string]memory.Entry
}

const summarySystemRulesTemplate = `You are finalizing an automated task. Using the step outcomes and the
recorded values below, answer the original request directly. Respond with
ONLY the JSON object matching the supplied schema
({"answer": "...", "reasoning": "..."}).`

const stepSummariesTemplate = `Step outcomes, in execution order:
{{range .Steps}}- {{.StepTitle}}: {{.Summary}}
{{end}}`

const memoryTemplate = `Recorded values:
{{range $id, $entry := .Memory}}- {{$id}}: {{$entry.Value}}
{{end}}`

const originalPromptTemplate = `Original request: {{.OriginalPrompt}}`

const composeSchema = `{
	"type": "object",
	"properties": {
		"answer": {"type": "string"},
		"reasoning": {"type": "string"}
	},
	"required": ["answer"]
}`

// Compose renders the finalize prompt over steps and mem, asks the LLM for
// a structured {answer, reasoning}, and falls back to a deterministic
// concatenation of step summaries if the call fails or the model's
// response cannot be parsed as that shape.
func (c *Composer) Compose(ctx context.Context, originalPrompt string, steps []executor.StepSummary, mem *memory.Store, opts Options) (Result, error) {
	var dump map[string]memory.Entry
	if mem != nil {
		dump = mem.Dump()
	}

	rendered, err := c.renderer.Render(prompt.Vars{Data: composeVars{
		OriginalPrompt: originalPrompt,
		Steps:          steps,
		Memory:         dump,
	}})
	if err != nil {
		return Result{}, fmt.Errorf("summary: render prompt: %w", err)
	}

	raw, usage, err := c.llm.GenerateStructured(ctx, rendered, json.RawMessage(composeSchema), llm.Request{
		Model:       opts.Model,
		ModelClass:  opts.ModelClass,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		res := fallback(steps)
		res.Usage = usage
		return res, nil
	}

	var decoded struct {
		Answer    string `json:"answer"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Answer == "" {
		res := fallback(steps)
		res.Usage = usage
		return res, nil
	}

	return Result{Answer: decoded.Answer, Reasoning: decoded.Reasoning, Usage: usage}, nil
}

// fallback deterministically concatenates step summaries when the LLM call
// or its response parsing fails, per spec §4.9: "fallback to concatenated
// step summaries on JSON parse failure."
func fallback(steps []executor.StepSummary) Result {
	var b strings.Builder
	for i, s := range steps {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(s.Summary)
	}
	return Result{Answer: b.String(), Reasoning: "summary_fallback", Fallback: true}
}
