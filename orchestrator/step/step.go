// Package step implements StepImplementer (spec §4.4) and the bounded
// design->compile->run->done|fail retry state machine (spec §4.5),
// grounded on the reference runtime's turn loop
// (runtime/agent/runtime/workflow_turn.go): call the model, normalize its
// output, hand it to a side effect, and feed failures back into the next
// model call until a bound is hit.
package step

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/snipporch/core/orchestrator/graph"
	"github.com/snipporch/core/orchestrator/llm"
	"github.com/snipporch/core/orchestrator/plan"
	"github.com/snipporch/core/orchestrator/prompt"
	"github.com/snipporch/core/orchestrator/snippet"
)

// PriorAttempt carries the previous failed attempt's snippet plus the
// compile diagnostics or runtime error that failed it, so the next
// StepImplementer call can embed "lastSnippet, compactDiagnostics" per
// spec §4.4.
type PriorAttempt struct {
	Snippet      string
	Diagnostics  []snippet.Diagnostic
	RuntimeError string
}

// Implementation is the synthesized, compilable snippet for a single
// attempt at a Step, plus metadata extracted from it by the
// normalization policies in spec §4.8.
type Implementation struct {
	QualifiedClassName string
	Snippet            string
	Explanation        string
	// Usage reports the token cost of the LLM call that produced this
	// attempt, populated even when the attempt ultimately fails
	// normalization, so callers can tally spend across every attempt.
	Usage llm.TokenUsage
}

// Implementer produces one Implementation attempt for a Step.
type Implementer interface {
	Implement(ctx context.Context, s plan.Step, prior *PriorAttempt, bundles map[string]graph.OperationBundle, opts Options) (Implementation, error)
}

// Options configures an Implementer's LLM calls.
type Options struct {
	Model       string
	ModelClass  llm.ModelClass
	MaxTokens   int
	Temperature float64
	// MaxSnippetBytes bounds the normalized snippet size; 0 uses the
	// package default.
	MaxSnippetBytes int
	// RequestID scopes the default snippet namespace (spec §9) when a
	// snippet declares no package of its own, so two concurrent requests
	// never collide on the same namespace even if their steps share a
	// title.
	RequestID string
}

// LLMImplementer is the reference StepImplementer: it renders a
// step-authoring prompt and asks the LLM for a snippet, described in
// spec §4.4.
type LLMImplementer struct {
	llm      llm.StructuredClient
	renderer *prompt.Renderer
}

// NewLLMImplementer builds an LLMImplementer with the standard
// step-authoring prompt sections.
func NewLLMImplementer(client llm.StructuredClient) (*LLMImplementer, error) {
	if client == nil {
		return nil, fmt.Errorf("step: llm client is required")
	}
	r := prompt.NewRenderer(nil)
	if err := r.RegisterSection("system_rules", prompt.RoleSystem, true, stepSystemRulesTemplate); err != nil {
		return nil, err
	}
	if err := r.RegisterSection("operations", prompt.RoleContext, true, stepOperationsTemplate); err != nil {
		return nil, err
	}
	if err := r.RegisterSection("step", prompt.RoleUser, true, stepDescriptionTemplate); err != nil {
		return nil, err
	}
	if err := r.RegisterSection("prior_attempt", prompt.RoleSystem, false, priorAttemptTemplate); err != nil {
		return nil, err
	}
	return &LLMImplementer{llm: client, renderer: r}, nil
}

type implementVars struct {
	Step         plan.Step
	Bundles      map[string]graph.OperationBundle
	PriorSnippet string
	Diagnostics  []snippet.Diagnostic
	RuntimeError string
}

const stepSystemRulesTemplate = `You are a code-generation assistant. Write a single self-contained
snippet that accomplishes the step below using only the listed
operations. Declare a package and a single public top-level type.
Respond with ONLY the JSON object matching the supplied schema
({"snippet": "...", "explanation": "..."}).`

const stepOperationsTemplate = `Operation bundles available to this step:
{{range $key, $bundle := .Bundles}}- {{$key}}: {{$bundle.Method}} {{$bundle.Path}}
{{end}}`

const stepDescriptionTemplate = `Step: {{.Step.Title}}
{{.Step.Description}}`

const priorAttemptTemplate = `Your previous attempt failed. Fix it rather than starting over.

Previous snippet:
{{.PriorSnippet}}

{{if .Diagnostics}}Compile diagnostics:
{{range .Diagnostics}}- line {{.Line}}: {{.Message}}
{{end}}{{end}}{{if .RuntimeError}}Runtime error: {{.RuntimeError}}
{{end}}`

const implementationSchema = `{
	"type": "object",
	"properties": {
		"snippet": {"type": "string"},
		"explanation": {"type": "string"}
	},
	"required": ["snippet"]
}`

// Implement implements Implementer.
func (im *LLMImplementer) Implement(ctx context.Context, s plan.Step, prior *PriorAttempt, bundles map[string]graph.OperationBundle, opts Options) (Implementation, error) {
	vars := implementVars{Step: s, Bundles: bundles}
	sections := map[string]bool{"prior_attempt": prior != nil}
	if prior != nil {
		vars.PriorSnippet = prior.Snippet
		vars.Diagnostics = prior.Diagnostics
		vars.RuntimeError = prior.RuntimeError
	}

	rendered, err := im.renderer.Render(prompt.Vars{Data: vars, Sections: sections})
	if err != nil {
		return Implementation{}, fmt.Errorf("step: render prompt: %w", err)
	}

	raw, usage, err := im.llm.GenerateStructured(ctx, rendered, json.RawMessage(implementationSchema), llm.Request{
		Model:       opts.Model,
		ModelClass:  opts.ModelClass,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return Implementation{Usage: usage}, fmt.Errorf("step: generate: %w", err)
	}

	var decoded struct {
		Snippet     string `json:"snippet"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Implementation{Usage: usage}, fmt.Errorf("step: decode response: %w", err)
	}

	impl, err := normalizeImplementation(decoded.Snippet, decoded.Explanation, opts.RequestID, opts.MaxSnippetBytes)
	impl.Usage = usage
	return impl, err
}

// normalizeImplementation applies spec §4.8's edge-case policies: strip a
// code fence, enforce the byte cap, assign a request-local default
// namespace when no package is declared, and derive QualifiedClassName
// from the declared package and public top-level class — failing with a
// synthetic diagnostic the LLM can act on when no such class exists.
func normalizeImplementation(raw, explanation, requestID string, maxBytes int) (Implementation, error) {
	src, err := snippet.Normalize(raw, maxBytes)
	if err != nil {
		return Implementation{}, err
	}

	pkg, hasPkg := snippet.ExtractPackage(src)
	if !hasPkg {
		pkg = snippet.DefaultNamespace(requestID)
		src = fmt.Sprintf("package %s;\n%s", pkg, src)
	}

	class, hasClass := snippet.ExtractPublicClass(src)
	if !hasClass {
		return Implementation{}, &snippet.CompileFailed{Diagnostics: []snippet.Diagnostic{{
			Message: "no public top-level class found; declare exactly one public class",
		}}}
	}

	return Implementation{
		QualifiedClassName: pkg + "." + class,
		Snippet:            src,
		Explanation:        explanation,
	}, nil
}
