// Package executor implements PlanExecutor (spec §4.3): it runs an
// ExecutionPlan's steps in submission order, drives each one through the
// bounded retry state machine in orchestrator/step, folds accepted memory
// writes into SharedMemory, and reports progress per step.
package executor

import (
	"context"
	"fmt"

	"github.com/snipporch/core/orchestrator/graph"
	"github.com/snipporch/core/orchestrator/llm"
	"github.com/snipporch/core/orchestrator/memory"
	"github.com/snipporch/core/orchestrator/plan"
	"github.com/snipporch/core/orchestrator/progress"
	"github.com/snipporch/core/orchestrator/snippet"
	"github.com/snipporch/core/orchestrator/step"
)

// StepSummary is one entry in the running report PlanExecutor accumulates:
// a step's title paired with the textual summary its snippet produced.
type StepSummary struct {
	StepTitle string
	Summary   string
}

// Result is the outcome of executing a Plan: the per-step summaries
// gathered before any halt condition, the token usage and operations
// invoked across every step (including steps that were retried), and
// whether execution completed, failed, or was cancelled.
type Result struct {
	Summaries         []StepSummary
	Usage             llm.TokenUsage
	OperationsInvoked []string
	Err               error
	Cancelled         bool
}

// Executor is PlanExecutor. It resolves each step's referenced operations
// against a KnowledgeGraph, runs the step's retry state machine against a
// SnippetRuntime, and folds accepted outputs into a SharedMemory store.
type Executor struct {
	graph       graph.KnowledgeGraph
	runtime     snippet.Runtime
	implementer step.Implementer
	memory      *memory.Store
	sink        *progress.Sink
	maxAttempts int
	requestID   string
}

// Options configures an Executor.
type Options struct {
	Graph       graph.KnowledgeGraph
	Runtime     snippet.Runtime
	Implementer step.Implementer
	Memory      *memory.Store
	Sink        *progress.Sink
	MaxAttempts int
	// RequestID scopes every step's default snippet namespace (spec §9)
	// to this execution request.
	RequestID string
}

// New constructs an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Runtime == nil {
		return nil, fmt.Errorf("executor: runtime is required")
	}
	if opts.Implementer == nil {
		return nil, fmt.Errorf("executor: implementer is required")
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("executor: memory store is required")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sink := opts.Sink
	if sink == nil {
		sink = progress.New(progress.Options{})
	}
	return &Executor{
		graph:       opts.Graph,
		runtime:     opts.Runtime,
		implementer: opts.Implementer,
		memory:      opts.Memory,
		sink:        sink,
		maxAttempts: maxAttempts,
		requestID:   opts.RequestID,
	}, nil
}

// Run executes p's steps in submission order against the halt conditions
// in spec §4.3: a step exceeding maxAttempts ends the stage with an error
// while surfacing results from steps that already succeeded; observed
// cancellation ends the in-progress step's current attempt and then stops
// without starting a new retry.
func (e *Executor) Run(ctx context.Context, p plan.Plan) Result {
	var summaries []StepSummary
	var usage llm.TokenUsage
	var operationsInvoked []string

	for n, s := range p.Steps {
		if err := ctx.Err(); err != nil {
			return Result{Summaries: summaries, Usage: usage, OperationsInvoked: operationsInvoked, Cancelled: true, Err: err}
		}

		bundles := e.resolveBundles(ctx, s)
		rc := snippet.RunContext{SharedMemory: e.memory}

		result, err := step.Run(ctx, s, e.implementer, e.runtime, bundles, rc, e.maxAttempts, step.Options{RequestID: e.requestID})
		usage = usage.Add(result.Usage)
		if err != nil {
			if ctx.Err() != nil {
				e.sink.Step(ctx, "exec", n, s.Title, map[string]any{"status": "cancelled"})
				return Result{Summaries: summaries, Usage: usage, OperationsInvoked: operationsInvoked, Cancelled: true, Err: err}
			}
			return Result{Summaries: summaries, Usage: usage, OperationsInvoked: operationsInvoked, Err: fmt.Errorf("executor: step %q: %w", s.Title, err)}
		}

		warnings := e.applyMutations(result.Run.MemoryMutations)
		operationsInvoked = append(operationsInvoked, stepOperations(s)...)

		service, operation := primaryOperation(s)
		attrs := map[string]any{"service": service, "operation": operation, "attempts": result.Attempts}
		if len(warnings) > 0 {
			attrs["warnings"] = warnings
		}
		e.sink.Step(ctx, "exec", n+1, s.Title, attrs)

		summaries = append(summaries, StepSummary{StepTitle: s.Title, Summary: result.Run.SummaryText})
	}

	return Result{Summaries: summaries, Usage: usage, OperationsInvoked: operationsInvoked}
}

// resolveBundles fetches the OperationBundle for every operation a step
// references, so its Implementer has concrete request/response shapes to
// build a snippet against. A query failure or unknown operation is simply
// omitted from the map; validation already rejected unknown operations at
// plan design time (spec §4.2), so this is defense in depth, not the
// primary check.
func (e *Executor) resolveBundles(ctx context.Context, s plan.Step) map[string]graph.OperationBundle {
	bundles := make(map[string]graph.OperationBundle)
	if e.graph == nil {
		return bundles
	}
	for _, svc := range s.Services {
		for _, op := range svc.Operations {
			bundle, ok, err := e.graph.QueryOperationForPrompt(ctx, svc.ServiceName, graph.OperationKey(op))
			if err != nil || !ok {
				continue
			}
			bundles[svc.ServiceName+"/"+op] = bundle
		}
	}
	return bundles
}

// applyMutations writes a step's memory outputs into SharedMemory,
// collecting a warning string for every identifier memory.Store.Put
// rejects, per spec §4.3: "invalid identifiers are skipped with a warning
// surfaced to progress attrs."
func (e *Executor) applyMutations(mutations []snippet.MemoryMutation) []string {
	var warnings []string
	for _, m := range mutations {
		res := e.memory.Put(memory.Entry{
			Identifier:  m.Identifier,
			Description: m.Description,
			Model:       m.Model,
			Value:       m.Value,
		})
		if !res.Accepted {
			warnings = append(warnings, res.Reason)
		}
	}
	return warnings
}

// primaryOperation returns the first service/operation pair a step
// references, for the "service"/"operation" progress attrs in spec §4.3.
// A step touching multiple services/operations only gets one pair
// surfaced; the full set lives in the step's own services list.
func primaryOperation(s plan.Step) (service, operation string) {
	for _, svc := range s.Services {
		if len(svc.Operations) > 0 {
			return svc.ServiceName, svc.Operations[0]
		}
	}
	return "", ""
}

// stepOperations lists every "service/operation" pair a step references,
// for RunStatistics.OperationsInvoked (spec §6.1), which tallies every
// operation a successful step references, not just the one surfaced in
// its progress attrs.
func stepOperations(s plan.Step) []string {
	var ops []string
	for _, svc := range s.Services {
		for _, op := range svc.Operations {
			ops = append(ops, svc.ServiceName+"/"+op)
		}
	}
	return ops
}
