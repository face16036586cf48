package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/snipporch/core/orchestrator/executor"
	"github.com/snipporch/core/orchestrator/graph"
	"github.com/snipporch/core/orchestrator/llm"
	"github.com/snipporch/core/orchestrator/memory"
	"github.com/snipporch/core/orchestrator/plan"
	"github.com/snipporch/core/orchestrator/progress"
	"github.com/snipporch/core/orchestrator/snippet"
	"github.com/snipporch/core/orchestrator/step"
	"github.com/snipporch/core/orchestrator/summary"
	"github.com/snipporch/core/telemetry"
)

// Orchestrator is the single entry point described in spec §4.1. It owns no
// transport, provider, or sandbox logic itself: those concerns live behind
// the three collaborator contracts it wires together.
type Orchestrator struct {
	graph       graph.KnowledgeGraph
	llmClient   llm.StructuredClient
	runtime     snippet.Runtime
	designer    *plan.Designer
	implementer step.Implementer
	composer    *summary.Composer

	progressTransport progress.Transport
	logger            telemetry.Logger
	metrics           telemetry.Metrics
	tracer            telemetry.Tracer
}

// Deps collects the Orchestrator's required and optional collaborators.
type Deps struct {
	Graph     graph.KnowledgeGraph
	LLMClient llm.StructuredClient
	Runtime   snippet.Runtime

	// Implementer overrides the default LLM-backed StepImplementer.
	// Optional; when nil, New builds one from LLMClient.
	Implementer step.Implementer

	ProgressTransport progress.Transport
	Logger            telemetry.Logger
	Metrics           telemetry.Metrics
	Tracer            telemetry.Tracer
}

// New wires an Orchestrator from its collaborators, per spec §4.1: "the
// only package that wires the three collaborator contracts together."
func New(deps Deps) (*Orchestrator, error) {
	if deps.Graph == nil {
		return nil, fmt.Errorf("orchestrator: graph is required")
	}
	if deps.LLMClient == nil {
		return nil, fmt.Errorf("orchestrator: llm client is required")
	}
	if deps.Runtime == nil {
		return nil, fmt.Errorf("orchestrator: snippet runtime is required")
	}

	designer, err := plan.New(deps.LLMClient, deps.Graph)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build plan designer: %w", err)
	}

	implementer := deps.Implementer
	if implementer == nil {
		implementer, err = step.NewLLMImplementer(deps.LLMClient)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: build step implementer: %w", err)
		}
	}

	composer, err := summary.New(deps.LLMClient)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build summary composer: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}

	return &Orchestrator{
		graph:             deps.Graph,
		llmClient:         deps.LLMClient,
		runtime:           deps.Runtime,
		designer:          designer,
		implementer:       implementer,
		composer:          composer,
		progressTransport: deps.ProgressTransport,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
	}, nil
}

// Handle runs the extract->plan->exec->finalize pipeline from spec §4.1
// for a single ExecutionRequest.
func (o *Orchestrator) Handle(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	ctx = backgroundIfNil(ctx)
	start := time.Now()

	if req.Prompt == "" {
		return ExecutionResult{}, newFailure(KindInvalidRequest, "prompt must not be empty")
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.Handle")
	defer span.End()

	timeout := req.Options.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sink := progress.New(progress.Options{
		Enabled:     req.Options.EnableProgress && req.ProgressToken != "",
		Cancel:      ctx,
		MinInterval: time.Duration(req.Options.ProgressMinIntervalMs) * time.Millisecond,
		MinDelta:    req.Options.ProgressMinDelta,
		Transport:   o.progressTransport,
	})

	mem := memory.New()

	candidates, err := o.runExtractStage(ctx, sink, req.Prompt)
	if err != nil {
		return ExecutionResult{}, o.finishFailure(ctx, start, err)
	}

	p, planUsage, err := o.runPlanStage(ctx, sink, req.Prompt, candidates, req.Options)
	if err != nil {
		return ExecutionResult{}, o.finishFailure(ctx, start, err)
	}

	execResult, err := o.runExecStage(ctx, sink, p, mem, requestID, req.Options)
	partial := false
	if err != nil {
		if len(execResult.Summaries) == 0 {
			return ExecutionResult{}, o.finishFailure(ctx, start, err)
		}
		// A later step failed, but earlier step results still surface in
		// the final report, per spec §4.3 halt condition.
		partial = true
	}

	result, composedUsage, err := o.runFinalizeStage(ctx, sink, req.Prompt, execResult, mem, req.Options)
	if err != nil {
		return ExecutionResult{}, o.finishFailure(ctx, start, err)
	}

	totalUsage := planUsage.Add(execResult.Usage).Add(composedUsage)
	result.TraceID = requestID
	result.Partial = partial
	result.Statistics.WallMs = time.Since(start).Milliseconds()
	result.Statistics.PromptTokens = totalUsage.InputTokens
	result.Statistics.CompletionTokens = totalUsage.OutputTokens
	result.Statistics.TotalTokens = totalUsage.TotalTokens
	result.Statistics.OperationsInvoked = execResult.OperationsInvoked
	return result, nil
}

// runExtractStage implements spec §4.1 stage 1: pull a catalog context
// view from KnowledgeGraph and rank it. A zero-candidate result fails the
// request with KindNoCatalogContext (spec §7) rather than letting the
// plan stage design against an empty candidate set.
func (o *Orchestrator) runExtractStage(ctx context.Context, sink *progress.Sink, promptText string) ([]graph.CandidateOperation, error) {
	if err := checkCancelled(ctx, sink); err != nil {
		return nil, err
	}
	sink.BeginStage(ctx, "extract", "Extracting catalog context", 1)

	candidates, err := o.graph.QueryContext(ctx, promptText)
	if err != nil {
		sink.EndStageError(ctx, "extract", err.Error(), nil)
		return nil, upstreamFailure("graph", err)
	}
	if len(candidates) == 0 {
		sink.EndStageError(ctx, "extract", "no candidate operations found", nil)
		return nil, newFailure(KindNoCatalogContext, "no catalog context found for prompt")
	}

	sink.EndStageOk(ctx, "extract", map[string]any{"candidates": len(candidates)})
	return candidates, nil
}

// runPlanStage implements spec §4.1 stage 2.
func (o *Orchestrator) runPlanStage(ctx context.Context, sink *progress.Sink, promptText string, candidates []graph.CandidateOperation, opts Options) (plan.Plan, llm.TokenUsage, error) {
	if err := checkCancelled(ctx, sink); err != nil {
		return plan.Plan{}, llm.TokenUsage{}, err
	}
	sink.BeginStage(ctx, "plan", "Designing execution plan", 1)

	planOpts := plan.Options{
		Temperature: derefFloat(opts.LLMTemperature),
		MaxTokens:   derefInt(opts.LLMMaxTokens),
	}
	p, usage, err := o.designer.Design(ctx, promptText, candidates, planOpts)
	if err != nil {
		var invalid *plan.InvalidPlan
		if errors.As(err, &invalid) {
			sink.EndStageError(ctx, "plan", err.Error(), map[string]any{"reasons": invalid.Reasons})
			return plan.Plan{}, usage, wrapFailure(KindInvalidPlan, err, "plan validation failed: %v", invalid.Reasons)
		}
		sink.EndStageError(ctx, "plan", err.Error(), nil)
		return plan.Plan{}, usage, upstreamFailure("llm", err)
	}

	sink.EndStageOk(ctx, "plan", map[string]any{"steps": len(p.Steps)})
	return p, usage, nil
}

// runExecStage implements spec §4.1 stage 3, delegating to PlanExecutor.
func (o *Orchestrator) runExecStage(ctx context.Context, sink *progress.Sink, p plan.Plan, mem *memory.Store, requestID string, opts Options) (executor.Result, error) {
	if err := checkCancelled(ctx, sink); err != nil {
		return executor.Result{}, err
	}
	sink.BeginStage(ctx, "exec", "Executing plan", len(p.Steps))

	ex, err := executor.New(executor.Options{
		Graph:       o.graph,
		Runtime:     o.runtime,
		Implementer: o.implementer,
		Memory:      mem,
		Sink:        sink,
		MaxAttempts: opts.MaxAttempts,
		RequestID:   requestID,
	})
	if err != nil {
		sink.EndStageError(ctx, "exec", err.Error(), nil)
		return executor.Result{}, wrapFailure(KindInternal, err, "build executor")
	}

	result := ex.Run(ctx, p)
	switch {
	case result.Cancelled:
		sink.EndStageCancelled(ctx, "exec", nil)
		return result, newFailure(KindCancelled, "execution cancelled")
	case result.Err != nil:
		sink.EndStageError(ctx, "exec", result.Err.Error(), nil)
		var exhausted *step.Exhausted
		if errors.As(result.Err, &exhausted) {
			return result, &RequestFailed{Kind: KindStepExhausted, Message: result.Err.Error(), StepTitle: exhausted.StepTitle}
		}
		return result, wrapFailure(KindRuntimeFailure, result.Err, "step execution failed")
	}

	sink.EndStageOk(ctx, "exec", map[string]any{"steps": len(result.Summaries)})
	return result, nil
}

// runFinalizeStage implements spec §4.1 stage 4.
func (o *Orchestrator) runFinalizeStage(ctx context.Context, sink *progress.Sink, promptText string, execResult executor.Result, mem *memory.Store, opts Options) (ExecutionResult, llm.TokenUsage, error) {
	if err := checkCancelled(ctx, sink); err != nil {
		return ExecutionResult{}, llm.TokenUsage{}, err
	}
	sink.BeginStage(ctx, "finalize", "Composing answer", 1)

	composed, err := o.composer.Compose(ctx, promptText, execResult.Summaries, mem, summary.Options{
		Temperature: derefFloat(opts.LLMTemperature),
		MaxTokens:   derefInt(opts.LLMMaxTokens),
	})
	if err != nil {
		sink.EndStageError(ctx, "finalize", err.Error(), nil)
		return ExecutionResult{}, llm.TokenUsage{}, upstreamFailure("llm", err)
	}

	sink.EndStageOk(ctx, "finalize", nil)

	steps := make([]StepSummary, 0, len(execResult.Summaries))
	for _, s := range execResult.Summaries {
		steps = append(steps, StepSummary{Title: s.StepTitle, Summary: s.Summary})
	}

	return ExecutionResult{
		Answer:           composed.Answer,
		Reasoning:        composed.Reasoning,
		PerStepSummaries: steps,
	}, composed.Usage, nil
}

// finishFailure normalizes an error into a *RequestFailed, recording it via
// the logger/metrics. A failure that surfaces after the request context was
// cancelled or expired is mapped to KindCancelled/KindDeadlineExceeded per
// spec §4.1.
func (o *Orchestrator) finishFailure(ctx context.Context, start time.Time, err error) error {
	var rf *RequestFailed
	if !errors.As(err, &rf) {
		rf = wrapFailure(KindInternal, err, "unexpected error")
	}
	if !IsCancelled(rf) {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			rf = wrapFailure(KindDeadlineExceeded, err, "request deadline exceeded")
		case context.Canceled:
			rf = wrapFailure(KindCancelled, err, "request cancelled")
		}
	}
	o.logger.Error(ctx, "orchestration failed", "kind", rf.Kind, "message", rf.Message, "wallMs", time.Since(start).Milliseconds())
	o.metrics.IncCounter("orchestrator.requests.failed", 1, "kind", string(rf.Kind))
	return rf
}

// checkCancelled maps a cancelled/expired context into the RequestFailed
// kinds spec §4.1 names, checked "before each stage and before each step."
func checkCancelled(ctx context.Context, sink *progress.Sink) error {
	if sink.IsCancelled() {
		return newFailure(KindCancelled, "request cancelled")
	}
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return newFailure(KindDeadlineExceeded, "request deadline exceeded")
	default:
		return newFailure(KindCancelled, "request cancelled")
	}
}

func derefFloat(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
