// Package orchestrator implements the top-level planning/execution/retry/
// progress/shared-memory state machine for converting a single natural
// language prompt into a verified, multi-step execution over a catalog of
// REST services. It is the only package that wires the three collaborator
// contracts (graph.KnowledgeGraph, llm.Client, snippet.Runtime) together;
// each collaborator lives in its own package so the core has no transport,
// provider, or sandbox dependencies baked in.
package orchestrator

import (
	"context"
	"time"
)

type (
	// ExecutionRequest is the input to a single orchestration. Prompt must be
	// non-empty. RequestID is an opaque identifier, unique per call, used to
	// scope SharedMemory and derive request-local snippet namespaces.
	ExecutionRequest struct {
		// Prompt is the free-form natural language instruction to execute.
		Prompt string
		// RequestID uniquely identifies this call. Callers should supply a
		// stable value (e.g. a UUID); Handle derives one if empty.
		RequestID string
		// ProgressToken, when non-empty, enables caller-visible progress:
		// the orchestrator activates a live ProgressSink instead of a no-op.
		ProgressToken string
		// Options carries recognized tuning knobs plus preserved unknown keys.
		Options Options
	}

	// Options captures the recognized keys in ExecutionRequest.Options plus
	// a side-channel for unrecognized keys, which are ignored for behavior
	// but copied verbatim into telemetry attributes.
	Options struct {
		// MaxAttempts bounds the design->compile->run retry loop per step.
		// Range 1..10, default 3. This is the only place maxAttempts is
		// configured; there is no separate hard-coded cap anywhere else.
		MaxAttempts int
		// ProgressMinIntervalMs is the minimum wall-clock gap between
		// consecutive "step" progress events for the same stage. Range
		// 0..10000, default 300.
		ProgressMinIntervalMs int
		// ProgressMinDelta is the minimum completed-count delta that forces
		// a progress event through even if ProgressMinIntervalMs has not
		// elapsed. Default 1.
		ProgressMinDelta int
		// EnableProgress turns the sink on or off. Default true. When false,
		// or when ProgressToken is empty, the sink is a no-op.
		EnableProgress bool
		// RequestTimeout bounds the entire request. Default 300s.
		RequestTimeout time.Duration
		// LLMTemperature is an advisory hint forwarded to LlmClient calls.
		LLMTemperature *float64
		// LLMMaxTokens is an advisory hint forwarded to LlmClient calls.
		LLMMaxTokens *int
		// Extra preserves options keys this orchestrator does not recognize,
		// so they survive into telemetry attributes without affecting
		// behavior.
		Extra map[string]any
	}

	// StepSummary pairs a step title with the textual summary produced by
	// running its snippet (or a fallback message when the step failed).
	StepSummary struct {
		Title   string
		Summary string
	}

	// RunStatistics accumulates token usage and operation counts across the
	// whole request.
	RunStatistics struct {
		PromptTokens      int
		CompletionTokens  int
		TotalTokens       int
		WallMs            int64
		OperationsInvoked []string
	}

	// ExecutionResult is the successful output of Orchestrator.Handle.
	ExecutionResult struct {
		Answer           string
		Reasoning        string
		PerStepSummaries []StepSummary
		Statistics       RunStatistics
		TraceID          string
		// Partial is true when a later step failed but earlier successful
		// step results are still included, per spec §7 propagation policy.
		Partial bool
	}
)

// backgroundIfNil returns context.Background() when ctx is nil, matching the
// defensive pattern the reference runtime uses at public entry points.
func backgroundIfNil(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
