package orchestrator

import (
	"errors"
	"fmt"
)

// FailureKind enumerates the stable, caller-visible error kinds described in
// spec §7. Kind never changes meaning across releases; Message may.
type FailureKind string

const (
	// KindInvalidRequest covers an empty prompt or malformed options.
	KindInvalidRequest FailureKind = "InvalidRequest"
	// KindNoCatalogContext covers a zero-candidate extract stage.
	KindNoCatalogContext FailureKind = "NoCatalogContext"
	// KindInvalidPlan covers a plan that still references unknown operations
	// after one bounded re-plan.
	KindInvalidPlan FailureKind = "InvalidPlan"
	// KindStepExhausted covers a step that exceeded MaxAttempts.
	KindStepExhausted FailureKind = "StepExhausted"
	// KindRuntimeFailure covers an unrecoverable SnippetRuntime error not
	// tied to the snippet itself (sandbox crash, etc).
	KindRuntimeFailure FailureKind = "RuntimeFailure"
	// KindDeadlineExceeded covers a request that ran past its deadline.
	KindDeadlineExceeded FailureKind = "DeadlineExceeded"
	// KindCancelled covers a caller-initiated cancellation.
	KindCancelled FailureKind = "Cancelled"
	// KindUpstreamUnavailable covers an LLM/graph/runtime collaborator that
	// could not be reached.
	KindUpstreamUnavailable FailureKind = "UpstreamUnavailable"
	// KindInternal covers an invariant violation; always logged.
	KindInternal FailureKind = "Internal"
)

// RequestFailed is the single user-visible error type returned by
// Orchestrator.Handle. It carries a stable Kind and a short human Message;
// long diagnostics belong in the trace, not in Message.
type RequestFailed struct {
	Kind    FailureKind
	Message string
	// Collaborator names the upstream dependency for KindUpstreamUnavailable
	// failures (e.g. "llm", "graph", "runtime").
	Collaborator string
	// StepTitle names the offending step for KindStepExhausted and
	// KindRuntimeFailure failures.
	StepTitle string
	cause     error
}

// Error implements the error interface.
func (e *RequestFailed) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped collaborator error so callers can use
// errors.Is/errors.As across the boundary.
func (e *RequestFailed) Unwrap() error { return e.cause }

func newFailure(kind FailureKind, format string, args ...any) *RequestFailed {
	return &RequestFailed{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapFailure(kind FailureKind, cause error, format string, args ...any) *RequestFailed {
	return &RequestFailed{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// upstreamFailure wraps a collaborator error under KindUpstreamUnavailable,
// matching spec §7: "Collaborator errors surface immediately; the core does
// not retry them except inside the step retry machine for Compile/Run
// diagnostics."
func upstreamFailure(collaborator string, cause error) *RequestFailed {
	return &RequestFailed{
		Kind:         KindUpstreamUnavailable,
		Message:      fmt.Sprintf("%s unavailable: %v", collaborator, cause),
		Collaborator: collaborator,
		cause:        cause,
	}
}

// IsCancelled reports whether err is a RequestFailed carrying KindCancelled
// or KindDeadlineExceeded, the two kinds produced by cooperative
// cancellation checks.
func IsCancelled(err error) bool {
	var rf *RequestFailed
	if !errors.As(err, &rf) {
		return false
	}
	return rf.Kind == KindCancelled || rf.Kind == KindDeadlineExceeded
}
