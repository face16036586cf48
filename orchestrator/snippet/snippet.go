// Package snippet defines the SnippetRuntime contract described in spec
// §4.6 and §9: a sandbox that compiles and runs generated code and returns
// a textual summary plus memory mutations. The physical sandbox
// implementation is out of scope for the core (spec §1); this package only
// defines the contract plus the normalization policies every
// implementation shares (§4.8), and ships two concrete implementations —
// snippet/inprocess and snippet/sidecar — behind the same interface.
package snippet

import (
	"context"

	"github.com/snipporch/core/orchestrator/memory"
)

// Diagnostic is one compile or run-time finding, suitable for embedding in
// a follow-up design prompt (spec §6.3: "returns structured diagnostics
// ... suitable to embed in follow-up prompts").
type Diagnostic struct {
	File    string
	Line    int
	Column  int
	Message string
}

// CompileResult is returned by Compile on success.
type CompileResult struct {
	// ClassArtifact opaquely identifies the compiled unit for a subsequent
	// Run call. Implementations may embed a binary path, a loaded plugin
	// handle reference, or an RPC-addressable compiled-unit ID.
	ClassArtifact string
	Diagnostics   []Diagnostic
}

// CompileFailed is returned (as an error) when compilation fails.
type CompileFailed struct {
	Diagnostics []Diagnostic
}

func (e *CompileFailed) Error() string {
	if len(e.Diagnostics) == 0 {
		return "compile failed"
	}
	return e.Diagnostics[0].Message
}

// MemoryMutation is one named value a Run produced for SharedMemory.
type MemoryMutation struct {
	Identifier  string
	Description string
	Model       map[string]any
	Value       any
}

// RunContext is everything Run needs besides the compiled artifact: a
// read-only view of SharedMemory so snippets can reference earlier
// steps' outputs, plus the operation clients and service endpoints the
// step's plan permits it to call.
type RunContext struct {
	SharedMemory     *memory.Store
	OperationClients map[string]any
	ServiceEndpoints map[string]string
}

// RunResult is returned by Run on success.
type RunResult struct {
	SummaryText     string
	MemoryMutations []MemoryMutation
}

// RunFailed is returned (as an error) when execution fails at runtime
// rather than at compile time.
type RunFailed struct {
	SummaryOfError string
}

func (e *RunFailed) Error() string { return e.SummaryOfError }

// Runtime is the contract the orchestrator depends on. Implementations
// must be deterministic per (snippet, context) with no hidden state, must
// bound Run's wall-clock time (surfacing a timeout as RunFailed, never a
// hang), and must apply MemoryMutations atomically on success — on
// failure, no mutation may be observable.
type Runtime interface {
	// Compile compiles snippet and returns an artifact usable by Run, or a
	// *CompileFailed error carrying diagnostics the step retry machine can
	// feed back to the step implementer.
	Compile(ctx context.Context, snippetSource string) (CompileResult, error)

	// Run executes a compiled artifact against rc and returns a textual
	// summary plus the memory mutations it produced, or a *RunFailed error
	// when execution does not complete successfully.
	Run(ctx context.Context, artifact string, rc RunContext) (RunResult, error)
}
