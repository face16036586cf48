// Package inprocess provides an in-process snippet.Runtime implementation
// suitable for local development and tests, grounded on the reference
// runtime's in-memory workflow engine (runtime/agent/engine/inmem): a
// single-process implementation of a two-sided interface that trades
// isolation for simplicity and is explicitly not meant for production
// sandboxing of untrusted code.
package inprocess

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/snipporch/core/orchestrator/snippet"
)

// Compiler is the subset of a host-language toolchain the Runtime needs:
// compile source text into an artifact reference, or fail with
// diagnostics. Tests substitute a fake; a real deployment wires a
// subprocess-based compiler (e.g. invoking javac or go build against a
// scratch module) behind this same interface.
type Compiler interface {
	Compile(ctx context.Context, source string) (artifact string, diags []snippet.Diagnostic, err error)
}

// Executor runs a compiled artifact in-process and returns its result.
type Executor interface {
	Execute(ctx context.Context, artifact string, rc snippet.RunContext) (snippet.RunResult, error)
}

// Runtime is an in-memory snippet.Runtime. It is not sandboxed: Compile
// and Run execute in the same process as the orchestrator, and it should
// only be used for local development, tests, or trusted-input
// deployments — not for arbitrary untrusted generated code.
type Runtime struct {
	mu        sync.Mutex
	compiler  Compiler
	executor  Executor
	runTimeout time.Duration
}

// Options configures a Runtime.
type Options struct {
	Compiler Compiler
	Executor Executor
	// RunTimeout bounds Run's wall-clock time. Defaults to 30s.
	RunTimeout time.Duration
}

// New builds an in-process Runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Compiler == nil {
		return nil, fmt.Errorf("compiler is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Runtime{compiler: opts.Compiler, executor: opts.Executor, runTimeout: timeout}, nil
}

// Compile implements snippet.Runtime.
func (r *Runtime) Compile(ctx context.Context, source string) (snippet.CompileResult, error) {
	artifact, diags, err := r.compiler.Compile(ctx, source)
	if err != nil {
		return snippet.CompileResult{}, &snippet.CompileFailed{Diagnostics: diags}
	}
	return snippet.CompileResult{ClassArtifact: artifact, Diagnostics: diags}, nil
}

// Run implements snippet.Runtime, bounding execution to r.runTimeout so a
// runaway snippet surfaces as a RunFailed rather than hanging the step.
func (r *Runtime) Run(ctx context.Context, artifact string, rc snippet.RunContext) (snippet.RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()

	type outcome struct {
		res snippet.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		// Serialize execution: the in-process runtime shares one process's
		// resources across steps, so it does not attempt concurrent runs.
		r.mu.Lock()
		defer r.mu.Unlock()
		res, err := r.executor.Execute(ctx, artifact, rc)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return snippet.RunResult{}, &snippet.RunFailed{SummaryOfError: fmt.Sprintf("run exceeded timeout of %s", r.runTimeout)}
	case o := <-done:
		if o.err != nil {
			return snippet.RunResult{}, &snippet.RunFailed{SummaryOfError: o.err.Error()}
		}
		return o.res, nil
	}
}
