package step

import (
	"context"
	"errors"
	"fmt"

	"github.com/snipporch/core/orchestrator/graph"
	"github.com/snipporch/core/orchestrator/llm"
	"github.com/snipporch/core/orchestrator/plan"
	"github.com/snipporch/core/orchestrator/snippet"
)

// Result is a step's successful outcome: the attempt that finally
// compiled and ran, its run output, how many attempts it took, and the
// token usage accumulated across every attempt (not just the winning
// one).
type Result struct {
	Implementation Implementation
	Run            snippet.RunResult
	Attempts       int
	Usage          llm.TokenUsage
}

// Exhausted is returned when a step exceeds its attempt bound without
// producing a successful run, matching spec §4.5: "exceeding maxAttempts
// ⇒ fail".
type Exhausted struct {
	StepTitle string
	Attempts  int
	LastError string
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("step %q exhausted %d attempts: %s", e.StepTitle, e.Attempts, e.LastError)
}

// Run drives the design->compile->run->done|fail state machine from
// spec §4.5 for one Step. The attempt counter is shared across design,
// compile, and run failures; the first attempt counts. Cancellation is
// checked at every state transition.
func Run(ctx context.Context, s plan.Step, impl Implementer, rt snippet.Runtime, bundles map[string]graph.OperationBundle, rc snippet.RunContext, maxAttempts int, opts Options) (Result, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var prior *PriorAttempt
	var lastErr string
	var usage llm.TokenUsage
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return Result{Usage: usage}, err
		}
		attempts++
		if attempts > maxAttempts {
			return Result{Usage: usage}, &Exhausted{StepTitle: s.Title, Attempts: attempts - 1, LastError: lastErr}
		}

		implementation, err := impl.Implement(ctx, s, prior, bundles, opts)
		usage = usage.Add(implementation.Usage)
		if err != nil {
			var cf *snippet.CompileFailed
			if errors.As(err, &cf) {
				// The normalization policies surface a synthetic
				// CompileFailed (e.g. "no public top-level class") before
				// the snippet ever reaches SnippetRuntime.Compile.
				prior = &PriorAttempt{Diagnostics: cf.Diagnostics}
				lastErr = cf.Error()
				continue
			}
			// A design-stage exception carries no diagnostics back into
			// the next attempt, per spec §4.5.
			prior = nil
			lastErr = err.Error()
			continue
		}

		if err := ctx.Err(); err != nil {
			return Result{Usage: usage}, err
		}

		compiled, err := rt.Compile(ctx, implementation.Snippet)
		if err != nil {
			var cf *snippet.CompileFailed
			if errors.As(err, &cf) {
				prior = &PriorAttempt{Snippet: implementation.Snippet, Diagnostics: cf.Diagnostics}
				lastErr = cf.Error()
				continue
			}
			return Result{Usage: usage}, fmt.Errorf("step %q: compile: %w", s.Title, err)
		}

		if err := ctx.Err(); err != nil {
			return Result{Usage: usage}, err
		}

		runResult, err := rt.Run(ctx, compiled.ClassArtifact, rc)
		if err != nil {
			var rf *snippet.RunFailed
			if errors.As(err, &rf) {
				prior = &PriorAttempt{Snippet: implementation.Snippet, RuntimeError: rf.SummaryOfError}
				lastErr = rf.Error()
				continue
			}
			return Result{Usage: usage}, fmt.Errorf("step %q: run: %w", s.Title, err)
		}

		return Result{Implementation: implementation, Run: runResult, Attempts: attempts, Usage: usage}, nil
	}
}
