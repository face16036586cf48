package step

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipporch/core/orchestrator/graph"
	"github.com/snipporch/core/orchestrator/plan"
	"github.com/snipporch/core/orchestrator/snippet"
)

type scriptedImplementer struct {
	attempts []Implementation
	errs     []error
	calls    int
	priors   []*PriorAttempt
}

func (s *scriptedImplementer) Implement(_ context.Context, _ plan.Step, prior *PriorAttempt, _ map[string]graph.OperationBundle, _ Options) (Implementation, error) {
	s.priors = append(s.priors, prior)
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	var impl Implementation
	if i < len(s.attempts) {
		impl = s.attempts[i]
	}
	return impl, err
}

type scriptedRuntime struct {
	compileErrs []error
	runErrs     []error
	compileN    int
	runN        int
}

func (r *scriptedRuntime) Compile(_ context.Context, src string) (snippet.CompileResult, error) {
	i := r.compileN
	r.compileN++
	if i < len(r.compileErrs) && r.compileErrs[i] != nil {
		return snippet.CompileResult{}, r.compileErrs[i]
	}
	return snippet.CompileResult{ClassArtifact: src}, nil
}

func (r *scriptedRuntime) Run(_ context.Context, artifact string, _ snippet.RunContext) (snippet.RunResult, error) {
	i := r.runN
	r.runN++
	if i < len(r.runErrs) && r.runErrs[i] != nil {
		return snippet.RunResult{}, r.runErrs[i]
	}
	return snippet.RunResult{SummaryText: "ran " + artifact}, nil
}

func TestRun_SucceedsFirstAttempt(t *testing.T) {
	impl := &scriptedImplementer{attempts: []Implementation{{Snippet: "s1"}}}
	rt := &scriptedRuntime{}

	res, err := Run(context.Background(), plan.Step{Title: "step1"}, impl, rt, nil, snippet.RunContext{}, 3, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "ran s1", res.Run.SummaryText)
}

func TestRun_RetriesOnCompileFailureThenSucceeds(t *testing.T) {
	impl := &scriptedImplementer{attempts: []Implementation{{Snippet: "bad"}, {Snippet: "good"}}}
	rt := &scriptedRuntime{compileErrs: []error{&snippet.CompileFailed{Diagnostics: []snippet.Diagnostic{{Message: "syntax"}}}}}

	res, err := Run(context.Background(), plan.Step{Title: "step1"}, impl, rt, nil, snippet.RunContext{}, 3, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	require.NotNil(t, impl.priors[1])
	assert.Equal(t, "syntax", impl.priors[1].Diagnostics[0].Message)
}

func TestRun_RetriesOnRunFailureThenSucceeds(t *testing.T) {
	impl := &scriptedImplementer{attempts: []Implementation{{Snippet: "a"}, {Snippet: "b"}}}
	rt := &scriptedRuntime{runErrs: []error{&snippet.RunFailed{SummaryOfError: "npe"}}}

	res, err := Run(context.Background(), plan.Step{Title: "step1"}, impl, rt, nil, snippet.RunContext{}, 3, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	require.NotNil(t, impl.priors[1])
	assert.Equal(t, "npe", impl.priors[1].RuntimeError)
}

func TestRun_DesignFailureClearsPriorDiagnostics(t *testing.T) {
	impl := &scriptedImplementer{
		attempts: []Implementation{{}, {Snippet: "ok"}},
		errs:     []error{errors.New("design blew up")},
	}
	rt := &scriptedRuntime{}

	res, err := Run(context.Background(), plan.Step{Title: "step1"}, impl, rt, nil, snippet.RunContext{}, 3, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Nil(t, impl.priors[1])
}

func TestRun_ExhaustsAttempts(t *testing.T) {
	impl := &scriptedImplementer{attempts: []Implementation{{Snippet: "x"}, {Snippet: "x"}, {Snippet: "x"}}}
	rt := &scriptedRuntime{compileErrs: []error{
		&snippet.CompileFailed{Diagnostics: []snippet.Diagnostic{{Message: "e1"}}},
		&snippet.CompileFailed{Diagnostics: []snippet.Diagnostic{{Message: "e2"}}},
		&snippet.CompileFailed{Diagnostics: []snippet.Diagnostic{{Message: "e3"}}},
	}}

	_, err := Run(context.Background(), plan.Step{Title: "step1"}, impl, rt, nil, snippet.RunContext{}, 3, Options{})
	require.Error(t, err)
	var exhausted *Exhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestRun_CancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	impl := &scriptedImplementer{attempts: []Implementation{{Snippet: "x"}}}
	rt := &scriptedRuntime{}

	_, err := Run(ctx, plan.Step{Title: "step1"}, impl, rt, nil, snippet.RunContext{}, 3, Options{})
	require.Error(t, err)
	assert.Equal(t, 0, impl.calls)
}
