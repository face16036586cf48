package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipporch/core/orchestrator/graph"
	"github.com/snipporch/core/orchestrator/memory"
	"github.com/snipporch/core/orchestrator/plan"
	"github.com/snipporch/core/orchestrator/progress"
	"github.com/snipporch/core/orchestrator/snippet"
	"github.com/snipporch/core/orchestrator/step"
)

type scriptedImplementer struct {
	byTitle map[string]step.Implementation
	errs    map[string]error
}

func (s *scriptedImplementer) Implement(_ context.Context, st plan.Step, _ *step.PriorAttempt, _ map[string]graph.OperationBundle, _ step.Options) (step.Implementation, error) {
	if err, ok := s.errs[st.Title]; ok {
		return step.Implementation{}, err
	}
	return s.byTitle[st.Title], nil
}

type scriptedRuntime struct {
	results map[string]snippet.RunResult
	runErrs map[string]error
}

func (r *scriptedRuntime) Compile(_ context.Context, src string) (snippet.CompileResult, error) {
	return snippet.CompileResult{ClassArtifact: src}, nil
}

func (r *scriptedRuntime) Run(_ context.Context, artifact string, _ snippet.RunContext) (snippet.RunResult, error) {
	if err, ok := r.runErrs[artifact]; ok {
		return snippet.RunResult{}, err
	}
	return r.results[artifact], nil
}

// flakyImplementer fails its first N-1 attempts for a step with a
// CompileFailed diagnostic, then succeeds, so tests can exercise the
// attempts counter surfaced in progress attrs.
type flakyImplementer struct {
	failFirst int
	calls     int
	result    step.Implementation
}

func (f *flakyImplementer) Implement(context.Context, plan.Step, *step.PriorAttempt, map[string]graph.OperationBundle, step.Options) (step.Implementation, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return step.Implementation{}, &snippet.CompileFailed{Diagnostics: []snippet.Diagnostic{{Message: "retry me"}}}
	}
	return f.result, nil
}

type stubGraph struct{}

func (stubGraph) QueryContext(context.Context, string) ([]graph.CandidateOperation, error) {
	return nil, nil
}
func (stubGraph) QueryOperationForPrompt(context.Context, string, graph.OperationKey) (graph.OperationBundle, bool, error) {
	return graph.OperationBundle{}, false, nil
}
func (stubGraph) Exists(context.Context, string, graph.OperationKey) (bool, error) {
	return true, nil
}

func TestExecutor_Run_WritesMemoryAndAccumulatesSummaries(t *testing.T) {
	p := plan.Plan{Steps: []plan.Step{
		{Title: "fetch", Services: []plan.StepService{{ServiceName: "orders", Operations: []string{"get"}}}},
		{Title: "notify", Services: []plan.StepService{{ServiceName: "mail", Operations: []string{"send"}}}},
	}}

	impl := &scriptedImplementer{byTitle: map[string]step.Implementation{
		"fetch":  {Snippet: "fetch-src"},
		"notify": {Snippet: "notify-src"},
	}}
	rt := &scriptedRuntime{results: map[string]snippet.RunResult{
		"fetch-src": {SummaryText: "fetched 3 orders", MemoryMutations: []snippet.MemoryMutation{
			{Identifier: "order_count", Value: 3},
		}},
		"notify-src": {SummaryText: "sent notification"},
	}}

	mem := memory.New()
	ex, err := New(Options{Graph: stubGraph{}, Runtime: rt, Implementer: impl, Memory: mem, MaxAttempts: 3})
	require.NoError(t, err)

	res := ex.Run(context.Background(), p)
	require.NoError(t, res.Err)
	assert.False(t, res.Cancelled)
	require.Len(t, res.Summaries, 2)
	assert.Equal(t, "fetched 3 orders", res.Summaries[0].Summary)
	assert.Equal(t, "sent notification", res.Summaries[1].Summary)

	entry, ok := mem.Get("order_count")
	require.True(t, ok)
	assert.Equal(t, 3, entry.Value)
}

func TestExecutor_Run_InvalidIdentifierSkippedWithWarning(t *testing.T) {
	p := plan.Plan{Steps: []plan.Step{{Title: "fetch"}}}
	impl := &scriptedImplementer{byTitle: map[string]step.Implementation{"fetch": {Snippet: "s"}}}
	rt := &scriptedRuntime{results: map[string]snippet.RunResult{
		"s": {SummaryText: "ok", MemoryMutations: []snippet.MemoryMutation{{Identifier: "1bad"}}},
	}}

	mem := memory.New()
	ex, err := New(Options{Runtime: rt, Implementer: impl, Memory: mem, MaxAttempts: 3})
	require.NoError(t, err)

	res := ex.Run(context.Background(), p)
	require.NoError(t, res.Err)
	assert.Equal(t, 0, mem.Len())
}

func TestExecutor_Run_StepExhaustionHaltsButKeepsPriorResults(t *testing.T) {
	p := plan.Plan{Steps: []plan.Step{
		{Title: "fetch"},
		{Title: "boom"},
	}}
	impl := &scriptedImplementer{
		byTitle: map[string]step.Implementation{"fetch": {Snippet: "s"}},
		errs:    map[string]error{"boom": &snippet.CompileFailed{Diagnostics: []snippet.Diagnostic{{Message: "e"}}}},
	}
	rt := &scriptedRuntime{results: map[string]snippet.RunResult{"s": {SummaryText: "fetched"}}}

	mem := memory.New()
	ex, err := New(Options{Runtime: rt, Implementer: impl, Memory: mem, MaxAttempts: 1})
	require.NoError(t, err)

	res := ex.Run(context.Background(), p)
	require.Error(t, res.Err)
	require.Len(t, res.Summaries, 1)
	assert.Equal(t, "fetched", res.Summaries[0].Summary)
}

func TestExecutor_Run_CancellationStopsBeforeNextStep(t *testing.T) {
	p := plan.Plan{Steps: []plan.Step{
		{Title: "fetch"},
		{Title: "notify"},
	}}
	impl := &scriptedImplementer{byTitle: map[string]step.Implementation{
		"fetch":  {Snippet: "s"},
		"notify": {Snippet: "n"},
	}}
	rt := &scriptedRuntime{results: map[string]snippet.RunResult{
		"s": {SummaryText: "fetched"},
		"n": {SummaryText: "notified"},
	}}

	mem := memory.New()
	ex, err := New(Options{Runtime: rt, Implementer: impl, Memory: mem, MaxAttempts: 3})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := ex.Run(ctx, p)
	assert.True(t, res.Cancelled)
	assert.Empty(t, res.Summaries)
}

func TestExecutor_Run_StepProgressIncludesAttemptsAttr(t *testing.T) {
	p := plan.Plan{Steps: []plan.Step{
		{Title: "fetch", Services: []plan.StepService{{ServiceName: "orders", Operations: []string{"get"}}}},
	}}
	impl := &flakyImplementer{failFirst: 1, result: step.Implementation{Snippet: "fetch-src"}}
	rt := &scriptedRuntime{results: map[string]snippet.RunResult{
		"fetch-src": {SummaryText: "fetched 3 orders"},
	}}

	var stepEvents []progress.Event
	sink := progress.New(progress.Options{
		Enabled: true,
		Transport: progress.TransportFunc(func(_ context.Context, e progress.Event) error {
			if e.Status == progress.StatusRunning {
				stepEvents = append(stepEvents, e)
			}
			return nil
		}),
	})

	mem := memory.New()
	ex, err := New(Options{Graph: stubGraph{}, Runtime: rt, Implementer: impl, Memory: mem, Sink: sink, MaxAttempts: 3})
	require.NoError(t, err)

	res := ex.Run(context.Background(), p)
	require.NoError(t, res.Err)
	require.Len(t, stepEvents, 1)
	assert.Equal(t, 2, stepEvents[0].Attrs["attempts"])
	assert.Equal(t, []string{"orders/get"}, res.OperationsInvoked)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
