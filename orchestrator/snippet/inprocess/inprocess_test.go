package inprocess

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipporch/core/orchestrator/snippet"
)

type fakeCompiler struct {
	artifact string
	diags    []snippet.Diagnostic
	err      error
}

func (f *fakeCompiler) Compile(context.Context, string) (string, []snippet.Diagnostic, error) {
	return f.artifact, f.diags, f.err
}

type fakeExecutor struct {
	res   snippet.RunResult
	err   error
	delay time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, artifact string, rc snippet.RunContext) (snippet.RunResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return snippet.RunResult{}, ctx.Err()
		}
	}
	return f.res, f.err
}

func TestRuntime_CompileSuccess(t *testing.T) {
	rt, err := New(Options{Compiler: &fakeCompiler{artifact: "art-1"}, Executor: &fakeExecutor{}})
	require.NoError(t, err)

	res, err := rt.Compile(context.Background(), "class A {}")
	require.NoError(t, err)
	assert.Equal(t, "art-1", res.ClassArtifact)
}

func TestRuntime_CompileFailurePropagatesDiagnostics(t *testing.T) {
	diags := []snippet.Diagnostic{{Line: 3, Message: "unexpected token"}}
	rt, err := New(Options{Compiler: &fakeCompiler{diags: diags, err: errors.New("boom")}, Executor: &fakeExecutor{}})
	require.NoError(t, err)

	_, err = rt.Compile(context.Background(), "class A {")
	require.Error(t, err)
	var failed *snippet.CompileFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, diags, failed.Diagnostics)
}

func TestRuntime_RunSuccess(t *testing.T) {
	want := snippet.RunResult{SummaryText: "did the thing"}
	rt, err := New(Options{Compiler: &fakeCompiler{}, Executor: &fakeExecutor{res: want}})
	require.NoError(t, err)

	got, err := rt.Run(context.Background(), "art-1", snippet.RunContext{})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRuntime_RunTimesOut(t *testing.T) {
	rt, err := New(Options{
		Compiler:   &fakeCompiler{},
		Executor:   &fakeExecutor{delay: 50 * time.Millisecond},
		RunTimeout: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = rt.Run(context.Background(), "art-1", snippet.RunContext{})
	require.Error(t, err)
	var failed *snippet.RunFailed
	require.ErrorAs(t, err, &failed)
}

func TestRuntime_RunFailurePropagatesSummary(t *testing.T) {
	rt, err := New(Options{Compiler: &fakeCompiler{}, Executor: &fakeExecutor{err: errors.New("divide by zero")}})
	require.NoError(t, err)

	_, err = rt.Run(context.Background(), "art-1", snippet.RunContext{})
	require.Error(t, err)
	var failed *snippet.RunFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "divide by zero", failed.SummaryOfError)
}
