package plan

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipporch/core/orchestrator/graph"
	"github.com/snipporch/core/orchestrator/llm"
)

type fakeStructuredLLM struct {
	responses []string
	calls     int
}

func (f *fakeStructuredLLM) Generate(context.Context, string, llm.Request) (llm.Response, error) {
	panic("not used")
}

func (f *fakeStructuredLLM) Chat(context.Context, llm.Request) (llm.Response, error) {
	panic("not used")
}

func (f *fakeStructuredLLM) GenerateStructured(context.Context, string, json.RawMessage, llm.Request) (json.RawMessage, llm.TokenUsage, error) {
	panic("not used")
}

func (f *fakeStructuredLLM) ChatStructured(context.Context, llm.Request, json.RawMessage) (json.RawMessage, llm.TokenUsage, error) {
	panic("not used")
}

// structuredByPrompt routes GenerateStructured to the next queued
// response regardless of prompt content, tracking call count for
// retry-exhaustion assertions.
type structuredByPrompt struct {
	fakeStructuredLLM
}

func (f *structuredByPrompt) GenerateStructured(_ context.Context, _ string, _ json.RawMessage, _ llm.Request) (json.RawMessage, llm.TokenUsage, error) {
	resp := f.responses[f.calls]
	f.calls++
	return json.RawMessage(resp), llm.TokenUsage{TotalTokens: 10}, nil
}

type fakeGraph struct {
	known map[string]bool
}

func (g *fakeGraph) QueryContext(context.Context, string) ([]graph.CandidateOperation, error) {
	return nil, nil
}

func (g *fakeGraph) QueryOperationForPrompt(context.Context, string, graph.OperationKey) (graph.OperationBundle, bool, error) {
	return graph.OperationBundle{}, false, nil
}

func (g *fakeGraph) Exists(_ context.Context, service string, key graph.OperationKey) (bool, error) {
	return g.known[service+"/"+string(key)], nil
}

func TestDesigner_Design_ValidPlanFirstTry(t *testing.T) {
	llmFake := &structuredByPrompt{fakeStructuredLLM{responses: []string{
		`{"steps":[{"title":"fetch","services":[{"serviceName":"orders","operations":["get"]}]}]}`,
	}}}
	kg := &fakeGraph{known: map[string]bool{"orders/get": true}}

	d, err := New(llmFake, kg)
	require.NoError(t, err)

	p, _, err := d.Design(context.Background(), "get my orders", nil, Options{})
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "fetch", p.Steps[0].Title)
	assert.Equal(t, 1, llmFake.calls)
}

func TestDesigner_Design_RetriesOnceThenSucceeds(t *testing.T) {
	llmFake := &structuredByPrompt{fakeStructuredLLM{responses: []string{
		`{"steps":[{"title":"fetch","services":[{"serviceName":"orders","operations":["unknown_op"]}]}]}`,
		`{"steps":[{"title":"fetch","services":[{"serviceName":"orders","operations":["get"]}]}]}`,
	}}}
	kg := &fakeGraph{known: map[string]bool{"orders/get": true}}

	d, err := New(llmFake, kg)
	require.NoError(t, err)

	p, _, err := d.Design(context.Background(), "get my orders", nil, Options{})
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, 2, llmFake.calls)
}

func TestDesigner_Design_TwoFailuresReturnsInvalidPlan(t *testing.T) {
	llmFake := &structuredByPrompt{fakeStructuredLLM{responses: []string{
		`{"steps":[{"title":"fetch","services":[{"serviceName":"orders","operations":["unknown_op"]}]}]}`,
		`{"steps":[{"title":"fetch","services":[{"serviceName":"orders","operations":["still_unknown"]}]}]}`,
	}}}
	kg := &fakeGraph{known: map[string]bool{}}

	d, err := New(llmFake, kg)
	require.NoError(t, err)

	_, _, err = d.Design(context.Background(), "get my orders", nil, Options{})
	require.Error(t, err)
	var invalid *InvalidPlan
	require.ErrorAs(t, err, &invalid)
	assert.NotEmpty(t, invalid.Reasons)
	assert.Equal(t, 2, llmFake.calls)
}

func TestDesigner_Design_RejectsDuplicateStepTitles(t *testing.T) {
	llmFake := &structuredByPrompt{fakeStructuredLLM{responses: []string{
		`{"steps":[{"title":"a","services":[]},{"title":"a","services":[]}]}`,
		`{"steps":[{"title":"a","services":[]}]}`,
	}}}
	kg := &fakeGraph{known: map[string]bool{}}

	d, err := New(llmFake, kg)
	require.NoError(t, err)

	p, _, err := d.Design(context.Background(), "do a thing", nil, Options{})
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
}

func TestDesigner_Design_RejectsDuplicateOperationWithinStep(t *testing.T) {
	llmFake := &structuredByPrompt{fakeStructuredLLM{responses: []string{
		`{"steps":[{"title":"fetch","services":[{"serviceName":"orders","operations":["get","get"]}]}]}`,
		`{"steps":[{"title":"fetch","services":[{"serviceName":"orders","operations":["get"]}]}]}`,
	}}}
	kg := &fakeGraph{known: map[string]bool{"orders/get": true}}

	d, err := New(llmFake, kg)
	require.NoError(t, err)

	p, _, err := d.Design(context.Background(), "get my orders", nil, Options{})
	require.NoError(t, err)
	require.Len(t, p.Steps[0].Services[0].Operations, 1)
}

func TestNew_RequiresClientAndGraph(t *testing.T) {
	_, err := New(nil, &fakeGraph{})
	require.Error(t, err)

	_, err = New(&structuredByPrompt{}, nil)
	require.Error(t, err)
}
