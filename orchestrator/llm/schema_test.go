package llm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	text  string
	err   error
	usage TokenUsage
}

func (f *fakeClient) Generate(context.Context, string, Request) (Response, error) {
	return Response{Text: f.text, Usage: f.usage}, f.err
}

func (f *fakeClient) Chat(context.Context, Request) (Response, error) {
	return Response{Text: f.text, Usage: f.usage}, f.err
}

const personSchema = `{
	"type": "object",
	"properties": {"name": {"type": "string"}, "age": {"type": "integer"}},
	"required": ["name", "age"]
}`

func TestStructuredClient_ValidResponsePasses(t *testing.T) {
	sc := WithSchemaValidation(&fakeClient{text: `{"name":"Ada","age":30}`, usage: TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}})
	raw, usage, err := sc.ChatStructured(context.Background(), Request{}, json.RawMessage(personSchema))
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "Ada", out["name"])
	assert.Equal(t, TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, usage)
}

func TestStructuredClient_RejectsNonJSON(t *testing.T) {
	sc := WithSchemaValidation(&fakeClient{text: "not json"})
	_, _, err := sc.ChatStructured(context.Background(), Request{}, json.RawMessage(personSchema))
	require.Error(t, err)
}

func TestStructuredClient_RejectsSchemaViolation(t *testing.T) {
	sc := WithSchemaValidation(&fakeClient{text: `{"name":"Ada"}`})
	_, _, err := sc.ChatStructured(context.Background(), Request{}, json.RawMessage(personSchema))
	require.Error(t, err)
}

func TestStructuredClient_NoSchemaSkipsValidation(t *testing.T) {
	sc := WithSchemaValidation(&fakeClient{text: `{"anything": true}`})
	_, _, err := sc.ChatStructured(context.Background(), Request{}, nil)
	require.NoError(t, err)
}

func TestStructuredClient_GenerateStructuredPropagatesUnderlyingError(t *testing.T) {
	boom := assertError("boom")
	sc := WithSchemaValidation(&fakeClient{err: boom})
	_, _, err := sc.GenerateStructured(context.Background(), "prompt", json.RawMessage(personSchema), Request{})
	require.ErrorIs(t, err, boom)
}

type assertError string

func (e assertError) Error() string { return string(e) }
