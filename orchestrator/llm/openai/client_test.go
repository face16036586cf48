package openai

import (
	"context"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipporch/core/orchestrator/llm"
)

type fakeChat struct {
	resp *openai.ChatCompletion
	err  error
	got  openai.ChatCompletionNewParams
}

func (f *fakeChat) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	f.got = body
	return f.resp, f.err
}

func TestNew_RequiresClientAndModel(t *testing.T) {
	_, err := New(Options{DefaultModel: "gpt-test"})
	require.Error(t, err)

	_, err = New(Options{Client: &fakeChat{}})
	require.Error(t, err)
}

func TestChat_TranslatesResponse(t *testing.T) {
	fake := &fakeChat{resp: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "hi back"}}},
		Usage:   openai.CompletionUsage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6},
	}}
	c, err := New(Options{Client: fake, DefaultModel: "gpt-test"})
	require.NoError(t, err)

	resp, err := c.Chat(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi back", resp.Text)
	assert.Equal(t, 6, resp.Usage.TotalTokens)
	assert.Equal(t, "gpt-test", fake.got.Model)
}

func TestChat_RequiresMessages(t *testing.T) {
	c, err := New(Options{Client: &fakeChat{}, DefaultModel: "gpt-test"})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), llm.Request{})
	require.Error(t, err)
}
