package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipporch/core/orchestrator/llm"
)

type fakeRuntime struct {
	out *bedrockruntime.ConverseOutput
	err error
	got *bedrockruntime.ConverseInput
}

func (f *fakeRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.got = params
	return f.out, f.err
}

func TestNew_RequiresRuntimeAndModel(t *testing.T) {
	_, err := New(Options{DefaultModel: "anthropic.claude"})
	require.Error(t, err)

	_, err = New(Options{Runtime: &fakeRuntime{}})
	require.Error(t, err)
}

func TestChat_TranslatesOutput(t *testing.T) {
	fake := &fakeRuntime{out: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "hello"}},
		}},
		Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(5), TotalTokens: aws.Int32(15)},
	}}
	c, err := New(Options{Runtime: fake, DefaultModel: "anthropic.claude"})
	require.NoError(t, err)

	resp, err := c.Chat(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestChat_RequiresMessages(t *testing.T) {
	c, err := New(Options{Runtime: &fakeRuntime{}, DefaultModel: "anthropic.claude"})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), llm.Request{})
	require.Error(t, err)
}
