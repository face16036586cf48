// Package bedrock adapts the AWS Bedrock Converse API into llm.Client,
// grounded on the reference adapter features/model/bedrock/client.go:
// split system vs. conversational messages and translate Converse
// responses back into generic request/response structures.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/snipporch/core/orchestrator/llm"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client the
// adapter depends on; it is satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float32
}

// Client implements llm.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTokens    int
	temperature  float32
}

// New builds a Bedrock-backed llm.Client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, prompt string, req llm.Request) (llm.Response, error) {
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: prompt})
	return c.Chat(ctx, req)
}

// Chat implements llm.Client.
func (c *Client) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	input, err := c.prepareInput(req)
	if err != nil {
		return llm.Response{}, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isThrottled(err) {
			return llm.Response{}, fmt.Errorf("%w: %w", llm.ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateOutput(out), nil
}

func (c *Client) prepareInput(req llm.Request) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := c.resolveModelID(req)
	if modelID == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}
	var system []brtypes.SystemContentBlock
	var messages []brtypes.Message
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case llm.RoleUser:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case llm.RoleAssistant:
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(messages) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}

	cfg := &brtypes.InferenceConfiguration{}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		v := int32(maxTokens)
		cfg.MaxTokens = &v
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = float64(c.temperature)
	}
	if temp > 0 {
		v := float32(temp)
		cfg.Temperature = &v
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:        &modelID,
		Messages:       messages,
		InferenceConfig: cfg,
	}
	if len(system) > 0 {
		input.System = system
	}
	return input, nil
}

func (c *Client) resolveModelID(req llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case llm.ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case llm.ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func translateOutput(out *bedrockruntime.ConverseOutput) llm.Response {
	var text string
	if msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msgOut.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok && tb.Value != "" {
				if text != "" {
					text += "\n"
				}
				text += tb.Value
			}
		}
	}
	resp := llm.Response{Text: text}
	if out.Usage != nil {
		resp.Usage = llm.TokenUsage{
			InputTokens:  int(derefInt32(out.Usage.InputTokens)),
			OutputTokens: int(derefInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(derefInt32(out.Usage.TotalTokens)),
		}
	}
	return resp
}

func derefInt32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ThrottlingException"
	}
	return false
}
