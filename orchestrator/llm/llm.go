// Package llm defines Client: the provider-agnostic contract the plan
// designer, step implementer, and summary composer use to talk to a
// language model, grounded on the reference runtime's model.Client
// (runtime/agent/model) and its provider adapters under features/model.
//
// Unlike the reference's model.Client, Client has no notion of
// tool-calling: PlanDesigner, StepImplementer, and SummaryComposer all
// get structured output via JSON-schema-constrained prompting rather
// than provider tool-use, so the contract stays small and
// provider-neutral (see StructuredClient in schema.go).
package llm

import (
	"context"
	"errors"
)

// ErrRateLimited is wrapped into the error returned by Generate/Chat when
// the provider signals the caller is being throttled, so
// llm/middleware.AdaptiveRateLimiter can distinguish it from other failures.
var ErrRateLimited = errors.New("llm: rate limited")

// ModelClass lets a caller ask for "the cheap model" or "the
// high-reasoning model" without naming a concrete provider identifier,
// mirroring the reference's ModelClass used to route Haiku vs Opus.
type ModelClass string

const (
	ModelClassDefault        ModelClass = ""
	ModelClassSmall          ModelClass = "small"
	ModelClassHighReasoning  ModelClass = "high_reasoning"
)

// Role is a conversation turn's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation. Content is plain text: neither
// PlanDesigner, StepImplementer, nor SummaryComposer need multi-part
// messages (images, tool results) for this contract.
type Message struct {
	Role    Role
	Content string
}

// Request is the provider-neutral request shape shared by Generate and
// Chat.
type Request struct {
	Messages []Message

	// Model, when set, names a concrete provider model identifier and
	// takes precedence over ModelClass.
	Model string
	// ModelClass selects a provider-configured model identifier when Model
	// is empty.
	ModelClass ModelClass

	MaxTokens   int
	Temperature float64

	// Cacheable marks the request as safe for provider-side prompt
	// caching (e.g. Anthropic's cache_control breakpoints); adapters that
	// do not support caching ignore it.
	Cacheable bool
}

// TokenUsage reports provider-side token accounting for one call.
type TokenUsage struct {
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Add returns the element-wise sum of u and other, used to accumulate
// usage across the several LLM calls one orchestration run makes.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:      u.InputTokens + other.InputTokens,
		OutputTokens:     u.OutputTokens + other.OutputTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
		CacheReadTokens:  u.CacheReadTokens + other.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + other.CacheWriteTokens,
	}
}

// Response is returned by Generate and Chat.
type Response struct {
	Text  string
	Usage TokenUsage
}

// Client is the provider-agnostic LLM contract every stage of the
// orchestration pipeline depends on.
type Client interface {
	// Generate issues a single-turn completion for prompt, using req for
	// model selection and sampling parameters. prompt is appended to
	// req.Messages as the final user turn.
	Generate(ctx context.Context, prompt string, req Request) (Response, error)

	// Chat issues a multi-turn completion using req.Messages as the full
	// conversation.
	Chat(ctx context.Context, req Request) (Response, error)
}
