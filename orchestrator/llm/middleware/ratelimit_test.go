package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snipporch/core/orchestrator/llm"
)

type fakeLLMClient struct {
	mu   sync.Mutex
	err  error
	resp llm.Response
}

func (f *fakeLLMClient) Generate(context.Context, string, llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

func (f *fakeLLMClient) Chat(context.Context, llm.Request) (llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

func TestAdaptiveRateLimiter_AllowsCallsWithinBudget(t *testing.T) {
	limiter := New(1_000_000, 1_000_000)
	fake := &fakeLLMClient{resp: llm.Response{Text: "ok"}}
	client := limiter.Wrap(fake)

	resp, err := client.Chat(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestAdaptiveRateLimiter_BacksOffOnRateLimitSignal(t *testing.T) {
	limiter := New(1_000_000, 1_000_000)
	fake := &fakeLLMClient{err: llm.ErrRateLimited}
	client := limiter.Wrap(fake)

	_, err := client.Chat(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.ErrorIs(t, err, llm.ErrRateLimited)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Less(t, limiter.currentTPM, 1_000_000.0)
}

func TestAdaptiveRateLimiter_ProbesUpOnSuccessButCapsAtMax(t *testing.T) {
	limiter := New(1_000, 1_000)
	fake := &fakeLLMClient{resp: llm.Response{Text: "ok"}}
	client := limiter.Wrap(fake)

	_, err := client.Chat(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.LessOrEqual(t, limiter.currentTPM, 1_000.0)
}

func TestAdaptiveRateLimiter_WaitRespectsContextCancellation(t *testing.T) {
	limiter := New(60, 60)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	require.NoError(t, limiter.wait(ctx, 60))
	err := limiter.wait(ctx, 60)
	require.Error(t, err)
}
