package graph

import (
	"context"
	"sync"
)

// Cache wraps a KnowledgeGraph and memoizes results in memory for the
// lifetime of a single ExecutionRequest, per spec §4.7: "The core caches
// per-request results in memory for the duration of a single
// ExecutionRequest." Construct a fresh Cache per request; do not share one
// across requests.
type Cache struct {
	inner KnowledgeGraph

	mu          sync.Mutex
	contextByPrompt map[string][]CandidateOperation
	bundleByKey     map[string]bundleEntry
	existsByKey     map[string]bool
}

type bundleEntry struct {
	bundle OperationBundle
	found  bool
}

// NewCache builds a request-scoped cache around inner.
func NewCache(inner KnowledgeGraph) *Cache {
	return &Cache{
		inner:           inner,
		contextByPrompt: make(map[string][]CandidateOperation),
		bundleByKey:     make(map[string]bundleEntry),
		existsByKey:     make(map[string]bool),
	}
}

// QueryContext implements KnowledgeGraph, memoizing by exact prompt text.
func (c *Cache) QueryContext(ctx context.Context, prompt string) ([]CandidateOperation, error) {
	c.mu.Lock()
	if cached, ok := c.contextByPrompt[prompt]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	result, err := c.inner.QueryContext(ctx, prompt)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.contextByPrompt[prompt] = result
	c.mu.Unlock()
	return result, nil
}

// QueryOperationForPrompt implements KnowledgeGraph, memoizing by
// serviceName+key.
func (c *Cache) QueryOperationForPrompt(ctx context.Context, serviceName string, key OperationKey) (OperationBundle, bool, error) {
	cacheKey := serviceName + "\x00" + string(key)
	c.mu.Lock()
	if cached, ok := c.bundleByKey[cacheKey]; ok {
		c.mu.Unlock()
		return cached.bundle, cached.found, nil
	}
	c.mu.Unlock()

	bundle, found, err := c.inner.QueryOperationForPrompt(ctx, serviceName, key)
	if err != nil {
		return OperationBundle{}, false, err
	}
	c.mu.Lock()
	c.bundleByKey[cacheKey] = bundleEntry{bundle: bundle, found: found}
	c.mu.Unlock()
	return bundle, found, nil
}

// Exists implements KnowledgeGraph, memoizing by serviceName+key.
func (c *Cache) Exists(ctx context.Context, serviceName string, key OperationKey) (bool, error) {
	cacheKey := serviceName + "\x00" + string(key)
	c.mu.Lock()
	if cached, ok := c.existsByKey[cacheKey]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	exists, err := c.inner.Exists(ctx, serviceName, key)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.existsByKey[cacheKey] = exists
	c.mu.Unlock()
	return exists, nil
}
