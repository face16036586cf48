// Package middleware provides reusable llm.Client middlewares, grounded
// on the reference's AIMD-style adaptive rate limiter
// (features/model/middleware/ratelimit.go): a token-bucket limiter that
// estimates request cost, blocks until capacity is available, and backs
// off on provider rate-limit signals. Cluster-wide coordination is
// retargeted from the reference's Pulse replicated map to a Redis-backed
// shared budget via github.com/redis/go-redis/v9, since the orchestrator
// wires Redis for KnowledgeGraph already and need not add Pulse solely
// for this.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snipporch/core/orchestrator/llm"
)

// clusterBudget is the subset of a Redis client the cluster-aware
// limiter depends on, narrowed so tests can supply a fake.
type clusterBudget interface {
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndSwap(ctx context.Context, key, oldValue, newValue string) (bool, error)
}

// AdaptiveRateLimiter applies an AIMD-style token bucket in front of an
// llm.Client: it estimates the token cost of each request, blocks the
// caller until capacity is available, and halves its effective budget
// when the wrapped client reports llm.ErrRateLimited, recovering
// gradually on successful calls. The bucket's burst equals the current
// tokens-per-minute budget: a request whose estimated cost exceeds it
// does not block but fails at once with the token bucket's error.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64

	cluster    clusterBudget
	clusterKey string
}

// New constructs a process-local AdaptiveRateLimiter with an initial and
// maximum tokens-per-minute budget.
func New(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// WithCluster coordinates this limiter's budget with other processes
// sharing the same Redis-backed key, seeding the key if absent. It
// returns l for chaining.
func (l *AdaptiveRateLimiter) WithCluster(ctx context.Context, rdb clusterBudget, key string) *AdaptiveRateLimiter {
	if rdb == nil || key == "" {
		return l
	}
	l.cluster = rdb
	l.clusterKey = key

	if cur, err := rdb.Get(ctx, key); err == nil && cur != "" {
		if v, perr := strconv.ParseFloat(cur, 64); perr == nil && v > 0 {
			l.replaceTPM(v)
			return l
		}
	}
	_, _ = rdb.SetNX(ctx, key, strconv.FormatFloat(l.currentTPM, 'f', -1, 64), 0)
	return l
}

// Wrap returns an llm.Client that enforces the limiter in front of next.
func (l *AdaptiveRateLimiter) Wrap(next llm.Client) llm.Client {
	return &limitedClient{next: next, limiter: l}
}

type limitedClient struct {
	next    llm.Client
	limiter *AdaptiveRateLimiter
}

func (c *limitedClient) Generate(ctx context.Context, prompt string, req llm.Request) (llm.Response, error) {
	if err := c.limiter.wait(ctx, estimateTokens(prompt, req)); err != nil {
		return llm.Response{}, err
	}
	resp, err := c.next.Generate(ctx, prompt, req)
	c.limiter.observe(ctx, err)
	return resp, err
}

func (c *limitedClient) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	cost := 500
	for _, m := range req.Messages {
		cost += len(m.Content) / 3
	}
	if err := c.limiter.wait(ctx, cost); err != nil {
		return llm.Response{}, err
	}
	resp, err := c.next.Chat(ctx, req)
	c.limiter.observe(ctx, err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, tokens int) error {
	return l.limiter.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(ctx context.Context, err error) {
	if err == nil {
		l.probe(ctx)
		return
	}
	if isRateLimited(err) {
		l.backoff(ctx)
	}
}

func (l *AdaptiveRateLimiter) backoff(ctx context.Context) {
	l.mu.Lock()
	prev := l.currentTPM
	newTPM := prev * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	changed := newTPM != prev
	if changed {
		l.setTPMLocked(newTPM)
	}
	cluster, key := l.cluster, l.clusterKey
	l.mu.Unlock()

	if changed && cluster != nil {
		go propagateBudget(context.Background(), cluster, key, prev, newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe(ctx context.Context) {
	l.mu.Lock()
	prev := l.currentTPM
	newTPM := prev + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	changed := newTPM != prev
	if changed {
		l.setTPMLocked(newTPM)
	}
	cluster, key := l.cluster, l.clusterKey
	l.mu.Unlock()

	if changed && cluster != nil {
		go propagateBudget(context.Background(), cluster, key, prev, newTPM)
	}
}

// replaceTPM overwrites the local budget without propagating to the
// cluster, used when reconciling against a value read from Redis.
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	l.setTPMLocked(tpm)
}

func (l *AdaptiveRateLimiter) setTPMLocked(tpm float64) {
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// propagateBudget attempts a compare-and-swap of the shared budget key,
// retrying briefly if another process raced it. Best-effort: a failure
// here leaves this process's local budget authoritative for itself.
func propagateBudget(ctx context.Context, cluster clusterBudget, key string, oldTPM, newTPM float64) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	const maxAttempts = 3
	oldVal := strconv.FormatFloat(oldTPM, 'f', -1, 64)
	newVal := strconv.FormatFloat(newTPM, 'f', -1, 64)
	for i := 0; i < maxAttempts; i++ {
		ok, err := cluster.CompareAndSwap(ctx, key, oldVal, newVal)
		if err != nil || ok {
			return
		}
		cur, err := cluster.Get(ctx, key)
		if err != nil || cur == oldVal {
			return
		}
		oldVal = cur
	}
}

// estimateTokens computes a cheap heuristic for the number of tokens a
// Generate call will cost: prompt length plus req.Messages, converted at
// a fixed ratio with a fixed overhead buffer.
func estimateTokens(prompt string, req llm.Request) int {
	chars := len(prompt)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	if chars <= 0 {
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func isRateLimited(err error) bool {
	return errors.Is(err, llm.ErrRateLimited)
}
