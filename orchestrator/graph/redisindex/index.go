// Package redisindex implements graph.KnowledgeGraph's QueryContext using a
// Redis-backed entity/alias index, grounded on the reference repository's
// use of Redis sorted sets for ranked lookups (features/model/middleware).
// Each alias token maps to a sorted set of candidate entity names scored by
// relevance weight, maintained by an external ingestion pipeline; this
// package only reads it.
package redisindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/snipporch/core/orchestrator/graph"
)

const (
	keyPrefix = "catalog:alias:"
)

// Client is the subset of *redis.Client the index depends on, so tests can
// supply a miniredis-backed or hand-rolled fake.
type Client interface {
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	SIsMember(ctx context.Context, key, member string) *redis.BoolCmd
}

// Index implements graph.KnowledgeGraph against Redis-backed entity
// lookups. Operation bundle storage is delegated to a second
// graph.KnowledgeGraph (typically graph/mongostore.Store), since bundles
// are naturally documents rather than ranked sets; Index answers
// QueryContext and Exists itself and forwards QueryOperationForPrompt.
type Index struct {
	rdb     Client
	bundles graph.KnowledgeGraph
	topN    int64
}

// Options configures an Index.
type Options struct {
	Client  Client
	Bundles graph.KnowledgeGraph
	// TopN bounds how many ranked candidates QueryContext returns per
	// matched alias token. Defaults to 5.
	TopN int64
}

// New builds a Redis-backed Index.
func New(opts Options) (*Index, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Bundles == nil {
		return nil, errors.New("bundle resolver is required")
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = 5
	}
	return &Index{rdb: opts.Client, bundles: opts.Bundles, topN: topN}, nil
}

// QueryContext tokenizes prompt on whitespace and looks up each lowercased
// token in the per-alias sorted set, merging ranked candidates across
// tokens and keeping the highest score seen per entity.
func (i *Index) QueryContext(ctx context.Context, prompt string) ([]graph.CandidateOperation, error) {
	seen := make(map[string]*graph.CandidateOperation)
	for _, token := range strings.Fields(strings.ToLower(prompt)) {
		key := keyPrefix + token
		results, err := i.rdb.ZRevRangeWithScores(ctx, key, 0, i.topN-1).Result()
		if err != nil {
			return nil, fmt.Errorf("query alias index for %q: %w", token, err)
		}
		for _, z := range results {
			entity, ok := z.Member.(string)
			if !ok {
				continue
			}
			cand, exists := seen[entity]
			if !exists || z.Score > cand.Confidence {
				ops, err := i.operationsFor(ctx, entity)
				if err != nil {
					return nil, err
				}
				seen[entity] = &graph.CandidateOperation{EntityName: entity, Operations: ops, Confidence: z.Score}
			}
		}
	}
	candidates := make([]graph.CandidateOperation, 0, len(seen))
	for _, c := range seen {
		candidates = append(candidates, *c)
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].Confidence > candidates[b].Confidence
	})
	return candidates, nil
}

// operationsFor reads the "catalog:entity:<name>:ops" hash maintained by
// ingestion, returning the operation keys registered for entity.
func (i *Index) operationsFor(ctx context.Context, entity string) ([]graph.OperationKey, error) {
	fields, err := i.rdb.HGetAll(ctx, "catalog:entity:"+entity+":ops").Result()
	if err != nil {
		return nil, fmt.Errorf("load operations for entity %q: %w", entity, err)
	}
	ops := make([]graph.OperationKey, 0, len(fields))
	for op := range fields {
		ops = append(ops, graph.OperationKey(op))
	}
	return ops, nil
}

// QueryOperationForPrompt delegates to the configured bundle resolver.
func (i *Index) QueryOperationForPrompt(ctx context.Context, serviceName string, key graph.OperationKey) (graph.OperationBundle, bool, error) {
	return i.bundles.QueryOperationForPrompt(ctx, serviceName, key)
}

// Exists checks membership in the "catalog:service:<name>:ops" set
// maintained by ingestion.
func (i *Index) Exists(ctx context.Context, serviceName string, key graph.OperationKey) (bool, error) {
	ok, err := i.rdb.SIsMember(ctx, "catalog:service:"+serviceName+":ops", string(key)).Result()
	if err != nil {
		return false, fmt.Errorf("check operation membership %s/%s: %w", serviceName, key, err)
	}
	return ok, nil
}
