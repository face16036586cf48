// Package graph defines the KnowledgeGraph contract described in spec §4.7:
// a read-only view over the caller's REST catalog, queried by entity name
// and operation key. Catalog ingestion (chunking, entity extraction,
// indexing) is out of scope for this module; implementations live in
// sibling packages (graph/mongostore, graph/redisindex) or are supplied by
// the caller.
package graph

import "context"

// OperationKey identifies one catalog operation within a named service.
// Keys are opaque to the orchestrator; KnowledgeGraph implementations
// assign and resolve them.
type OperationKey string

// CandidateOperation is one ranked result from QueryContext: an entity
// name plus the operation keys associated with it.
type CandidateOperation struct {
	EntityName string
	Operations []OperationKey
	// Confidence ranks this candidate against others returned by the same
	// QueryContext call; higher is more relevant. Not normalized to [0,1].
	Confidence float64
}

// OperationBundle is the per-operation prompt bundle returned by
// QueryOperationForPrompt: everything a planner or step implementer needs
// to reference the operation correctly.
type OperationBundle struct {
	OperationID     string
	Method          string
	Path            string
	RequestSchema   map[string]any
	ResponseSchema  map[string]any
	Examples        []string
	DocsMarkdown    string
}

// KnowledgeGraph is the read-only contract the orchestrator depends on.
// QueryContext returns nil (not an error) when nothing matches; the
// orchestrator treats that as KindNoCatalogContext, not a collaborator
// failure. QueryOperationForPrompt returns (OperationBundle{}, false) when
// the key is unknown.
type KnowledgeGraph interface {
	// QueryContext resolves entities/operations relevant to prompt by
	// string-matching against entity names/aliases and intent verbs,
	// returning a ranked candidate list (highest confidence first).
	QueryContext(ctx context.Context, prompt string) ([]CandidateOperation, error)

	// QueryOperationForPrompt fetches the prompt bundle for one operation
	// key, resolved within serviceName.
	QueryOperationForPrompt(ctx context.Context, serviceName string, key OperationKey) (OperationBundle, bool, error)

	// Exists reports whether serviceName/key resolve in the current
	// catalog snapshot, used by PlanDesigner validation (spec §4.2) and
	// the ExecutionPlan invariant in spec §3.
	Exists(ctx context.Context, serviceName string, key OperationKey) (bool, error)
}
