// Package mongostore implements graph.KnowledgeGraph against a pre-built
// catalog collection in MongoDB. It is an external collaborator per spec
// §1 ("out of scope: the catalog ingestion pipeline... the core only
// queries the finished graph"): this package has no dependency on the core
// orchestrator package, only on graph.KnowledgeGraph's contract.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/snipporch/core/orchestrator/graph"
)

const (
	defaultEntityCollection    = "catalog_entities"
	defaultOperationCollection = "catalog_operations"
	defaultTimeout             = 5 * time.Second
)

// Options configures the Store.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	EntityCollection   string
	OperationCollection string
	Timeout            time.Duration
}

// Store implements graph.KnowledgeGraph by reading two collections
// maintained by an external ingestion pipeline: one mapping entity names
// and aliases to candidate operation keys, and one holding the full
// per-operation prompt bundle.
type Store struct {
	entities   *mongodriver.Collection
	operations *mongodriver.Collection
	timeout    time.Duration
}

// entityDoc is the catalog_entities schema: one document per entity,
// listing aliases and the operation keys it resolves to.
type entityDoc struct {
	Name       string   `bson:"name"`
	Aliases    []string `bson:"aliases"`
	Service    string   `bson:"service"`
	Operations []string `bson:"operations"`
	Weight     float64  `bson:"weight"`
}

// operationDoc is the catalog_operations schema: the full prompt bundle
// for one (service, operation) pair.
type operationDoc struct {
	Service        string         `bson:"service"`
	Operation      string         `bson:"operation"`
	OperationID    string         `bson:"operation_id"`
	Method         string         `bson:"method"`
	Path           string         `bson:"path"`
	RequestSchema  map[string]any `bson:"request_schema"`
	ResponseSchema map[string]any `bson:"response_schema"`
	Examples       []string       `bson:"examples"`
	DocsMarkdown   string         `bson:"docs_markdown"`
}

// NewStore builds a Mongo-backed KnowledgeGraph from opts.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	entityColl := opts.EntityCollection
	if entityColl == "" {
		entityColl = defaultEntityCollection
	}
	opColl := opts.OperationCollection
	if opColl == "" {
		opColl = defaultOperationCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	db := opts.Client.Database(opts.Database)
	return &Store{
		entities:   db.Collection(entityColl),
		operations: db.Collection(opColl),
		timeout:    timeout,
	}, nil
}

// QueryContext implements graph.KnowledgeGraph by matching prompt tokens
// against entity names/aliases, returning candidates ranked by stored
// weight. String matching itself (tokenization, fuzzy scoring) is the
// ingestion pipeline's concern; this query assumes the collection already
// exposes per-entity match weights for the literal substring test below.
func (s *Store) QueryContext(ctx context.Context, prompt string) ([]graph.CandidateOperation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cur, err := s.entities.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("query catalog entities: %w", err)
	}
	defer cur.Close(ctx)

	var candidates []graph.CandidateOperation
	for cur.Next(ctx) {
		var doc entityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode catalog entity: %w", err)
		}
		if !mentionsEntity(prompt, doc.Name, doc.Aliases) {
			continue
		}
		ops := make([]graph.OperationKey, len(doc.Operations))
		for i, op := range doc.Operations {
			ops[i] = graph.OperationKey(op)
		}
		candidates = append(candidates, graph.CandidateOperation{
			EntityName: doc.Name,
			Operations: ops,
			Confidence: doc.Weight,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog entities: %w", err)
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].Confidence > candidates[b].Confidence
	})
	return candidates, nil
}

// QueryOperationForPrompt implements graph.KnowledgeGraph.
func (s *Store) QueryOperationForPrompt(ctx context.Context, serviceName string, key graph.OperationKey) (graph.OperationBundle, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc operationDoc
	err := s.operations.FindOne(ctx, bson.D{{Key: "service", Value: serviceName}, {Key: "operation", Value: string(key)}}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return graph.OperationBundle{}, false, nil
	}
	if err != nil {
		return graph.OperationBundle{}, false, fmt.Errorf("query catalog operation %s/%s: %w", serviceName, key, err)
	}
	return graph.OperationBundle{
		OperationID:    doc.OperationID,
		Method:         doc.Method,
		Path:           doc.Path,
		RequestSchema:  doc.RequestSchema,
		ResponseSchema: doc.ResponseSchema,
		Examples:       doc.Examples,
		DocsMarkdown:   doc.DocsMarkdown,
	}, true, nil
}

// Exists implements graph.KnowledgeGraph.
func (s *Store) Exists(ctx context.Context, serviceName string, key graph.OperationKey) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	count, err := s.operations.CountDocuments(ctx, bson.D{
		{Key: "service", Value: serviceName},
		{Key: "operation", Value: string(key)},
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check catalog operation %s/%s: %w", serviceName, key, err)
	}
	return count > 0, nil
}

func mentionsEntity(prompt, name string, aliases []string) bool {
	if containsFold(prompt, name) {
		return true
	}
	for _, alias := range aliases {
		if containsFold(prompt, alias) {
			return true
		}
	}
	return false
}
