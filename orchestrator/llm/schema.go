package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// StructuredClient adds JSON-schema-constrained variants of Generate and
// Chat to Client, grounded on the reference registry's
// validatePayloadJSONAgainstSchema (registry/service.go): compile the
// caller-supplied schema once per call and validate the provider's
// response against it before handing back raw JSON.
type StructuredClient interface {
	Client

	// GenerateStructured behaves like Generate, but additionally parses
	// the response as JSON and validates it against schema (a JSON Schema
	// document), returning an error if the response is not valid JSON or
	// fails validation. The returned TokenUsage is populated even when
	// validation fails, so callers can still tally the cost of the call.
	GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, req Request) (json.RawMessage, TokenUsage, error)

	// ChatStructured behaves like Chat, with the same schema validation
	// applied to the response.
	ChatStructured(ctx context.Context, req Request, schema json.RawMessage) (json.RawMessage, TokenUsage, error)
}

// structuredClient adapts any Client into a StructuredClient by
// validating its raw text responses against a JSON Schema. It has no
// provider-specific knowledge: every adapter in llm/anthropic,
// llm/openai, and llm/bedrock is wrapped the same way.
type structuredClient struct {
	Client
}

// WithSchemaValidation wraps inner so GenerateStructured/ChatStructured
// are available regardless of which provider inner talks to.
func WithSchemaValidation(inner Client) StructuredClient {
	return &structuredClient{Client: inner}
}

func (c *structuredClient) GenerateStructured(ctx context.Context, prompt string, schema json.RawMessage, req Request) (json.RawMessage, TokenUsage, error) {
	resp, err := c.Generate(ctx, prompt, req)
	if err != nil {
		return nil, TokenUsage{}, err
	}
	raw, err := validateAgainstSchema(resp.Text, schema)
	return raw, resp.Usage, err
}

func (c *structuredClient) ChatStructured(ctx context.Context, req Request, schema json.RawMessage) (json.RawMessage, TokenUsage, error) {
	resp, err := c.Chat(ctx, req)
	if err != nil {
		return nil, TokenUsage{}, err
	}
	raw, err := validateAgainstSchema(resp.Text, schema)
	return raw, resp.Usage, err
}

// validateAgainstSchema parses text as JSON and validates it against
// schema, returning the normalized JSON on success.
func validateAgainstSchema(text string, schema json.RawMessage) (json.RawMessage, error) {
	var payloadDoc any
	if err := json.Unmarshal([]byte(text), &payloadDoc); err != nil {
		return nil, fmt.Errorf("llm: response is not valid JSON: %w", err)
	}

	if len(schema) > 0 {
		var schemaDoc any
		if err := json.Unmarshal(schema, &schemaDoc); err != nil {
			return nil, fmt.Errorf("llm: unmarshal schema: %w", err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("response.json", schemaDoc); err != nil {
			return nil, fmt.Errorf("llm: add schema resource: %w", err)
		}
		compiled, err := c.Compile("response.json")
		if err != nil {
			return nil, fmt.Errorf("llm: compile schema: %w", err)
		}
		if err := compiled.Validate(payloadDoc); err != nil {
			return nil, fmt.Errorf("llm: response does not satisfy schema: %w", err)
		}
	}

	normalized, err := json.Marshal(payloadDoc)
	if err != nil {
		return nil, fmt.Errorf("llm: re-marshal validated response: %w", err)
	}
	return normalized, nil
}
