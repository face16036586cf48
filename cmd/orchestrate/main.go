// Command orchestrate is a thin reference CLI around the orchestrator
// core: it wires one of the LLM provider adapters, a knowledge graph
// collaborator, and a snippet runtime, then submits a single prompt and
// prints the resulting ExecutionResult as JSON.
//
// # Configuration
//
// Environment variables:
//
//	ANTHROPIC_API_KEY     - required when -provider=anthropic (default)
//	OPENAI_API_KEY        - required when -provider=openai
//	ORCHESTRATE_MODEL     - default model id forwarded to the provider
//	SNIPPET_SIDECAR_CMD   - snippet runtime sidecar executable path (required)
//	MONGO_URI             - knowledge graph catalog connection (required)
//	MONGO_DATABASE        - catalog database name (default: "catalog")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"github.com/spf13/cobra"

	"github.com/snipporch/core/orchestrator"
	"github.com/snipporch/core/orchestrator/graph/mongostore"
	"github.com/snipporch/core/orchestrator/llm"
	"github.com/snipporch/core/orchestrator/llm/anthropic"
	"github.com/snipporch/core/orchestrator/llm/openai"
	"github.com/snipporch/core/orchestrator/snippet/sidecar"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		provider      string
		model         string
		maxAttempts   int
		requestID     string
		timeoutSecond int
	)

	cmd := &cobra.Command{
		Use:   "orchestrate <prompt>",
		Short: "Submit a natural language prompt to the orchestration core",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runParams{
				prompt:        args[0],
				provider:      provider,
				model:         model,
				maxAttempts:   maxAttempts,
				requestID:     requestID,
				timeoutSecond: timeoutSecond,
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "anthropic", "LLM provider: anthropic|openai")
	cmd.Flags().StringVar(&model, "model", "", "override the provider's default model id")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "per-step design/compile/run retry bound (1-10)")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id; generated when empty")
	cmd.Flags().IntVar(&timeoutSecond, "timeout", 300, "request timeout in seconds")

	return cmd
}

type runParams struct {
	prompt        string
	provider      string
	model         string
	maxAttempts   int
	requestID     string
	timeoutSecond int
}

func run(ctx context.Context, p runParams) error {
	if ctx == nil {
		ctx = context.Background()
	}

	llmClient, err := buildLLMClient(p.provider, p.model)
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}

	kg, closeGraph, err := buildGraph(ctx)
	if err != nil {
		return fmt.Errorf("build knowledge graph: %w", err)
	}
	defer closeGraph()

	rt, err := buildRuntime()
	if err != nil {
		return fmt.Errorf("build snippet runtime: %w", err)
	}
	defer func() { _ = rt.Close() }()

	o, err := orchestrator.New(orchestrator.Deps{
		Graph:     kg,
		LLMClient: llm.WithSchemaValidation(llmClient),
		Runtime:   rt,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	result, err := o.Handle(ctx, orchestrator.ExecutionRequest{
		Prompt:    p.prompt,
		RequestID: p.requestID,
		Options: orchestrator.Options{
			MaxAttempts:    p.maxAttempts,
			RequestTimeout: time.Duration(p.timeoutSecond) * time.Second,
		},
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func buildLLMClient(provider, model string) (llm.Client, error) {
	switch provider {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for -provider=openai")
		}
		return openai.NewFromAPIKey(apiKey, envOr("ORCHESTRATE_MODEL", model))
	case "anthropic", "":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required for -provider=anthropic")
		}
		return anthropic.NewFromAPIKey(apiKey, envOr("ORCHESTRATE_MODEL", model))
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func buildGraph(ctx context.Context) (*mongostore.Store, func(), error) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		return nil, nil, fmt.Errorf("MONGO_URI is required")
	}
	client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	database := os.Getenv("MONGO_DATABASE")
	if database == "" {
		database = "catalog"
	}
	store, err := mongostore.NewStore(mongostore.Options{
		Client:   client,
		Database: database,
	})
	if err != nil {
		return nil, nil, err
	}
	closer := func() { _ = client.Disconnect(ctx) }
	return store, closer, nil
}

func buildRuntime() (*sidecar.Runtime, error) {
	command := os.Getenv("SNIPPET_SIDECAR_CMD")
	if command == "" {
		return nil, fmt.Errorf("SNIPPET_SIDECAR_CMD is required")
	}
	return sidecar.New(sidecar.Options{Command: command})
}

func envOr(key, override string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return ""
}
