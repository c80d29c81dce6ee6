package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/tools"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/version"
)

// mcpCaller labels MCP-originated calls in the audit trail.
const mcpCaller = "mcp"

// Server exposes the coordinator's tools over the Model Context Protocol.
// All dispatch goes through the shared tool registry so every call is
// audited regardless of transport.
type Server struct {
	registry *tools.Registry
	server   *mcpsdk.Server
}

// toolSpec binds a registry tool to its MCP schema.
type toolSpec struct {
	tool    models.Tool
	schema  *jsonschema.Schema
	handler tools.Handler
}

// NewServer registers the twelve coordination tools on the registry and
// builds the MCP server around them.
func NewServer(registry *tools.Registry, coord *Coordinator) *Server {
	s := &Server{
		registry: registry,
		server: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    version.AppName,
			Version: version.GitCommit,
		}, nil),
	}
	for _, spec := range toolSpecs(coord) {
		registry.Register(spec.tool, spec.handler)
		s.addTool(spec)
	}
	return s
}

func (s *Server) addTool(spec toolSpec) {
	name := spec.tool.Name
	s.server.AddTool(&mcpsdk.Tool{
		Name:        name,
		Description: spec.tool.Description,
		InputSchema: spec.schema,
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		params := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &params); err != nil {
				return errorResult("invalid arguments: " + err.Error()), nil
			}
		}
		result, err := s.registry.ExecuteTool(ctx, name, mcpCaller, params)
		if err != nil {
			if services.IsValidationError(err) {
				return errorResult(err.Error()), nil
			}
			return nil, err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(payload)}},
		}, nil
	})
}

// Run serves MCP over the given transport until ctx is canceled.
func (s *Server) Run(ctx context.Context, transport mcpsdk.Transport) error {
	return s.server.Run(ctx, transport)
}

// Handler serves MCP over streamable HTTP, for mounting under the API server.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.server
	}, nil)
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		IsError: true,
	}
}

// toolSpecs declares the coordination tool surface. Cost estimates feed
// progressive disclosure so callers can budget tool descriptions.
func toolSpecs(coord *Coordinator) []toolSpec {
	return []toolSpec{
		{
			tool: models.Tool{
				Name:               "augment_query",
				Description:        "Retrieve and assemble relevant context around a prompt without generating an answer.",
				CostEstimateTokens: 400,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"query":       stringSchema("Prompt to augment."),
				"collections": collectionsSchema(),
				"limit":       intSchema("Maximum context entries to include."),
				"max_tokens":  intSchema("Token budget for assembled context; 0 means unlimited."),
				"format":      formatSchema(),
			}, "query"),
			handler: coord.AugmentQuery,
		},
		{
			tool: models.Tool{
				Name:               "track_interaction",
				Description:        "Record an agent interaction for outcome tracking and pattern learning.",
				CostEstimateTokens: 150,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"query":      stringSchema("The prompt the agent answered."),
				"response":   stringSchema("The agent's response."),
				"agent_type": stringSchema("Agent family, e.g. coding or ops."),
				"model":      stringSchema("Model that produced the response."),
				"context_refs": {
					Type:        "array",
					Description: "Context items used while answering, as {collection, id}.",
					Items: objectSchema(map[string]*jsonschema.Schema{
						"collection": collectionSchema(),
						"id":         stringSchema("Context item id."),
					}, "collection", "id"),
				},
				"tokens_used": intSchema("Tokens consumed by the interaction."),
				"latency_ms":  intSchema("End-to-end latency in milliseconds."),
			}, "query", "response"),
			handler: coord.TrackInteraction,
		},
		{
			tool: models.Tool{
				Name:               "update_outcome",
				Description:        "Mark a tracked interaction as success, partial, or failure and propagate the signal.",
				CostEstimateTokens: 100,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"interaction_id": stringSchema("Id returned by track_interaction."),
				"outcome": {
					Type:        "string",
					Description: "Observed outcome.",
					Enum:        []any{models.OutcomeSuccess, models.OutcomePartial, models.OutcomeFailure},
				},
				"feedback": intSchema("Explicit feedback: -1, 0, or 1."),
			}, "interaction_id", "outcome"),
			handler: coord.UpdateOutcome,
		},
		{
			tool: models.Tool{
				Name:               "generate_training_data",
				Description:        "Export the accumulated fine-tuning dataset, optionally draining pending telemetry first.",
				CostEstimateTokens: 120,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"process_first": boolSchema("Run a learning cycle before exporting."),
			}),
			handler: coord.GenerateTrainingData,
		},
		{
			tool: models.Tool{
				Name:               "search_context",
				Description:        "Vector search within a single collection.",
				CostEstimateTokens: 250,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"query":      stringSchema("Search query."),
				"collection": collectionSchema(),
				"limit":      intSchema("Maximum hits."),
				"threshold":  {Type: "number", Description: "Minimum similarity score; 0 disables the cutoff."},
			}, "query", "collection"),
			handler: coord.SearchContext,
		},
		{
			tool: models.Tool{
				Name:               "hybrid_search",
				Description:        "Expanded multi-collection search with boosting, diversity, and reranking.",
				CostEstimateTokens: 350,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"query":       stringSchema("Search query."),
				"collections": collectionsSchema(),
				"limit":       intSchema("Maximum hits."),
			}, "query"),
			handler: coord.HybridSearch,
		},
		{
			tool: models.Tool{
				Name:               "route_search",
				Description:        "Full confidence-routed query: cache, retrieval, and local answer or escalation.",
				CostEstimateTokens: 500,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"query":        stringSchema("The question to answer."),
				"collections":  collectionsSchema(),
				"limit":        intSchema("Maximum context entries."),
				"format":       formatSchema(),
				"max_tokens":   intSchema("Token budget for assembled context."),
				"prefer_local": boolSchema("Answer with the local model when confidence allows."),
			}, "query"),
			handler: coord.RouteSearch,
		},
		{
			tool: models.Tool{
				Name:               "store_agent_memory",
				Description:        "Persist an agent memory under an exact key with semantic indexing.",
				CostEstimateTokens: 150,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"agent_id": stringSchema("Owning agent."),
				"key":      stringSchema("Memory key, unique per agent."),
				"content":  stringSchema("Memory content."),
				"tags":     {Type: "array", Description: "Optional labels.", Items: stringSchema("")},
			}, "agent_id", "key", "content"),
			handler: coord.StoreAgentMemory,
		},
		{
			tool: models.Tool{
				Name:               "recall_agent_memory",
				Description:        "Recall agent memories by exact key or semantic similarity.",
				CostEstimateTokens: 200,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"agent_id": stringSchema("Owning agent."),
				"key":      stringSchema("Exact memory key to fetch."),
				"query":    stringSchema("Similarity query when no key is given."),
				"limit":    intSchema("Maximum memories for similarity recall."),
			}, "agent_id"),
			handler: coord.RecallAgentMemory,
		},
		{
			tool: models.Tool{
				Name:               "run_harness_eval",
				Description:        "Replay a prompt set through the query pipeline and record per-prompt confidence.",
				CostEstimateTokens: 600,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"name":    stringSchema("Evaluation name, also the experiment key."),
				"prompts": {Type: "array", Description: "Prompts to replay.", Items: stringSchema("")},
				"variant": stringSchema("Variant label; defaults to baseline."),
			}, "name", "prompts"),
			handler: coord.RunHarnessEval,
		},
		{
			tool: models.Tool{
				Name:               "harness_stats",
				Description:        "Aggregate recorded evaluation results per variant.",
				CostEstimateTokens: 120,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"name":   stringSchema("Evaluation name."),
				"metric": stringSchema("Metric to aggregate; defaults to confidence."),
			}, "name"),
			handler: coord.HarnessStats,
		},
		{
			tool: models.Tool{
				Name:               "learning_feedback",
				Description:        "Store explicit feedback and fold it into the tracked interaction's outcome.",
				CostEstimateTokens: 150,
			},
			schema: objectSchema(map[string]*jsonschema.Schema{
				"interaction_id": stringSchema("Tracked interaction to attribute the feedback to."),
				"query":          stringSchema("Free-standing query when no interaction id exists."),
				"rating":         intSchema("Feedback rating: -1, 0, or 1."),
				"note":           stringSchema("Free-form note."),
				"correction":     stringSchema("Corrected answer, if any."),
				"tags":           {Type: "array", Description: "Optional labels.", Items: stringSchema("")},
			}, "rating"),
			handler: coord.LearningFeedback,
		},
	}
}

func objectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func stringSchema(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

func intSchema(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "integer", Description: description}
}

func boolSchema(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "boolean", Description: description}
}

func collectionSchema() *jsonschema.Schema {
	enum := make([]any, len(models.AllCollections))
	for i, c := range models.AllCollections {
		enum[i] = c
	}
	return &jsonschema.Schema{Type: "string", Description: "Logical collection.", Enum: enum}
}

func collectionsSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "array",
		Description: "Collections to search; defaults to all.",
		Items:       collectionSchema(),
	}
}

func formatSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Description: "Context assembly format.",
		Enum:        []any{models.FormatConcise, models.FormatFull, models.FormatVerbose},
	}
}
