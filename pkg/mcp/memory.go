package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/services"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
)

// MemoryRecord is one stored agent memory. Exact-key recall is served from
// the key-value store; semantic recall from the vector store.
type MemoryRecord struct {
	AgentID   string    `json:"agent_id"`
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func memoryKey(agentID, key string) string {
	return "agent-memory:" + agentID + ":" + key
}

type storeMemoryParams struct {
	AgentID string   `json:"agent_id"`
	Key     string   `json:"key"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// StoreAgentMemory persists a memory under an exact key and indexes it for
// semantic recall.
func (c *Coordinator) StoreAgentMemory(ctx context.Context, params map[string]any) (any, error) {
	var in storeMemoryParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.AgentID) == "" {
		return nil, services.NewValidationError("agent_id", "agent_id is required")
	}
	if strings.TrimSpace(in.Key) == "" {
		return nil, services.NewValidationError("key", "key is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, services.NewValidationError("content", "content is required")
	}

	record := MemoryRecord{
		AgentID:   in.AgentID,
		Key:       in.Key,
		Content:   in.Content,
		Tags:      in.Tags,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.memory.SetJSON(ctx, memoryKey(in.AgentID, in.Key), record, 0); err != nil {
		return nil, fmt.Errorf("failed to store agent memory: %w", err)
	}

	// Semantic index is best-effort; exact-key recall works without it.
	if embedding, err := c.embedder.Embed(ctx, in.Content); err != nil {
		c.log.Warn("Failed to embed agent memory", "agent_id", in.AgentID, "key", in.Key, "error", err)
	} else {
		point := vector.Point{
			ID:     uuid.NewString(),
			Vector: embedding,
			Payload: map[string]any{
				"content":    in.Content,
				"agent_id":   in.AgentID,
				"memory_key": in.Key,
				"kind":       "agent_memory",
				"created_at": record.CreatedAt.Format(time.RFC3339),
			},
		}
		if err := c.vectors.Upsert(ctx, memoryCollection, []vector.Point{point}); err != nil {
			c.log.Warn("Failed to index agent memory", "agent_id", in.AgentID, "key", in.Key, "error", err)
		}
	}
	return map[string]any{"stored": true, "agent_id": in.AgentID, "key": in.Key}, nil
}

type recallMemoryParams struct {
	AgentID string `json:"agent_id"`
	Key     string `json:"key,omitempty"`
	Query   string `json:"query,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// RecallAgentMemory fetches memories by exact key or semantic similarity.
func (c *Coordinator) RecallAgentMemory(ctx context.Context, params map[string]any) (any, error) {
	var in recallMemoryParams
	if err := decode(params, &in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.AgentID) == "" {
		return nil, services.NewValidationError("agent_id", "agent_id is required")
	}

	if in.Key != "" {
		var record MemoryRecord
		found, err := c.memory.GetJSON(ctx, memoryKey(in.AgentID, in.Key), &record)
		if err != nil {
			return nil, fmt.Errorf("failed to recall agent memory: %w", err)
		}
		if !found {
			return nil, fmt.Errorf("memory %q for agent %q: %w", in.Key, in.AgentID, services.ErrNotFound)
		}
		return map[string]any{"memories": []MemoryRecord{record}}, nil
	}

	if strings.TrimSpace(in.Query) == "" {
		return nil, services.NewValidationError("query", "either key or query is required")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	embedding, err := c.embedder.Embed(ctx, in.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed recall query: %w", err)
	}
	// Overfetch: the collection also holds regular interactions and other
	// agents' memories, filtered out below.
	points, err := c.vectors.Search(ctx, memoryCollection, embedding, limit*4, 0)
	if err != nil {
		return nil, err
	}

	var memories []MemoryRecord
	for _, p := range points {
		if kind, _ := p.Payload["kind"].(string); kind != "agent_memory" {
			continue
		}
		if agent, _ := p.Payload["agent_id"].(string); agent != in.AgentID {
			continue
		}
		record := MemoryRecord{AgentID: in.AgentID}
		record.Key, _ = p.Payload["memory_key"].(string)
		record.Content, _ = p.Payload["content"].(string)
		if ts, _ := p.Payload["created_at"].(string); ts != "" {
			record.CreatedAt, _ = time.Parse(time.RFC3339, ts)
		}
		memories = append(memories, record)
		if len(memories) >= limit {
			break
		}
	}
	return map[string]any{"memories": memories}, nil
}
