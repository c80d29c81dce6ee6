// Package semcache is the semantic response cache: exact-string lookups
// backed by a hash index, with a cosine-similarity fallback over unexpired
// entries. Entries expire on a TTL and are swept lazily plus by a janitor.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/config"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/metrics"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/vector"
)

// Hit is a cache lookup result: the entry plus how it matched.
type Hit struct {
	Entry      models.CacheEntry `json:"entry"`
	Kind       string            `json:"cache_hit"` // exact | semantic
	Similarity float64           `json:"similarity,omitempty"`
}

// Stats is the cache's aggregate accounting snapshot.
type Stats struct {
	TotalEntries     int     `json:"total_entries"`
	TotalHits        int     `json:"total_hits"`
	TotalTokensSaved int     `json:"total_tokens_saved"`
	AvgHitsPerEntry  float64 `json:"avg_hits_per_entry"`
}

// Cache is the in-memory semantic cache. Safe for concurrent use.
type Cache struct {
	ttl        time.Duration
	threshold  float64
	maxEntries int

	mu      sync.RWMutex
	byHash  map[string]*models.CacheEntry
	ordered []*models.CacheEntry // insertion order, for scans and eviction

	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a cache from configuration. metrics may be nil in tests.
func New(cfg *config.CacheConfig, m *metrics.Metrics) *Cache {
	return &Cache{
		ttl:        cfg.TTL,
		threshold:  cfg.SimilarityThreshold,
		maxEntries: cfg.MaxEntries,
		byHash:     make(map[string]*models.CacheEntry),
		metrics:    m,
		log:        slog.With("component", "semcache"),
	}
}

func queryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])
}

// Get looks up a response for the query. Exact string match takes
// precedence; otherwise the best unexpired entry with cosine similarity at
// or above the threshold wins. A hit bumps hit accounting atomically.
func (c *Cache) Get(query string, embedding []float32) *Hit {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.byHash[queryHash(query)]; ok {
		if entry.ExpiresAt.After(now) {
			c.recordHit(entry, now)
			c.countHit(models.CacheHitExact)
			return &Hit{Entry: *entry, Kind: models.CacheHitExact, Similarity: 1}
		}
		c.removeLocked(entry)
	}

	var best *models.CacheEntry
	var bestScore float64
	for _, entry := range c.ordered {
		if !entry.ExpiresAt.After(now) {
			continue
		}
		score := vector.Cosine(embedding, entry.QueryEmbedding)
		if score >= c.threshold && score > bestScore {
			best, bestScore = entry, score
		}
	}
	if best == nil {
		if c.metrics != nil {
			c.metrics.CacheMisses.Inc()
		}
		return nil
	}

	c.recordHit(best, now)
	c.countHit(models.CacheHitSemantic)
	return &Hit{Entry: *best, Kind: models.CacheHitSemantic, Similarity: bestScore}
}

func (c *Cache) recordHit(entry *models.CacheEntry, now time.Time) {
	entry.HitCount++
	entry.LastHitAt = now
}

func (c *Cache) countHit(kind string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(kind).Inc()
	}
}

// Set stores a response. Empty responses and zero-norm embeddings are
// rejected: an entry that can never be matched semantically and has nothing
// to serve is not worth a slot.
func (c *Cache) Set(query string, embedding []float32, response, llmUsed string, tokensSaved int) bool {
	if strings.TrimSpace(response) == "" {
		return false
	}

	now := time.Now()
	entry := &models.CacheEntry{
		ID:             uuid.New().String(),
		QueryHash:      queryHash(query),
		QueryText:      query,
		QueryEmbedding: embedding,
		Response:       response,
		LLMUsed:        llmUsed,
		TokensSaved:    tokensSaved,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.ttl),
	}
	if vector.Norm(embedding) == 0 {
		// Still usable for exact matches, but never eligible semantically.
		entry.QueryEmbedding = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.byHash[entry.QueryHash]; ok {
		c.removeLocked(old)
	}
	for len(c.ordered) >= c.maxEntries {
		c.removeLocked(c.ordered[0])
	}

	c.byHash[entry.QueryHash] = entry
	c.ordered = append(c.ordered, entry)
	c.updateGauge()
	if c.metrics != nil {
		c.metrics.TokensSaved.Add(float64(tokensSaved))
	}
	return true
}

// Sweep drops expired entries. Called lazily on access and by the janitor.
func (c *Cache) Sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for i := 0; i < len(c.ordered); {
		if !c.ordered[i].ExpiresAt.After(now) {
			c.removeLocked(c.ordered[i])
			removed++
			continue
		}
		i++
	}
	c.updateGauge()
	return removed
}

// Stats reports aggregate accounting over unexpired entries.
func (c *Cache) Stats() Stats {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	var s Stats
	for _, entry := range c.ordered {
		if !entry.ExpiresAt.After(now) {
			continue
		}
		s.TotalEntries++
		s.TotalHits += entry.HitCount
		s.TotalTokensSaved += entry.TokensSaved * entry.HitCount
	}
	if s.TotalEntries > 0 {
		s.AvgHitsPerEntry = float64(s.TotalHits) / float64(s.TotalEntries)
	}
	return s
}

// RunJanitor sweeps on an interval until ctx is cancelled.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.log.Debug("Swept expired cache entries", "removed", removed)
			}
		}
	}
}

// removeLocked unlinks an entry from both indexes. Caller holds the lock.
func (c *Cache) removeLocked(entry *models.CacheEntry) {
	delete(c.byHash, entry.QueryHash)
	for i, e := range c.ordered {
		if e == entry {
			c.ordered = append(c.ordered[:i], c.ordered[i+1:]...)
			break
		}
	}
}

func (c *Cache) updateGauge() {
	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(len(c.ordered)))
	}
}
