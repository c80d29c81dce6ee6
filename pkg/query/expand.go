// Package query implements the retrieval pipeline: expansion, hybrid search
// across the logical collections, metadata-boosted reranking with MMR
// diversity, context assembly, and confidence-based routing.
package query

import (
	"context"
	"strings"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/llm"
)

// Expansion modes.
const (
	ExpandNone    = "none"
	ExpandKeyword = "keyword"
	ExpandLLM     = "llm"
)

// synonymMap rewrites individual terms; each match produces one variant.
var synonymMap = map[string]string{
	"error":   "failure",
	"fix":     "resolve",
	"install": "setup",
	"config":  "configuration",
	"build":   "compile",
	"crash":   "panic",
	"slow":    "performance",
}

// domainMap appends domain context to queries mentioning a known subsystem.
var domainMap = map[string]string{
	"flake":     "nix flake evaluation",
	"systemd":   "systemd service unit",
	"module":    "nixos module system",
	"overlay":   "nixpkgs overlay",
	"container": "oci container runtime",
	"kernel":    "linux kernel configuration",
}

const expansionSystemPrompt = `Rewrite the user's search query as 2-3 short paraphrases, one per line. No numbering, no commentary.`

// Expand returns search variants with the original query always first.
// The LLM mode degrades to the original query alone on any inference error.
func (p *Pipeline) Expand(ctx context.Context, query string) []string {
	max := p.cfg.Query.MaxExpansions
	switch p.cfg.Query.ExpansionMode {
	case ExpandKeyword:
		return keywordExpand(query, max)
	case ExpandLLM:
		return p.llmExpand(ctx, query, max)
	default:
		return []string{query}
	}
}

func keywordExpand(query string, max int) []string {
	out := []string{query}
	lower := strings.ToLower(query)

	for term, synonym := range synonymMap {
		if len(out) > max {
			break
		}
		if strings.Contains(lower, term) {
			out = append(out, strings.ReplaceAll(lower, term, synonym))
		}
	}
	for term, domain := range domainMap {
		if len(out) > max {
			break
		}
		if strings.Contains(lower, term) {
			out = append(out, lower+" "+domain)
		}
	}
	return dedupeStrings(out)
}

func (p *Pipeline) llmExpand(ctx context.Context, query string, max int) []string {
	out := []string{query}
	reply, _, err := p.llm.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: expansionSystemPrompt},
			{Role: "user", Content: query},
		},
		MaxTokens: 128,
	})
	if err != nil {
		p.log.Warn("Query expansion failed, searching with original only", "error", err)
		return out
	}

	for _, line := range strings.Split(reply, "\n") {
		if len(out) > max {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" || line == query {
			continue
		}
		out = append(out, line)
	}
	return dedupeStrings(out)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
