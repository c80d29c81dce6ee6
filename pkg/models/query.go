package models

// Routing decisions for a query.
const (
	RouteLocal       = "local_llm"
	RouteEscalated   = "escalated"
	RouteContextOnly = "context_only"
)

// Context assembly formats.
const (
	FormatConcise = "concise"
	FormatFull    = "full"
	FormatVerbose = "verbose"
)

// ValidFormat reports whether f is a recognized assembly format.
func ValidFormat(f string) bool {
	switch f {
	case FormatConcise, FormatFull, FormatVerbose:
		return true
	}
	return false
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query       string   `json:"query"`
	Collections []string `json:"collections,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Format      string   `json:"format,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`

	// PreferLocal holds the query for the local engine even while the
	// model is still loading.
	PreferLocal bool `json:"prefer_local,omitempty"`
}

// QueryResponse reports the routed answer with its provenance.
type QueryResponse struct {
	Answer              string   `json:"answer,omitempty"`
	Context             string   `json:"context"`
	ContextIDs          []string `json:"context_ids"`
	Route               string   `json:"route"`
	Confidence          float64  `json:"confidence"`
	TokensSaved         int      `json:"tokens_saved"`
	LLMUsed             string   `json:"llm_used,omitempty"`
	CollectionsSearched []string `json:"collections_searched"`
	Cached              bool     `json:"cached"`
	CacheKind           string   `json:"cache_kind,omitempty"`
	InteractionID       string   `json:"interaction_id,omitempty"`
}
