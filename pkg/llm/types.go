package llm

import "fmt"

// Message roles in the OpenAI-compatible chat surface.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// CompletionRequest is the body of POST /v1/completions.
type CompletionRequest struct {
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Usage is the token accounting block returned by the engine.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the engine's chat completion envelope.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int     `json:"index"`
		Message Message `json:"message"`
		Text    string  `json:"text"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// EmbeddingRequest is the body of POST /v1/embeddings. Input accepts one
// string or a batch.
type EmbeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

// EmbeddingResponse is the engine's embeddings envelope.
type EmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage Usage `json:"usage"`
}

// Engine status values from the health probe.
const (
	StatusOK      = "ok"
	StatusLoading = "loading"
)

// EngineStatus is the local engine's health probe response. Engines differ in
// which loaded flag they report; ModelReady folds both.
type EngineStatus struct {
	Status           string `json:"status"`
	ModelLoaded      *bool  `json:"model_loaded,omitempty"`
	CheckpointLoaded *bool  `json:"checkpoint_loaded,omitempty"`
}

// Ready reports whether the engine can serve inference now.
func (s EngineStatus) Ready() bool {
	if s.Status != StatusOK {
		return false
	}
	if s.ModelLoaded != nil {
		return *s.ModelLoaded
	}
	if s.CheckpointLoaded != nil {
		return *s.CheckpointLoaded
	}
	return true
}

// ModelLoadingError is returned when the local engine is still loading and
// the caller preferred local inference. QueueDepth tells the client how many
// requests are already waiting.
type ModelLoadingError struct {
	QueueDepth int
}

func (e *ModelLoadingError) Error() string {
	return fmt.Sprintf("local model is loading, %d requests queued", e.QueueDepth)
}
