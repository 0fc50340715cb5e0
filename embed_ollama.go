package aria

import (
	"context"
	"net/http"
	"time"
)

// OllamaEmbedder generates embeddings via a local Ollama server. Implements
// EmbeddingProvider. No API key required.
type OllamaEmbedder struct {
	host      string
	model     string
	dimension int
	client    *http.Client
}

// OllamaOption configures an OllamaEmbedder.
type OllamaOption func(*OllamaEmbedder)

// WithOllamaHost sets the Ollama server URL (default: http://localhost:11434).
func WithOllamaHost(host string) OllamaOption {
	return func(e *OllamaEmbedder) { e.host = host }
}

// NewOllamaEmbedder creates an embedding provider for a local Ollama
// instance. The model must be already pulled (e.g. "nomic-embed-text",
// "all-minilm") and dimension must match the model's output dimension.
func NewOllamaEmbedder(model string, dimension int, opts ...OllamaOption) *OllamaEmbedder {
	e := &OllamaEmbedder{
		host:      "http://localhost:11434",
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed generates a vector for the given text. taskType is accepted for
// interface compatibility but ignored (Ollama embeddings do not have
// task-specific modes).
func (e *OllamaEmbedder) Embed(ctx context.Context, text, taskType string) ([]float32, error) {
	payload := ollamaEmbedRequest{Model: e.model, Input: text}

	var decoded ollamaEmbedResponse
	if err := postEmbed(ctx, e.client, "ollama", e.host+"/api/embed", nil, payload, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Embeddings) == 0 {
		return narrowVector("ollama", nil)
	}
	return narrowVector("ollama", decoded.Embeddings[0])
}

// Dimension returns the configured embedding dimension.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// --- Ollama embed wire types ---

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}
