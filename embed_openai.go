package aria

import (
	"context"
	"net/http"
	"time"
)

// OpenAIEmbedder generates embeddings via the OpenAI embeddings API, or any
// endpoint speaking the same wire format. Implements EmbeddingProvider.
type OpenAIEmbedder struct {
	apiKey    string
	model     string
	dimension int
	baseURL   string
	client    *http.Client
}

// OpenAIOption configures an OpenAIEmbedder.
type OpenAIOption func(*OpenAIEmbedder)

// WithOpenAIModel sets the embedding model (default: text-embedding-3-small).
func WithOpenAIModel(model string) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.model = model }
}

// WithOpenAIDimension sets the output embedding dimension (default: 1536).
func WithOpenAIDimension(dim int) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.dimension = dim }
}

// WithOpenAIBaseURL sets the API base URL (default: https://api.openai.com).
// Useful for Azure OpenAI, proxies, or compatible APIs.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(e *OpenAIEmbedder) { e.baseURL = url }
}

// NewOpenAIEmbedder creates an embedding provider for OpenAI's embedding
// models.
func NewOpenAIEmbedder(apiKey string, opts ...OpenAIOption) *OpenAIEmbedder {
	e := &OpenAIEmbedder{
		apiKey:    apiKey,
		model:     "text-embedding-3-small",
		dimension: 1536,
		baseURL:   "https://api.openai.com",
		client:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed generates a vector for the given text. taskType is accepted for
// interface compatibility but ignored (OpenAI embeddings do not have
// task-specific modes).
func (e *OpenAIEmbedder) Embed(ctx context.Context, text, taskType string) ([]float32, error) {
	if e.apiKey == "" {
		return nil, errInvariant("embed.openai", "no API key configured")
	}

	payload := openAIEmbedRequest{
		Input:      text,
		Model:      e.model,
		Dimensions: e.dimension,
	}
	headers := map[string]string{"Authorization": "Bearer " + e.apiKey}

	var decoded openAIEmbedResponse
	if err := postEmbed(ctx, e.client, "openai", e.baseURL+"/v1/embeddings", headers, payload, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Data) == 0 {
		return narrowVector("openai", nil)
	}
	return narrowVector("openai", decoded.Data[0].Embedding)
}

// Dimension returns the configured embedding dimension.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// --- OpenAI embeddings wire types ---

type openAIEmbedRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

type openAIEmbedResponse struct {
	Data []openAIEmbedData `json:"data"`
}

type openAIEmbedData struct {
	Embedding []float64 `json:"embedding"`
}
