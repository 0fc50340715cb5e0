package aria

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// postEmbed sends one JSON embedding request and decodes the JSON response,
// classifying failures by error kind so the retry layer knows what is worth
// repeating: network errors, 429s, 5xx, and truncated bodies are transient;
// bad requests and missing credentials are not.
func postEmbed(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload, out any) error {
	op := "embed." + provider

	body, err := json.Marshal(payload)
	if err != nil {
		return errInvariant(op, "encode request: "+err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errInvariant(op, "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errEmbedderUnavailable(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		cause := fmt.Errorf("%s returned %d: %s", provider, resp.StatusCode, snippet)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return errEmbedderUnavailable(op, cause)
		}
		return errInvariant(op, cause.Error())
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errEmbedderUnavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// narrowVector converts a float64 wire vector to the float32 form stored on
// Memory. Returns an error on an empty vector so a provider glitch never
// persists a zero embedding.
func narrowVector(provider string, values []float64) ([]float32, error) {
	if len(values) == 0 {
		return nil, errEmbedderUnavailable("embed."+provider, errors.New("empty embedding in response"))
	}
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v)
	}
	return vec, nil
}

// GeminiEmbedder generates embeddings via the Gemini embedContent API.
// Implements EmbeddingProvider.
type GeminiEmbedder struct {
	apiKey    string
	dimension int
	client    *http.Client
}

// NewGeminiEmbedder creates an embedding provider for gemini-embedding-001.
func NewGeminiEmbedder(apiKey string, dimension int) *GeminiEmbedder {
	return &GeminiEmbedder{
		apiKey:    apiKey,
		dimension: dimension,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Embed generates a vector for the given text. taskType should be
// "RETRIEVAL_QUERY" for search queries or "RETRIEVAL_DOCUMENT" for stored
// memories; Gemini tunes the embedding per task.
func (e *GeminiEmbedder) Embed(ctx context.Context, text, taskType string) ([]float32, error) {
	if e.apiKey == "" {
		return nil, errInvariant("embed.gemini", "no API key configured")
	}

	url := "https://generativelanguage.googleapis.com/v1beta/models/gemini-embedding-001:embedContent?key=" + e.apiKey
	payload := geminiEmbedRequest{
		Content:              geminiEmbedContent{Parts: []geminiEmbedPart{{Text: text}}},
		TaskType:             taskType,
		OutputDimensionality: e.dimension,
	}

	var decoded geminiEmbedResponse
	if err := postEmbed(ctx, e.client, "gemini", url, nil, payload, &decoded); err != nil {
		return nil, err
	}
	return narrowVector("gemini", decoded.Embedding.Values)
}

// Dimension returns the configured embedding dimension.
func (e *GeminiEmbedder) Dimension() int {
	return e.dimension
}

// --- Gemini embedContent wire types ---

type geminiEmbedRequest struct {
	Content              geminiEmbedContent `json:"content"`
	TaskType             string             `json:"taskType"`
	OutputDimensionality int                `json:"outputDimensionality"`
}

type geminiEmbedContent struct {
	Parts []geminiEmbedPart `json:"parts"`
}

type geminiEmbedPart struct {
	Text string `json:"text"`
}

type geminiEmbedResponse struct {
	Embedding geminiEmbedValues `json:"embedding"`
}

type geminiEmbedValues struct {
	Values []float64 `json:"values"`
}
