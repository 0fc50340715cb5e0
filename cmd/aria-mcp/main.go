// aria-mcp exposes the persona memory runtime as an MCP stdio server: a
// secondary admin surface for inspecting and exercising collections from
// MCP-capable clients. The JSON-RPC websocket surface (cmd/ariad) is the
// primary one.
//
// Environment variables:
//
//	ARIA_DB_PATH        — SQLite database path (default: ./data/aria.db)
//	ARIA_EMBED_PROVIDER — openai|ollama|gemini (default: openai)
//	OPENAI_API_KEY      — OpenAI key for embeddings
//	GEMINI_API_KEY      — Gemini key for gemini embeddings
//
// Usage:
//
//	go install github.com/wrenmoor/aria/cmd/aria-mcp
//	aria-mcp
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wrenmoor/aria"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := aria.Config{
		DBPath:   getenv("ARIA_DB_PATH", "./data/aria.db"),
		Embedder: buildEmbedder(),
	}

	// No persona directory: the bridge accepts any persona id, the way an
	// admin tool should.
	rt, err := aria.Init(cfg, nil)
	if err != nil {
		log.Fatalf("aria init: %v", err)
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "aria-mcp",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "memory_store",
		Description: "Store a memory for a persona. Importance is scored automatically unless given.",
	}, storeHandler(rt))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "memory_search",
		Description: "Search a persona's own memories by semantic similarity.",
	}, searchHandler(rt))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "memory_search_cross_persona",
		Description: "Search across all personas, respecting visibility rules. Private memories of other personas are never returned.",
	}, crossSearchHandler(rt))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "memory_stats",
		Description: "Collection statistics for a persona: totals by kind and visibility, average importance.",
	}, statsHandler(rt))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "memory_prune",
		Description: "Prune a persona's collection, or preview what a prune would delete (dry_run).",
	}, pruneHandler(rt))

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		log.Fatalf("aria-mcp: %v", err)
	}
}

func buildEmbedder() aria.EmbeddingProvider {
	switch getenv("ARIA_EMBED_PROVIDER", "openai") {
	case "ollama":
		return aria.NewOllamaEmbedder(getenv("ARIA_OLLAMA_MODEL", "nomic-embed-text"), 768)
	case "gemini":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return aria.NewGeminiEmbedder(key, 768)
		}
	default:
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			return aria.NewOpenAIEmbedder(key)
		}
	}
	return nil
}

// --- Input types ---

type storeInput struct {
	PersonaID       string   `json:"persona_id"                 jsonschema:"Owning persona id"`
	Content         string   `json:"content"                    jsonschema:"Memory text"`
	MemoryType      string   `json:"memory_type,omitempty"      jsonschema:"Kind tag: conversation, location, local_knowledge, ..."`
	Visibility      string   `json:"visibility,omitempty"       jsonschema:"private, shared, or public (default private)"`
	Importance      *float64 `json:"importance,omitempty"       jsonschema:"Optional importance override 0.0-1.0"`
	RelatedPersonas []string `json:"related_personas,omitempty" jsonschema:"Persona ids this memory references"`
}

type searchInput struct {
	PersonaID     string  `json:"persona_id"               jsonschema:"Persona whose collection to search"`
	Query         string  `json:"query"                    jsonschema:"Search query"`
	NResults      int     `json:"n_results,omitempty"      jsonschema:"Max results (default 5)"`
	MinImportance float64 `json:"min_importance,omitempty" jsonschema:"Importance floor 0.0-1.0"`
}

type crossSearchInput struct {
	PersonaID     string  `json:"persona_id"               jsonschema:"Requesting persona id"`
	Query         string  `json:"query"                    jsonschema:"Search query"`
	NResults      int     `json:"n_results,omitempty"      jsonschema:"Max results (default 5)"`
	MinImportance float64 `json:"min_importance,omitempty" jsonschema:"Importance floor 0.0-1.0"`
	IncludeShared bool    `json:"include_shared,omitempty" jsonschema:"Include shared memories of other personas"`
	IncludePublic bool    `json:"include_public,omitempty" jsonschema:"Include public memories of other personas"`
}

type statsInput struct {
	PersonaID string `json:"persona_id" jsonschema:"Persona id"`
}

type pruneInput struct {
	PersonaID string `json:"persona_id"        jsonschema:"Persona id"`
	DryRun    bool   `json:"dry_run,omitempty" jsonschema:"Preview only, delete nothing"`
	Force     bool   `json:"force,omitempty"   jsonschema:"Bypass the in-flight guard and cooldown"`
}

// --- Handlers ---

func storeHandler(rt *aria.Runtime) func(context.Context, *mcp.CallToolRequest, storeInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input storeInput) (*mcp.CallToolResult, any, error) {
		id, err := rt.Memories.Store(ctx, aria.StoreInput{
			PersonaID:          input.PersonaID,
			Content:            input.Content,
			Kind:               input.MemoryType,
			Visibility:         aria.Visibility(input.Visibility),
			ImportanceOverride: input.Importance,
			RelatedPersonas:    input.RelatedPersonas,
		})
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(map[string]any{
			"memory_id": id,
			"status":    "stored",
		})), nil, nil
	}
}

func searchHandler(rt *aria.Runtime) func(context.Context, *mcp.CallToolRequest, searchInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input searchInput) (*mcp.CallToolResult, any, error) {
		n := input.NResults
		if n <= 0 {
			n = 5
		}
		results, err := rt.Memories.Search(ctx, input.PersonaID, input.Query, n, input.MinImportance)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		out := make([]map[string]any, len(results))
		for i, r := range results {
			out[i] = searchResultToMap(r)
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func crossSearchHandler(rt *aria.Runtime) func(context.Context, *mcp.CallToolRequest, crossSearchInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input crossSearchInput) (*mcp.CallToolResult, any, error) {
		n := input.NResults
		if n <= 0 {
			n = 5
		}
		results, err := rt.Memories.SearchCrossPersona(ctx, aria.CrossPersonaSearchInput{
			RequestingPersonaID: input.PersonaID,
			Query:               input.Query,
			K:                   n,
			MinImportance:       input.MinImportance,
			IncludeShared:       input.IncludeShared,
			IncludePublic:       input.IncludePublic,
		})
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		out := make([]map[string]any, len(results))
		for i, r := range results {
			out[i] = searchResultToMap(r)
		}
		return textResult(jsonString(out)), nil, nil
	}
}

func statsHandler(rt *aria.Runtime) func(context.Context, *mcp.CallToolRequest, statsInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input statsInput) (*mcp.CallToolResult, any, error) {
		stats, err := rt.Memories.Stats(ctx, input.PersonaID)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(map[string]any{
			"persona_id":     input.PersonaID,
			"total_memories": stats.Total,
			"memory_types":   stats.ByKind,
			"by_visibility":  stats.ByVisibility,
			"avg_importance": stats.AvgImportance,
		})), nil, nil
	}
}

func pruneHandler(rt *aria.Runtime) func(context.Context, *mcp.CallToolRequest, pruneInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input pruneInput) (*mcp.CallToolResult, any, error) {
		var result aria.PruneResult
		var err error
		if input.DryRun {
			result, err = rt.Pruner.Recommend(ctx, input.PersonaID)
		} else {
			result, err = rt.Pruner.Prune(ctx, input.PersonaID, input.Force)
		}
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(map[string]any{
			"persona_id":               result.PersonaID,
			"dry_run":                  input.DryRun,
			"evaluated":                result.Evaluated,
			"candidates":               result.Candidates,
			"protected_by_safety_rule": result.ProtectedBySafetyRule,
			"deleted":                  result.Deleted,
			"mean_importance_pruned":   result.MeanImportancePruned,
			"mean_importance_kept":     result.MeanImportanceKept,
		})), nil, nil
	}
}

// --- Helpers ---

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func searchResultToMap(r aria.SearchResult) map[string]any {
	m := map[string]any{
		"id":          r.ID,
		"content":     r.Content,
		"memory_type": r.Kind,
		"visibility":  r.Visibility,
		"importance":  r.Importance,
		"similarity":  r.Similarity,
		"created_at":  r.CreatedAt.Format(time.RFC3339),
	}
	if r.Source != "" {
		m["source"] = r.Source
	}
	if r.SourcePersona != "" {
		m["source_persona"] = r.SourcePersona
	}
	return m
}

func jsonString(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "marshal: %v"}`, err)
	}
	return string(data)
}
