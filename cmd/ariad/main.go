// ariad serves the persona memory runtime over a websocket JSON-RPC
// endpoint, with Prometheus metrics alongside.
//
// Environment variables:
//
//	ARIA_DB_PATH        — SQLite database path (default: ./data/aria.db)
//	ARIA_LISTEN_ADDR    — HTTP listen address (default: :8700)
//	ARIA_PERSONAS_PATH  — JSON file of personas and relationships (optional)
//	ARIA_DECAY_MODE     — none|linear|exponential|logarithmic|access_based
//	ARIA_EMBED_PROVIDER — openai|ollama|gemini (default: openai)
//	OPENAI_API_KEY      — OpenAI key for chat and openai embeddings
//	GEMINI_API_KEY      — Gemini key for gemini embeddings
//
// Usage:
//
//	go install github.com/wrenmoor/aria/cmd/ariad
//	ariad
package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wrenmoor/aria"
	"github.com/wrenmoor/aria/llm"
	"github.com/wrenmoor/aria/rpc"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	addr := getenv("ARIA_LISTEN_ADDR", ":8700")
	if _, port, err := net.SplitHostPort(addr); err != nil {
		log.Fatalf("ariad: invalid listen address %q: %v", addr, err)
	} else if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		log.Fatalf("ariad: listen port must be 1-65535, got %q", port)
	}

	logger, err := aria.NewProductionLogger()
	if err != nil {
		log.Fatalf("ariad: logger: %v", err)
	}
	defer logger.Sync()

	cfg := aria.Config{
		DBPath:   getenv("ARIA_DB_PATH", "./data/aria.db"),
		Embedder: buildEmbedder(),
		Logger:   logger,
	}
	if mode := os.Getenv("ARIA_DECAY_MODE"); mode != "" {
		decay := aria.DefaultDecayConfig()
		decay.Mode = aria.DecayMode(mode)
		cfg.Decay = &decay
	}

	dir := aria.NewPersonaDirectory()
	if path := os.Getenv("ARIA_PERSONAS_PATH"); path != "" {
		if err := loadPersonas(dir, path); err != nil {
			log.Fatalf("ariad: load personas: %v", err)
		}
	}

	rt, err := aria.Init(cfg, dir)
	if err != nil {
		log.Fatalf("ariad: init: %v", err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt.Start(ctx)

	var chat aria.ChatCompleter
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		chat = llm.NewOpenAIChatCompleter(key)
	}

	server := rpc.NewServer(rt, dir, chat, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", server.WebsocketHandler())
	mux.Handle("/metrics", rt.Metrics.Handler())

	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("ariad listening on %s (ws at /ws, metrics at /metrics)", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("ariad: serve: %v", err)
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

// personaFile is the on-disk persona seed format. Persona definitions live
// outside the core; this loader is the demo stand-in for that store.
type personaFile struct {
	Personas []struct {
		ID                string             `json:"id"`
		Name              string             `json:"name"`
		Description       string             `json:"description"`
		PersonalityTraits map[string]float64 `json:"personality_traits"`
		TopicPreferences  map[string]float64 `json:"topic_preferences"`
		SocialRank        string             `json:"social_rank"`
		SocialEnergy      float64            `json:"social_energy"`
		AvailableTime     float64            `json:"available_time"`
	} `json:"personas"`
	Relationships []struct {
		PersonaA string  `json:"persona_a"`
		PersonaB string  `json:"persona_b"`
		Affinity float64 `json:"affinity"`
		Trust    float64 `json:"trust"`
		Respect  float64 `json:"respect"`
	} `json:"relationships"`
}

func loadPersonas(dir *aria.PersonaDirectory, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file personaFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}

	for _, p := range file.Personas {
		energy := p.SocialEnergy
		if energy == 0 {
			energy = 100
		}
		availableTime := p.AvailableTime
		if availableTime == 0 {
			availableTime = 600
		}
		dir.Put(aria.Persona{
			ID:                p.ID,
			Name:              p.Name,
			Description:       p.Description,
			PersonalityTraits: p.PersonalityTraits,
			TopicPreferences:  p.TopicPreferences,
			SocialRank:        p.SocialRank,
			Interaction: aria.InteractionState{
				SocialEnergy:  energy,
				AvailableTime: availableTime,
			},
		})
	}
	for _, r := range file.Relationships {
		dir.PutRelationship(aria.Relationship{
			PersonaA: r.PersonaA,
			PersonaB: r.PersonaB,
			Affinity: r.Affinity,
			Trust:    r.Trust,
			Respect:  r.Respect,
		})
	}
	return nil
}
