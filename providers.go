package aria

import "context"

// EmbeddingProvider generates vector embeddings from text. Embedding is
// treated as a possibly blocking call dispatched to a worker.
// Built-in: GeminiEmbedder, OpenAIEmbedder, OllamaEmbedder.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string, taskType string) ([]float32, error)
	Dimension() int
}

// ReflectionProvider synthesizes higher-order observations from a batch of
// a persona's recent memories. Opt-in: a nil provider on Config disables
// the reflection worker entirely.
type ReflectionProvider interface {
	Reflect(ctx context.Context, memories []Memory, personaContext string) ([]Reflection, error)
}

// ChatCompleter is the external LLM collaborator the Session Orchestrator
// calls to produce a persona's reply. The orchestrator depends only on this
// interface; cmd/ariad binds a concrete implementation
// (llm.OpenAIChatCompleter).
type ChatCompleter interface {
	Complete(ctx context.Context, persona Persona, history []ChatTurn, message string) (string, error)
	CompleteStream(ctx context.Context, persona Persona, history []ChatTurn, message string, chunks chan<- string) error
}

// ChatTurn is one turn of prior conversation history passed to the LLM
// collaborator for context.
type ChatTurn struct {
	Speaker string
	Content string
}
