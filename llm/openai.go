// Package llm binds the external chat-completion collaborator the Session
// Orchestrator depends on. The core only sees the aria.ChatCompleter
// interface; this package holds the one concrete implementation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wrenmoor/aria"
)

// OpenAIChatCompleter implements aria.ChatCompleter against any
// OpenAI-compatible chat completion endpoint.
type OpenAIChatCompleter struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// Option configures an OpenAIChatCompleter.
type Option func(*OpenAIChatCompleter)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *OpenAIChatCompleter) { c.model = model }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(c *OpenAIChatCompleter) { c.maxTokens = n }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint (e.g. a
// local inference server).
func WithBaseURL(url string) Option {
	return func(c *OpenAIChatCompleter) {
		cfg := openai.DefaultConfig("")
		cfg.BaseURL = url
		c.client = openai.NewClientWithConfig(cfg)
	}
}

// NewOpenAIChatCompleter builds a completer with sensible defaults.
func NewOpenAIChatCompleter(apiKey string, opts ...Option) *OpenAIChatCompleter {
	c := &OpenAIChatCompleter{
		client:      openai.NewClient(apiKey),
		model:       openai.GPT4oMini,
		maxTokens:   512,
		temperature: 0.8,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// systemPrompt renders the persona handle into the system message. Traits
// and preferences come through the read-only Persona fields; the completer
// never needs the persona store itself.
func systemPrompt(persona aria.Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", persona.Name)
	if len(persona.PersonalityTraits) > 0 {
		b.WriteString(" Personality:")
		for trait, v := range persona.PersonalityTraits {
			fmt.Fprintf(&b, " %s=%.1f", trait, v)
		}
		b.WriteString(".")
	}
	if persona.SocialRank != "" {
		fmt.Fprintf(&b, " Social standing: %s.", persona.SocialRank)
	}
	b.WriteString(" Stay in character and answer concisely.")
	return b.String()
}

func (c *OpenAIChatCompleter) buildMessages(persona aria.Persona, history []aria.ChatTurn, message string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(persona),
	})
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Speaker == persona.ID {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})
	return messages
}

// Complete implements aria.ChatCompleter.
func (c *OpenAIChatCompleter) Complete(ctx context.Context, persona aria.Persona, history []aria.ChatTurn, message string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    c.buildMessages(persona, history, message),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteStream implements aria.ChatCompleter. Chunks are sent on the
// channel as they arrive; the channel is closed before returning.
func (c *OpenAIChatCompleter) CompleteStream(ctx context.Context, persona aria.Persona, history []aria.ChatTurn, message string, chunks chan<- string) error {
	defer close(chunks)

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    c.buildMessages(persona, history, message),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("llm: open stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("llm: stream recv: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		select {
		case chunks <- resp.Choices[0].Delta.Content:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
