package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrChatUnsupported is returned by embedding-only providers.
var ErrChatUnsupported = errors.New("llm: provider does not support chat completion")

// Provider is the interface for completion and embedding calls.
type Provider interface {
	// Chat sends a single-turn (or multi-message) completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts, one vector per text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// SystemUser builds the common two-message prompt.
func SystemUser(system, user string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	return append(msgs, Message{Role: "user", Content: user})
}

// Config configures a provider.
type Config struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, cohere, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	// Dimensions requests a reduced output size from providers that
	// support it (gemini). Zero keeps the model default.
	Dimensions int `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
}

// NewProvider creates a provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg), nil
	case "gemini":
		return NewGemini(cfg)
	case "cohere":
		return NewCohere(cfg)
	case "custom":
		return NewOpenAICompat(cfg), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	}
	if p, ok := presets[cfg.Provider]; ok {
		return newPreset(p, cfg), nil
	}
	return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
}
