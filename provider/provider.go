package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/citypulse/newsdesk/config"
	openai_provider "github.com/citypulse/newsdesk/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
)

// Message is one turn of a chat-completion conversation.
type Message = openai_provider.Message

// Provider is the interface the pipeline consumes: a chat-completion
// endpoint that returns free-form text expected to contain JSON.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch Client(cfg.Type) {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("llm.api_key not set")
		}
		return openai_provider.NewClient(
			cfg.APIKey,
			cfg.BaseURL,
			cfg.Model,
			cfg.Temperature,
			cfg.MaxTokens,
			cfg.Timeout,
		), nil
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Type)
	}
}
