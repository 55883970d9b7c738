// Package llm holds the completion clients used to write generalized summaries
// of promoted memories.
package llm

import (
	"context"
	"fmt"

	"github.com/lazypower/mnemo/internal/config"
)

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

const (
	DefaultAnthropicModel = "claude-haiku-4-5-20251001"
	DefaultOllamaURL      = "http://localhost:11434"
	DefaultOllamaModel    = "llama3.2"
)

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// NewClient builds the configured provider. Provider "none" returns a nil
// client and no error, which callers treat as "summarize without an LLM".
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or llm.anthropic_key")
		}
		return NewAnthropic(cfg.AnthropicKey, orDefault(cfg.Model, DefaultAnthropicModel)), nil
	case "ollama":
		return NewOllama(orDefault(cfg.OllamaURL, DefaultOllamaURL), orDefault(cfg.OllamaModel, DefaultOllamaModel)), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}
