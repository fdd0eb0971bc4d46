// Package completion is the client side of the external text-completion
// service that writes reply drafts.
package completion

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/replydesk/internal/engine"
)

// Message is one chat turn sent to the completion service.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client produces a single text completion for a list of messages.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	// Configured reports whether credentials are present. Drafting refuses
	// to run against an unconfigured client.
	Configured() bool
}

// ProviderType names a completion backend.
type ProviderType string

const (
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderOllama     ProviderType = "ollama"
)

// Config selects and parameterizes the provider.
type Config struct {
	Provider    ProviderType
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// New builds the Client for cfg.Provider. eng is used by the ollama provider
// and may be nil otherwise. A missing API key is not an error here: the
// returned client reports Configured() == false instead.
func New(cfg Config, eng engine.Engine) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenRouter, "":
		c := NewHTTPClient(cfg.APIKey, cfg.Model)
		if cfg.BaseURL != "" {
			c = c.WithBaseURL(cfg.BaseURL)
		}
		if cfg.Timeout > 0 {
			c.timeout = cfg.Timeout
		}
		c.temperature = cfg.Temperature
		c.maxTokens = cfg.MaxTokens
		return c, nil

	case ProviderOllama:
		if eng == nil {
			return nil, fmt.Errorf("ollama provider needs a local engine")
		}
		return NewEngineClient(eng, cfg.Model, &engine.ChatOptions{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		}).WithTimeout(cfg.Timeout), nil

	default:
		return nil, fmt.Errorf("unknown completion provider %q", cfg.Provider)
	}
}
