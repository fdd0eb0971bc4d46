package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/kalambet/replydesk/internal/completion"
)

type Config struct {
	Server     ServerConfig
	Ollama     OllamaConfig
	Storage    StorageConfig
	Completion CompletionConfig
	Drafting   DraftingConfig
	Presence   PresenceConfig
	Mailbox    MailboxConfig
	Triage     TriageConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port int
	// APIToken guards the HTTP API. Empty disables bearer auth.
	APIToken string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type CompletionConfig struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     string
	Temperature float64
	MaxTokens   int
}

type DraftingConfig struct {
	ExemplarCount int
	PromptTokens  int
	OwnerScope    string
	// Timeout bounds one whole draft generation.
	Timeout string
}

type PresenceConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           string
}

// MailboxConfig is the support identity outbound replies are sent as.
type MailboxConfig struct {
	Address     string
	DisplayName string
}

// TriageConfig controls tag suggestions for inbound mail. Suggestions use
// the Ollama chat model.
type TriageConfig struct {
	Enabled bool
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "mistral-nemo",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Completion: CompletionConfig{
			Provider:    string(completion.ProviderOpenRouter),
			Model:       "anthropic/claude-sonnet-4",
			Timeout:     "45s",
			Temperature: 0.3,
			MaxTokens:   1024,
		},
		Drafting: DraftingConfig{
			ExemplarCount: 5,
			PromptTokens:  6000,
			OwnerScope:    "default",
			Timeout:       "60s",
		},
		Presence: PresenceConfig{
			TTL: "3s",
		},
		Mailbox: MailboxConfig{
			Address:     "support@localhost",
			DisplayName: "Support",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in increasing precedence: defaults, the JSON
// file at ConfigFilePath, a .env file in the working directory, and
// REPLYDESK_* environment variables. A missing completion API key is not an
// error; drafting reports not-configured instead.
func Load() (Config, error) {
	return loadWith(newFileBackend(ConfigFilePath()), ".env")
}

func loadWith(b ConfigBackend, dotenvPath string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	dotenv, err := readDotenv(dotenvPath)
	if err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg, envLookup(dotenv))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readDotenv parses a .env file without exporting it into the process
// environment. A missing file yields an empty map.
func readDotenv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return vals, nil
}

// envLookup prefers the real environment over .env values.
func envLookup(dotenv map[string]string) func(string) string {
	return func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	switch completion.ProviderType(c.Completion.Provider) {
	case completion.ProviderOpenRouter, completion.ProviderOllama:
	default:
		return fmt.Errorf("invalid completion.provider %q: want %q or %q",
			c.Completion.Provider, completion.ProviderOpenRouter, completion.ProviderOllama)
	}
	if _, err := time.ParseDuration(c.Completion.Timeout); err != nil {
		return fmt.Errorf("invalid completion.timeout %q: %w", c.Completion.Timeout, err)
	}
	if d, err := time.ParseDuration(c.Drafting.Timeout); err != nil || d <= 0 {
		return fmt.Errorf("invalid drafting.timeout %q: want a positive duration", c.Drafting.Timeout)
	}
	if _, err := time.ParseDuration(c.Presence.TTL); err != nil {
		return fmt.Errorf("invalid presence.ttl %q: %w", c.Presence.TTL, err)
	}
	if c.Drafting.ExemplarCount < 0 {
		return fmt.Errorf("drafting.exemplar_count must not be negative")
	}
	if c.Drafting.OwnerScope == "" {
		return fmt.Errorf("drafting.owner_scope must not be empty")
	}
	return nil
}

// CompletionClientConfig converts the completion section for completion.New.
func (c Config) CompletionClientConfig() completion.Config {
	timeout, _ := time.ParseDuration(c.Completion.Timeout)
	model := c.Completion.Model
	if completion.ProviderType(c.Completion.Provider) == completion.ProviderOllama && model == defaults().Completion.Model {
		model = c.Ollama.ChatModel
	}
	return completion.Config{
		Provider:    completion.ProviderType(c.Completion.Provider),
		APIKey:      c.Completion.APIKey,
		BaseURL:     c.Completion.BaseURL,
		Model:       model,
		Timeout:     timeout,
		Temperature: c.Completion.Temperature,
		MaxTokens:   c.Completion.MaxTokens,
	}
}

// DraftingTimeout returns the parsed generation deadline.
func (c Config) DraftingTimeout() time.Duration {
	d, err := time.ParseDuration(c.Drafting.Timeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// PresenceTTL returns the parsed typing-presence expiry.
func (c Config) PresenceTTL() time.Duration {
	d, err := time.ParseDuration(c.Presence.TTL)
	if err != nil || d <= 0 {
		return 3 * time.Second
	}
	return d
}
