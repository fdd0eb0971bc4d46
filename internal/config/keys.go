package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "REPLYDESK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "REPLYDESK_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "REPLYDESK_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "REPLYDESK_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "REPLYDESK_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "REPLYDESK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "completion.provider", typ: kString, env: "REPLYDESK_COMPLETION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Completion.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Provider },
	},
	{
		key: "completion.api_key", typ: kString, env: "REPLYDESK_COMPLETION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Completion.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.APIKey },
	},
	{
		key: "completion.base_url", typ: kString, env: "REPLYDESK_COMPLETION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Completion.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.BaseURL },
	},
	{
		key: "completion.model", typ: kString, env: "REPLYDESK_COMPLETION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Completion.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Model },
	},
	{
		key: "completion.timeout", typ: kString, env: "REPLYDESK_COMPLETION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Completion.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Completion.Timeout },
	},
	{
		key: "completion.temperature", typ: kFloat, env: "REPLYDESK_COMPLETION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Completion.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Completion.Temperature },
	},
	{
		key: "completion.max_tokens", typ: kInt, env: "REPLYDESK_COMPLETION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Completion.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Completion.MaxTokens },
	},
	{
		key: "drafting.exemplar_count", typ: kInt, env: "REPLYDESK_DRAFTING_EXEMPLAR_COUNT",
		apply:   func(cfg *Config, v any) { cfg.Drafting.ExemplarCount = v.(int) },
		extract: func(cfg Config) any { return cfg.Drafting.ExemplarCount },
	},
	{
		key: "drafting.prompt_tokens", typ: kInt, env: "REPLYDESK_DRAFTING_PROMPT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Drafting.PromptTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Drafting.PromptTokens },
	},
	{
		key: "drafting.owner_scope", typ: kString, env: "REPLYDESK_DRAFTING_OWNER_SCOPE",
		apply:   func(cfg *Config, v any) { cfg.Drafting.OwnerScope = v.(string) },
		extract: func(cfg Config) any { return cfg.Drafting.OwnerScope },
	},
	{
		key: "drafting.timeout", typ: kString, env: "REPLYDESK_DRAFTING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Drafting.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Drafting.Timeout },
	},
	{
		key: "presence.redis_addr", typ: kString, env: "REPLYDESK_PRESENCE_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Presence.RedisAddr = v.(string) },
		extract: func(cfg Config) any { return cfg.Presence.RedisAddr },
	},
	{
		key: "presence.redis_password", typ: kString, env: "REPLYDESK_PRESENCE_REDIS_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Presence.RedisPassword = v.(string) },
		extract: func(cfg Config) any { return cfg.Presence.RedisPassword },
	},
	{
		key: "presence.redis_db", typ: kInt, env: "REPLYDESK_PRESENCE_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Presence.RedisDB = v.(int) },
		extract: func(cfg Config) any { return cfg.Presence.RedisDB },
	},
	{
		key: "presence.ttl", typ: kString, env: "REPLYDESK_PRESENCE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Presence.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Presence.TTL },
	},
	{
		key: "mailbox.address", typ: kString, env: "REPLYDESK_MAILBOX_ADDRESS",
		apply:   func(cfg *Config, v any) { cfg.Mailbox.Address = v.(string) },
		extract: func(cfg Config) any { return cfg.Mailbox.Address },
	},
	{
		key: "mailbox.display_name", typ: kString, env: "REPLYDESK_MAILBOX_DISPLAY_NAME",
		apply:   func(cfg *Config, v any) { cfg.Mailbox.DisplayName = v.(string) },
		extract: func(cfg Config) any { return cfg.Mailbox.DisplayName },
	},
	{
		key: "triage.enabled", typ: kBool, env: "REPLYDESK_TRIAGE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Triage.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Triage.Enabled },
	},
	{
		key: "log.level", typ: kString, env: "REPLYDESK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
