// Package triage suggests topic tags for a new customer email with a local
// chat model. Suggestions are limited to the tags that guardrail topic rules
// know about, so every suggested tag can steer drafting.
package triage

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/replydesk/internal/engine"
	"github.com/kalambet/replydesk/internal/guardrail"
)

const defaultTimeout = 5 * time.Second

// Chatter is the chat half of engine.Engine.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, opts *engine.ChatOptions) (string, error)
}

// TopicSource provides the active guardrail configuration.
type TopicSource interface {
	Active(ctx context.Context) (guardrail.Config, error)
}

// Suggestion is the model's classification of one email.
type Suggestion struct {
	Tags []string `json:"tags"`
}

type Classifier struct {
	chat    Chatter
	model   string
	topics  TopicSource
	timeout time.Duration
	logger  *slog.Logger
}

func NewClassifier(chat Chatter, model string, topics TopicSource) *Classifier {
	return &Classifier{
		chat:    chat,
		model:   model,
		topics:  topics,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
}

// Suggest returns tags for the email. It never fails: an empty vocabulary,
// a model error, a timeout or unparseable output all yield no tags, so
// filing a ticket never waits on classification.
func (c *Classifier) Suggest(ctx context.Context, subject, body string) []string {
	if strings.TrimSpace(subject) == "" && strings.TrimSpace(body) == "" {
		return nil
	}
	cfg, err := c.topics.Active(ctx)
	if err != nil {
		c.logger.Warn("triage: loading topic vocabulary failed", "error", err)
		return nil
	}
	vocab := vocabulary(cfg)
	if len(vocab) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.chat.Chat(ctx, c.model, BuildPrompt(subject, body, vocab), &engine.ChatOptions{Temperature: 0})
	if err != nil {
		c.logger.Warn("triage chat failed", "error", err)
		return nil
	}

	s, err := parseSuggestion(raw)
	if err != nil {
		c.logger.Warn("triage: unparseable model output", "error", err, "response", raw)
		return nil
	}
	return restrict(s.Tags, vocab)
}

// vocabulary returns the distinct topic rule tags, lowercased, in rule order.
func vocabulary(cfg guardrail.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range cfg.TopicRules {
		tag := strings.ToLower(strings.TrimSpace(r.Tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

// parseSuggestion decodes the first JSON object in raw. Models often wrap
// the object in prose or a code fence.
func parseSuggestion(raw string) (Suggestion, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		raw = raw[start : end+1]
	}
	var s Suggestion
	err := json.Unmarshal([]byte(raw), &s)
	return s, err
}

func restrict(tags, vocab []string) []string {
	allowed := make(map[string]bool, len(vocab))
	for _, v := range vocab {
		allowed[v] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if allowed[t] && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
