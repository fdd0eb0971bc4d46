package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/replydesk/internal/engine"
)

var _ Client = (*EngineClient)(nil)

// EngineClient completes through the local inference engine.
type EngineClient struct {
	eng     engine.Engine
	model   string
	opts    *engine.ChatOptions
	timeout time.Duration
}

func NewEngineClient(eng engine.Engine, model string, opts *engine.ChatOptions) *EngineClient {
	return &EngineClient{eng: eng, model: model, opts: opts, timeout: defaultTimeout}
}

// WithTimeout bounds every Complete call. Values <= 0 keep the default.
func (c *EngineClient) WithTimeout(d time.Duration) *EngineClient {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Configured reports whether a model is set; the local engine needs no key.
func (c *EngineClient) Configured() bool { return c.model != "" }

func (c *EngineClient) Complete(ctx context.Context, messages []Message) (string, error) {
	msgs := make([]engine.Message, len(messages))
	for i, m := range messages {
		msgs[i] = engine.Message{Role: m.Role, Content: m.Content}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := c.eng.Chat(reqCtx, c.model, msgs, c.opts)
	if err != nil {
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return "", fmt.Errorf("local completion timed out after %s: %w", c.timeout, reqCtx.Err())
		}
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty content", ErrMalformedResponse)
	}
	return text, nil
}
