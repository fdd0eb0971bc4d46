// Package drafting generates reply drafts and tracks them from generation
// through edits to sending.
package drafting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/replydesk/internal/apperr"
	"github.com/kalambet/replydesk/internal/completion"
	"github.com/kalambet/replydesk/internal/composer"
	"github.com/kalambet/replydesk/internal/guardrail"
	"github.com/kalambet/replydesk/internal/knowledge"
	"github.com/kalambet/replydesk/internal/retrieval"
	"github.com/kalambet/replydesk/internal/storage"
)

// FallbackText is the draft produced when there are no style exemplars yet.
const FallbackText = "I received your email and will respond."

const (
	defaultExemplarCount = 5
	defaultEmbedTimeout  = 10 * time.Second
	defaultDeadline      = 60 * time.Second
)

// ExemplarIndex is the embedding index over past replies.
type ExemplarIndex interface {
	QueryNearest(ctx context.Context, vector []float32, k int) (retrieval.Result, error)
	Count(ctx context.Context) (int, error)
}

// Embedder embeds message text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KnowledgeRetriever selects knowledge items for a message.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, messageText string, ticketTags []string) (knowledge.Result, error)
}

// Input is what a draft is generated for.
type Input struct {
	Incoming storage.Message
	// Thread is the prior conversation, oldest first.
	Thread     []storage.Message
	TicketTags []string
}

// Result is a generated draft and what went into it.
type Result struct {
	DraftText        string   `json:"draft_text"`
	UsedKnowledgeIDs []string `json:"used_knowledge_ids"`
	UsedExemplarIDs  []string `json:"used_exemplar_ids"`
	Directives       []string `json:"directives,omitempty"`
	// Fallback is set when the index was empty and DraftText is FallbackText.
	Fallback bool `json:"fallback"`
	// ExemplarFallback is set when exemplars came from the unvectorized list.
	ExemplarFallback bool `json:"exemplar_fallback,omitempty"`
	// Retried is set when the first completion hit a banned phrase.
	Retried bool `json:"retried,omitempty"`
}

// Generator runs the drafting pipeline.
type Generator struct {
	index         ExemplarIndex
	embedder      Embedder
	knowledge     KnowledgeRetriever
	client        completion.Client
	composer      *composer.Composer
	exemplarCount int
	embedTimeout  time.Duration
	deadline      time.Duration
	logger        *slog.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithExemplarCount sets how many style exemplars are requested. Values <= 0
// keep the default of 5.
func WithExemplarCount(n int) GeneratorOption {
	return func(g *Generator) {
		if n > 0 {
			g.exemplarCount = n
		}
	}
}

// WithEmbedTimeout bounds embedding of the incoming message. When it
// expires the draft uses the unvectorized exemplars instead.
func WithEmbedTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.embedTimeout = d
		}
	}
}

// WithDeadline bounds a whole Generate call, retry included.
func WithDeadline(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.deadline = d
		}
	}
}

// WithComposer replaces the default prompt composer.
func WithComposer(c *composer.Composer) GeneratorOption {
	return func(g *Generator) { g.composer = c }
}

func NewGenerator(index ExemplarIndex, embedder Embedder, kr KnowledgeRetriever, client completion.Client, opts ...GeneratorOption) *Generator {
	g := &Generator{
		index:         index,
		embedder:      embedder,
		knowledge:     kr,
		client:        client,
		composer:      composer.New(0),
		exemplarCount: defaultExemplarCount,
		embedTimeout:  defaultEmbedTimeout,
		deadline:      defaultDeadline,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Configured reports whether the completion client has credentials.
func (g *Generator) Configured() bool {
	return g.client != nil && g.client.Configured()
}

// Generate drafts a reply to in.Incoming under guardrail configuration cfg.
//
// An empty exemplar index yields FallbackText without calling the completion
// service. A draft containing a banned phrase is regenerated once with an
// explicit instruction to avoid it; a second hit returns
// *apperr.GuardrailBlockedError. Running past the generator deadline
// fails with apperr.ErrGenerationFailed.
func (g *Generator) Generate(ctx context.Context, cfg guardrail.Config, in Input) (Result, error) {
	if !g.Configured() {
		return Result{}, apperr.ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, g.deadline)
	defer cancel()

	n, err := g.index.Count(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("counting exemplars: %w", err)
	}
	if n == 0 {
		g.logger.Info("exemplar index empty, using fallback draft", "message_id", in.Incoming.ID)
		return Result{DraftText: FallbackText, Fallback: true}, nil
	}

	text := messageText(in.Incoming)

	var (
		nearest retrieval.Result
		kres    knowledge.Result
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		ectx, cancel := context.WithTimeout(gctx, g.embedTimeout)
		vec, err := g.embedder.Embed(ectx, text)
		cancel()
		if err != nil {
			// An unembeddable message still drafts, with fallback exemplars.
			g.logger.Warn("embedding incoming message failed", "message_id", in.Incoming.ID, "error", err)
			vec = nil
		}
		nearest, err = g.index.QueryNearest(gctx, vec, g.exemplarCount)
		if err != nil {
			return fmt.Errorf("querying exemplars: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		var err error
		kres, err = g.knowledge.Retrieve(gctx, text, in.TicketTags)
		if err != nil {
			return fmt.Errorf("retrieving knowledge: %w", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, apperr.Generation(err)
		}
		return Result{}, err
	}

	topics := append(append([]string(nil), in.TicketTags...), kres.MatchedTags...)
	directives := guardrail.Directives(cfg, topics)

	prompt := g.composer.Compose(composer.Input{
		Directives: directives,
		Knowledge:  kres.Items,
		Exemplars:  nearest.Exemplars(),
		Thread:     in.Thread,
		Incoming:   in.Incoming,
	})
	if prompt.ThreadDropped > 0 {
		g.logger.Debug("thread trimmed to fit prompt budget", "message_id", in.Incoming.ID, "dropped", prompt.ThreadDropped)
	}

	res := Result{
		UsedKnowledgeIDs: prompt.KnowledgeIDs,
		UsedExemplarIDs:  prompt.ExemplarIDs,
		Directives:       directives,
		ExemplarFallback: nearest.Fallback,
	}

	draft, err := g.client.Complete(ctx, prompt.Messages)
	if err != nil {
		return Result{}, apperr.Generation(err)
	}

	verdict := guardrail.Validate(cfg, draft)
	if !verdict.Accepted {
		g.logger.Info("draft hit banned phrases, retrying", "message_id", in.Incoming.ID, "phrases", verdict.Reasons)
		res.Retried = true
		res.Directives = append(append([]string(nil), directives...), avoidDirective(verdict.Reasons))

		retry := g.composer.Compose(composer.Input{
			Directives: res.Directives,
			Knowledge:  kres.Items,
			Exemplars:  nearest.Exemplars(),
			Thread:     in.Thread,
			Incoming:   in.Incoming,
		})
		draft, err = g.client.Complete(ctx, retry.Messages)
		if err != nil {
			return Result{}, apperr.Generation(err)
		}
		verdict = guardrail.Validate(cfg, draft)
		if !verdict.Accepted {
			return Result{}, &apperr.GuardrailBlockedError{Phrases: verdict.Reasons}
		}
	}

	res.DraftText = draft
	return res, nil
}

func avoidDirective(phrases []string) string {
	quoted := make([]string, len(phrases))
	for i, p := range phrases {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return "Avoid banned terms: the reply must not contain " + strings.Join(quoted, ", ") + " in any letter case."
}

func messageText(m storage.Message) string {
	if m.Subject == "" {
		return m.Body
	}
	return m.Subject + "\n\n" + m.Body
}
