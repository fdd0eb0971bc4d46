package drafting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/replydesk/internal/apperr"
	"github.com/kalambet/replydesk/internal/completion"
	"github.com/kalambet/replydesk/internal/engine"
	"github.com/kalambet/replydesk/internal/guardrail"
	"github.com/kalambet/replydesk/internal/knowledge"
	"github.com/kalambet/replydesk/internal/retrieval"
	"github.com/kalambet/replydesk/internal/storage"
)

type mockIndex struct {
	count   int
	countFn func(ctx context.Context) (int, error)
	queryFn func(ctx context.Context, vector []float32, k int) (retrieval.Result, error)
}

func (m *mockIndex) Count(ctx context.Context) (int, error) {
	if m.countFn != nil {
		return m.countFn(ctx)
	}
	return m.count, nil
}

func (m *mockIndex) QueryNearest(ctx context.Context, vector []float32, k int) (retrieval.Result, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, vector, k)
	}
	return retrieval.Result{}, nil
}

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedFn != nil {
		return m.embedFn(ctx, text)
	}
	return []float32{1, 0, 0}, nil
}

type mockKnowledge struct {
	retrieveFn func(ctx context.Context, text string, tags []string) (knowledge.Result, error)
}

func (m *mockKnowledge) Retrieve(ctx context.Context, text string, tags []string) (knowledge.Result, error) {
	if m.retrieveFn != nil {
		return m.retrieveFn(ctx, text, tags)
	}
	return knowledge.Result{}, nil
}

type mockClient struct {
	mu         sync.Mutex
	configured bool
	replies    []string
	err        error
	calls      [][]completion.Message
}

func (m *mockClient) Configured() bool { return m.configured }

func (m *mockClient) Complete(_ context.Context, msgs []completion.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msgs)
	if m.err != nil {
		return "", m.err
	}
	if len(m.calls) > len(m.replies) {
		return "", fmt.Errorf("unexpected completion call %d", len(m.calls))
	}
	return m.replies[len(m.calls)-1], nil
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func exemplarResult(ids ...string) retrieval.Result {
	var res retrieval.Result
	for i, id := range ids {
		res.Matches = append(res.Matches, retrieval.Match{
			Exemplar: storage.Exemplar{ID: id, Body: "Hello, thanks for writing in. " + id},
			Score:    1 - float32(i)*0.1,
		})
	}
	return res
}

func testInput() Input {
	return Input{
		Incoming: storage.Message{
			ID: "m2", ThreadID: "t1", Direction: storage.DirectionInbound,
			From: "ana@example.com", Subject: "Refund", Body: "Can I get my refund for order 1234?",
		},
		Thread: []storage.Message{
			{ID: "m1", ThreadID: "t1", Direction: storage.DirectionInbound, Body: "My order arrived broken."},
		},
		TicketTags: []string{"vip"},
	}
}

var bannedCfg = guardrail.Config{
	ToneStyle:   "warm and brief",
	BannedWords: []string{"guaranteed refund"},
	TopicRules: []guardrail.TopicRule{
		{Tag: "refund", Instruction: "Mention the 14-day refund window."},
		{Tag: "vip", Instruction: "Thank the customer for their loyalty."},
		{Tag: "shipping", Instruction: "Never promise delivery dates."},
	},
}

func newTestGenerator(ix ExemplarIndex, emb Embedder, kr KnowledgeRetriever, c completion.Client) *Generator {
	return NewGenerator(ix, emb, kr, c, WithExemplarCount(3))
}

func TestGenerate_NotConfigured(t *testing.T) {
	ix := &mockIndex{countFn: func(context.Context) (int, error) {
		t.Error("index consulted without credentials")
		return 0, nil
	}}
	g := newTestGenerator(ix, &mockEmbedder{}, &mockKnowledge{}, &mockClient{configured: false})

	_, err := g.Generate(context.Background(), guardrail.Config{}, testInput())
	if !errors.Is(err, apperr.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestGenerate_EmptyIndexFallback(t *testing.T) {
	client := &mockClient{configured: true}
	g := newTestGenerator(&mockIndex{count: 0}, &mockEmbedder{}, &mockKnowledge{}, client)

	res, err := g.Generate(context.Background(), bannedCfg, testInput())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.Fallback || res.DraftText != FallbackText {
		t.Errorf("result = %+v, want fallback text", res)
	}
	if client.callCount() != 0 {
		t.Errorf("completion called %d times on empty index", client.callCount())
	}
}

func TestGenerate_AssemblesPrompt(t *testing.T) {
	var gotK int
	var gotTags []string
	ix := &mockIndex{count: 4, queryFn: func(_ context.Context, vec []float32, k int) (retrieval.Result, error) {
		gotK = k
		if len(vec) == 0 {
			t.Error("query vector missing")
		}
		return exemplarResult("e1", "e2"), nil
	}}
	kr := &mockKnowledge{retrieveFn: func(_ context.Context, text string, tags []string) (knowledge.Result, error) {
		gotTags = tags
		if !strings.Contains(text, "refund for order 1234") {
			t.Errorf("retrieval text = %q", text)
		}
		return knowledge.Result{
			Items: []storage.KnowledgeItem{
				{ID: "k1", KnowledgeContent: storage.KnowledgeContent{Title: "Refunds", Body: "Refunds are issued within 14 days.", Tags: []string{"refund"}}},
			},
			MatchedTags: []string{"refund"},
		}, nil
	}}
	client := &mockClient{configured: true, replies: []string{"Hi Ana, your refund is being processed."}}
	g := newTestGenerator(ix, &mockEmbedder{}, kr, client)

	res, err := g.Generate(context.Background(), bannedCfg, testInput())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.DraftText != "Hi Ana, your refund is being processed." {
		t.Errorf("DraftText = %q", res.DraftText)
	}
	if gotK != 3 {
		t.Errorf("k = %d, want 3", gotK)
	}
	if len(gotTags) != 1 || gotTags[0] != "vip" {
		t.Errorf("ticket tags passed to retrieval = %v", gotTags)
	}
	if strings.Join(res.UsedExemplarIDs, ",") != "e1,e2" {
		t.Errorf("UsedExemplarIDs = %v", res.UsedExemplarIDs)
	}
	if strings.Join(res.UsedKnowledgeIDs, ",") != "k1" {
		t.Errorf("UsedKnowledgeIDs = %v", res.UsedKnowledgeIDs)
	}
	if res.Fallback || res.Retried {
		t.Errorf("unexpected flags: %+v", res)
	}

	wantDirectives := []string{
		"Tone and style: warm and brief",
		"Mention the 14-day refund window.",
		"Thank the customer for their loyalty.",
	}
	if strings.Join(res.Directives, "|") != strings.Join(wantDirectives, "|") {
		t.Errorf("Directives = %q, want %q", res.Directives, wantDirectives)
	}

	if client.callCount() != 1 {
		t.Fatalf("completion calls = %d, want 1", client.callCount())
	}
	msgs := client.calls[0]
	sys := msgs[0].Content
	if !strings.Contains(sys, "Refunds are issued within 14 days.") || !strings.Contains(sys, "[Knowledge: include verbatim]") {
		t.Errorf("system prompt missing verbatim knowledge:\n%s", sys)
	}
	if strings.Contains(sys, "Never promise delivery dates.") {
		t.Error("unrelated topic rule leaked into the prompt")
	}
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "Can I get my refund") {
		t.Errorf("last message = %q", last.Content)
	}
	var sawThread bool
	for _, m := range msgs {
		if m.Content == "My order arrived broken." {
			sawThread = true
		}
	}
	if !sawThread {
		t.Error("thread history missing from prompt")
	}
}

func TestGenerate_EmbedFailureUsesFallbackExemplars(t *testing.T) {
	var gotVec []float32
	ix := &mockIndex{count: 1, queryFn: func(_ context.Context, vec []float32, k int) (retrieval.Result, error) {
		gotVec = vec
		res := exemplarResult("e9")
		res.Fallback = true
		return res, nil
	}}
	emb := &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
		return nil, fmt.Errorf("ollama down")
	}}
	client := &mockClient{configured: true, replies: []string{"Thanks, we are on it."}}
	g := newTestGenerator(ix, emb, &mockKnowledge{}, client)

	res, err := g.Generate(context.Background(), guardrail.Config{}, testInput())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gotVec != nil {
		t.Errorf("query vector = %v, want nil", gotVec)
	}
	if !res.ExemplarFallback || len(res.UsedExemplarIDs) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestGenerate_EmbedTimeoutUsesFallbackExemplars(t *testing.T) {
	ix := &mockIndex{count: 1, queryFn: func(_ context.Context, vec []float32, k int) (retrieval.Result, error) {
		if vec != nil {
			return exemplarResult("e1"), nil
		}
		res := exemplarResult("e9")
		res.Fallback = true
		return res, nil
	}}
	emb := &mockEmbedder{embedFn: func(ctx context.Context, _ string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	client := &mockClient{configured: true, replies: []string{"Thanks, we are on it."}}
	g := NewGenerator(ix, emb, &mockKnowledge{}, client, WithEmbedTimeout(50*time.Millisecond))

	start := time.Now()
	res, err := g.Generate(context.Background(), guardrail.Config{}, testInput())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Generate took %v, want the embed step bounded", elapsed)
	}
	if !res.ExemplarFallback || len(res.UsedExemplarIDs) != 1 || res.UsedExemplarIDs[0] != "e9" {
		t.Errorf("result = %+v, want fallback exemplar e9", res)
	}
}

type hungEngine struct {
	engine.Engine
}

func (hungEngine) Chat(ctx context.Context, _ string, _ []engine.Message, _ *engine.ChatOptions) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(3 * time.Second):
		return "late reply", nil
	}
}

func TestGenerate_HungLocalEngineFails(t *testing.T) {
	client, err := completion.New(completion.Config{
		Provider: completion.ProviderOllama,
		Model:    "llama3.2",
		Timeout:  50 * time.Millisecond,
	}, hungEngine{})
	if err != nil {
		t.Fatalf("completion.New: %v", err)
	}
	g := newTestGenerator(&mockIndex{count: 1}, &mockEmbedder{}, &mockKnowledge{}, client)

	start := time.Now()
	_, err = g.Generate(context.WithoutCancel(context.Background()), guardrail.Config{}, testInput())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Generate took %v, want it bounded by the completion timeout", elapsed)
	}
	if !errors.Is(err, apperr.ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want the deadline as cause", err)
	}
}

type blockingClient struct {
	calls int
}

func (c *blockingClient) Configured() bool { return true }

func (c *blockingClient) Complete(ctx context.Context, _ []completion.Message) (string, error) {
	c.calls++
	<-ctx.Done()
	return "", ctx.Err()
}

func TestGenerate_DeadlineBoundsWholeCall(t *testing.T) {
	client := &blockingClient{}
	g := NewGenerator(&mockIndex{count: 1}, &mockEmbedder{}, &mockKnowledge{}, client,
		WithDeadline(50*time.Millisecond))

	start := time.Now()
	_, err := g.Generate(context.WithoutCancel(context.Background()), bannedCfg, testInput())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Generate took %v, want it bounded by the deadline", elapsed)
	}
	if !errors.Is(err, apperr.ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
	if client.calls != 1 {
		t.Errorf("completion calls = %d, want 1", client.calls)
	}
}

func TestGenerate_DeadlineDuringRetrieval(t *testing.T) {
	kr := &mockKnowledge{retrieveFn: func(ctx context.Context, _ string, _ []string) (knowledge.Result, error) {
		<-ctx.Done()
		return knowledge.Result{}, ctx.Err()
	}}
	client := &mockClient{configured: true, replies: []string{"unused"}}
	g := NewGenerator(&mockIndex{count: 1}, &mockEmbedder{}, kr, client, WithDeadline(50*time.Millisecond))

	_, err := g.Generate(context.Background(), guardrail.Config{}, testInput())
	if !errors.Is(err, apperr.ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
	if client.callCount() != 0 {
		t.Error("completion should not run after the deadline")
	}
}

func TestGenerate_BannedPhraseRetrySucceeds(t *testing.T) {
	client := &mockClient{configured: true, replies: []string{
		"You will get a Guaranteed Refund today.",
		"Your refund request has been filed.",
	}}
	g := newTestGenerator(&mockIndex{count: 1, queryFn: func(context.Context, []float32, int) (retrieval.Result, error) {
		return exemplarResult("e1"), nil
	}}, &mockEmbedder{}, &mockKnowledge{}, client)

	res, err := g.Generate(context.Background(), bannedCfg, testInput())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.DraftText != "Your refund request has been filed." || !res.Retried {
		t.Errorf("result = %+v", res)
	}
	if client.callCount() != 2 {
		t.Fatalf("completion calls = %d, want 2", client.callCount())
	}
	if strings.Contains(client.calls[0][0].Content, "Avoid banned terms") {
		t.Error("first attempt should not carry the avoid directive")
	}
	if !strings.Contains(client.calls[1][0].Content, `Avoid banned terms: the reply must not contain "guaranteed refund"`) {
		t.Errorf("retry system prompt = %q", client.calls[1][0].Content)
	}
}

func TestGenerate_BannedPhraseBlocked(t *testing.T) {
	client := &mockClient{configured: true, replies: []string{
		"This is a guaranteed refund.",
		"Still a guaranteed refund, sorry.",
	}}
	g := newTestGenerator(&mockIndex{count: 1}, &mockEmbedder{}, &mockKnowledge{}, client)

	_, err := g.Generate(context.Background(), bannedCfg, testInput())
	if !errors.Is(err, apperr.ErrGuardrailBlocked) {
		t.Fatalf("err = %v, want ErrGuardrailBlocked", err)
	}
	var blocked *apperr.GuardrailBlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err is not a GuardrailBlockedError: %T", err)
	}
	if len(blocked.Phrases) != 1 || blocked.Phrases[0] != "guaranteed refund" {
		t.Errorf("Phrases = %v", blocked.Phrases)
	}
	if client.callCount() != 2 {
		t.Errorf("completion calls = %d, want exactly one retry", client.callCount())
	}
}

func TestGenerate_CompletionFailure(t *testing.T) {
	cause := fmt.Errorf("unexpected status 502")
	client := &mockClient{configured: true, err: cause}
	g := newTestGenerator(&mockIndex{count: 2}, &mockEmbedder{}, &mockKnowledge{}, client)

	_, err := g.Generate(context.Background(), guardrail.Config{}, testInput())
	if !errors.Is(err, apperr.ErrGenerationFailed) {
		t.Fatalf("err = %v, want ErrGenerationFailed", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("underlying cause lost: %v", err)
	}
}

func TestGenerate_RetrievalFailure(t *testing.T) {
	kr := &mockKnowledge{retrieveFn: func(context.Context, string, []string) (knowledge.Result, error) {
		return knowledge.Result{}, fmt.Errorf("database is locked")
	}}
	client := &mockClient{configured: true, replies: []string{"unused"}}
	g := newTestGenerator(&mockIndex{count: 2}, &mockEmbedder{}, kr, client)

	if _, err := g.Generate(context.Background(), guardrail.Config{}, testInput()); err == nil {
		t.Fatal("expected error")
	}
	if client.callCount() != 0 {
		t.Error("completion should not run when context gathering fails")
	}
}

func TestWasEdited(t *testing.T) {
	tests := []struct {
		generated, final string
		want             bool
	}{
		{"I received your email and will respond.", "Thanks! I'll respond by Friday.", true},
		{"Hello there.", "  Hello   there.\n", false},
		{"Hello there.", "hello there.", true},
		{"Line one\nLine two", "Line one Line two", false},
	}
	for _, tt := range tests {
		if got := WasEdited(tt.generated, tt.final); got != tt.want {
			t.Errorf("WasEdited(%q, %q) = %v, want %v", tt.generated, tt.final, got, tt.want)
		}
	}
}
