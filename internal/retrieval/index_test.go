package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/replydesk/internal/storage"
)

func newTestIndex(t *testing.T) (*ExemplarIndex, *storage.Store) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewExemplarIndex(st, NewSQLiteStore(st.DB())), st
}

func TestQueryNearest_RanksByCosine(t *testing.T) {
	ix, _ := newTestIndex(t)
	ctx := context.Background()

	exemplars := []struct {
		msg string
		vec []float32
	}{
		{"refund", []float32{1, 0, 0}},
		{"shipping", []float32{0, 1, 0}},
		{"refund-ish", []float32{0.9, 0.1, 0}},
	}
	for _, e := range exemplars {
		if _, err := ix.Index(ctx, storage.Exemplar{MessageID: e.msg, Body: e.msg + " reply", IsReply: true}, e.vec); err != nil {
			t.Fatalf("Index %s: %v", e.msg, err)
		}
	}
	// Unvectorized exemplars never rank.
	if _, err := ix.Index(ctx, storage.Exemplar{MessageID: "plain", Body: "no vector"}, nil); err != nil {
		t.Fatalf("Index plain: %v", err)
	}

	res, err := ix.QueryNearest(ctx, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("QueryNearest: %v", err)
	}
	if res.Fallback {
		t.Error("Fallback = true, want false")
	}
	if len(res.Matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(res.Matches))
	}
	want := []string{"refund", "refund-ish", "shipping"}
	for i, msg := range want {
		if res.Matches[i].Exemplar.MessageID != msg {
			t.Errorf("match[%d] = %q, want %q", i, res.Matches[i].Exemplar.MessageID, msg)
		}
	}

	n, err := ix.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 4 {
		t.Errorf("Count = %d, want 4", n)
	}
}

func TestQueryNearest_FallbackWithoutVectors(t *testing.T) {
	ix, _ := newTestIndex(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, msg := range []string{"old", "mid", "new"} {
		ex := storage.Exemplar{MessageID: msg, Body: msg, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if _, err := ix.Index(ctx, ex, nil); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}

	res, err := ix.QueryNearest(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("QueryNearest: %v", err)
	}
	if !res.Fallback {
		t.Error("Fallback = false, want true")
	}
	got := res.Exemplars()
	if len(got) != 2 || got[0].MessageID != "new" || got[1].MessageID != "mid" {
		t.Errorf("fallback = %+v, want [new mid]", got)
	}
}

func TestQueryNearest_EmptyIndex(t *testing.T) {
	ix, _ := newTestIndex(t)
	res, err := ix.QueryNearest(context.Background(), []float32{1}, 3)
	if err != nil {
		t.Fatalf("QueryNearest: %v", err)
	}
	if len(res.Matches) != 0 {
		t.Errorf("got %d matches, want 0", len(res.Matches))
	}
	n, err := ix.Count(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Count = %d, %v; want 0", n, err)
	}
}

func TestIndex_SameMessageKeepsFirstBody(t *testing.T) {
	ix, st := newTestIndex(t)
	ctx := context.Background()

	id1, err := ix.Index(ctx, storage.Exemplar{MessageID: "m1", Body: "first"}, nil)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	id2, err := ix.Index(ctx, storage.Exemplar{MessageID: "m1", Body: "second"}, []float32{1, 1})
	if err != nil {
		t.Fatalf("Index again: %v", err)
	}
	if id1 != id2 {
		t.Errorf("ids differ: %q vs %q", id1, id2)
	}
	e, err := st.GetExemplar(id1)
	if err != nil {
		t.Fatalf("GetExemplar: %v", err)
	}
	if e.Body != "first" {
		t.Errorf("Body = %q, want first", e.Body)
	}
	res, err := ix.QueryNearest(ctx, []float32{1, 1}, 1)
	if err != nil {
		t.Fatalf("QueryNearest: %v", err)
	}
	if len(res.Matches) != 1 || res.Fallback {
		t.Errorf("expected the refreshed vector to rank, got %+v", res)
	}
}

func TestBackfill(t *testing.T) {
	ix, _ := newTestIndex(t)
	ctx := context.Background()

	for _, msg := range []string{"a", "b"} {
		if _, err := ix.Index(ctx, storage.Exemplar{MessageID: msg, Body: msg}, nil); err != nil {
			t.Fatalf("Index: %v", err)
		}
	}
	emb := NewEmbedder(&mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			if text == "a" {
				return []float32{1, 0}, nil
			}
			return []float32{0, 1}, nil
		},
	}, "nomic-embed-text")

	n, err := ix.Backfill(ctx, emb, 10)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 2 {
		t.Errorf("Backfill = %d, want 2", n)
	}
	again, err := ix.Backfill(ctx, emb, 10)
	if err != nil || again != 0 {
		t.Errorf("second Backfill = %d, %v; want 0", again, err)
	}

	res, err := ix.QueryNearest(ctx, []float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("QueryNearest: %v", err)
	}
	if res.Fallback || len(res.Matches) != 1 || res.Matches[0].Exemplar.Body != "b" {
		t.Errorf("got %+v, want b", res)
	}
}
