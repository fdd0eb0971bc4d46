package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/replydesk/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func publishedItem(id string, publishedAt time.Time, tags ...string) storage.KnowledgeItem {
	return storage.KnowledgeItem{
		ID:               id,
		KnowledgeContent: storage.KnowledgeContent{Title: id, Body: id + " body", Tags: tags, CanParaphrase: true},
		Status:           storage.KnowledgePublished,
		Version:          1,
		PublishedAt:      &publishedAt,
		CreatedAt:        publishedAt,
		UpdatedAt:        publishedAt,
	}
}

func TestRetrieve_EmptyStore(t *testing.T) {
	r := NewRetriever(openTestStore(t))

	res, err := r.Retrieve(context.Background(), "refund please", []string{"billing"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Items) != 0 {
		t.Errorf("got %d items, want 0", len(res.Items))
	}
}

func TestRetrieve_MatchesSubstringAndTicketTags(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	items := []storage.KnowledgeItem{
		publishedItem("refunds", base, "Refund"),
		publishedItem("shipping", base.Add(time.Hour), "shipping"),
		publishedItem("vip", base.Add(2*time.Hour), "vip"),
		publishedItem("unrelated", base.Add(3*time.Hour), "warranty"),
	}
	for _, k := range items {
		if err := s.SaveKnowledgeItem(k); err != nil {
			t.Fatalf("SaveKnowledgeItem: %v", err)
		}
	}

	r := NewRetriever(s)
	res, err := r.Retrieve(context.Background(), "I want a REFUND for my order", []string{"VIP"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	ids := res.IDs()
	want := []string{"vip", "refunds"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
	if len(res.MatchedTags) != 2 || res.MatchedTags[0] != "vip" || res.MatchedTags[1] != "Refund" {
		t.Errorf("MatchedTags = %v", res.MatchedTags)
	}
}

func TestRetrieve_TiesBrokenByID(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"b", "a"} {
		if err := s.SaveKnowledgeItem(publishedItem(id, at, "billing")); err != nil {
			t.Fatalf("SaveKnowledgeItem: %v", err)
		}
	}

	res, err := NewRetriever(s).Retrieve(context.Background(), "", []string{"billing"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if ids := res.IDs(); len(ids) != 2 || ids[0] != "a" {
		t.Errorf("ids = %v, want [a b]", ids)
	}
}

func TestRetrieve_IgnoresPendingSnapshot(t *testing.T) {
	s := openTestStore(t)
	k := publishedItem("k1", time.Now(), "billing")
	k.Pending = &storage.KnowledgeContent{Title: "new", Body: "draft body", Tags: []string{"shipping"}}
	if err := s.SaveKnowledgeItem(k); err != nil {
		t.Fatalf("SaveKnowledgeItem: %v", err)
	}

	r := NewRetriever(s)
	res, err := r.Retrieve(context.Background(), "shipping question", nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Items) != 0 {
		t.Errorf("pending tags must not match, got %v", res.IDs())
	}

	res, err = r.Retrieve(context.Background(), "billing question", nil)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Body != "k1 body" {
		t.Errorf("expected published content, got %+v", res.Items)
	}
}
