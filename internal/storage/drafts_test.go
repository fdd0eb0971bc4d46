package storage

import (
	"errors"
	"testing"
)

func TestSaveGeneratedDraft_UpsertKeepsIdentity(t *testing.T) {
	s := openTestStore(t)

	first, err := s.SaveGeneratedDraft(
		Draft{ID: "d1", EmailID: "e1", OwnerScope: "team", GeneratedText: "one", DraftText: "one"},
		UsageEvent{ID: "u1", Action: ActionDraftGenerated},
	)
	if err != nil {
		t.Fatalf("first SaveGeneratedDraft: %v", err)
	}

	second, err := s.SaveGeneratedDraft(
		Draft{ID: "d2", EmailID: "e1", OwnerScope: "team", GeneratedText: "two", DraftText: "two"},
		UsageEvent{ID: "u2", Action: ActionDraftRegenerated},
	)
	if err != nil {
		t.Fatalf("second SaveGeneratedDraft: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("draft ID changed: %q -> %q", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.DraftText != "two" || second.GeneratedText != "two" {
		t.Errorf("text not replaced: %+v", second)
	}

	n, err := s.CountDrafts("e1")
	if err != nil {
		t.Fatalf("CountDrafts: %v", err)
	}
	if n != 1 {
		t.Errorf("CountDrafts = %d, want 1", n)
	}

	events, err := s.ListUsageEvents(first.ID, 0)
	if err != nil {
		t.Fatalf("ListUsageEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Action != ActionDraftGenerated || events[1].Action != ActionDraftRegenerated {
		t.Errorf("actions = %q, %q", events[0].Action, events[1].Action)
	}
	if events[1].DraftID != "d1" {
		t.Errorf("event DraftID = %q, want d1", events[1].DraftID)
	}
}

func TestSaveGeneratedDraft_ScopesAreIndependent(t *testing.T) {
	s := openTestStore(t)

	for i, scope := range []string{"user-a", "user-b"} {
		_, err := s.SaveGeneratedDraft(
			Draft{ID: scope, EmailID: "e1", OwnerScope: scope, GeneratedText: "x", DraftText: "x"},
			UsageEvent{ID: "u" + string(rune('0'+i)), Action: ActionDraftGenerated},
		)
		if err != nil {
			t.Fatalf("SaveGeneratedDraft %s: %v", scope, err)
		}
	}
	n, err := s.CountDrafts("e1")
	if err != nil {
		t.Fatalf("CountDrafts: %v", err)
	}
	if n != 2 {
		t.Errorf("CountDrafts = %d, want 2", n)
	}
}

func TestUpdateDraftText(t *testing.T) {
	s := openTestStore(t)

	d, err := s.SaveGeneratedDraft(
		Draft{ID: "d1", EmailID: "e1", OwnerScope: "team", GeneratedText: "gen", DraftText: "gen"},
		UsageEvent{ID: "u1", Action: ActionDraftGenerated},
	)
	if err != nil {
		t.Fatalf("SaveGeneratedDraft: %v", err)
	}

	if err := s.UpdateDraftText(d.ID, "edited", UsageEvent{ID: "u2", Action: ActionDraftEdited, WasEdited: true}); err != nil {
		t.Fatalf("UpdateDraftText: %v", err)
	}
	got, err := s.GetDraft(d.ID)
	if err != nil {
		t.Fatalf("GetDraft: %v", err)
	}
	if got.DraftText != "edited" || got.GeneratedText != "gen" {
		t.Errorf("DraftText = %q GeneratedText = %q", got.DraftText, got.GeneratedText)
	}

	err = s.UpdateDraftText("missing", "x", UsageEvent{ID: "u3", Action: ActionDraftEdited})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateDraftText missing: err = %v, want ErrNotFound", err)
	}
}

func TestCompleteDraft(t *testing.T) {
	s := openTestStore(t)

	d, err := s.SaveGeneratedDraft(
		Draft{ID: "d1", EmailID: "e1", OwnerScope: "team", GeneratedText: "gen", DraftText: "gen"},
		UsageEvent{ID: "u1", Action: ActionDraftGenerated},
	)
	if err != nil {
		t.Fatalf("SaveGeneratedDraft: %v", err)
	}

	if err := s.CompleteDraft(d.ID, UsageEvent{ID: "u2", Action: ActionDraftSent, WasSent: true, ResponseLatencyMs: 1200}); err != nil {
		t.Fatalf("CompleteDraft: %v", err)
	}

	if _, err := s.GetDraft(d.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDraft after send: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetDraftByEmail("e1", "team"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDraftByEmail after send: err = %v, want ErrNotFound", err)
	}

	events, err := s.ListUsageEvents(d.ID, 10)
	if err != nil {
		t.Fatalf("ListUsageEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	sent := events[1]
	if !sent.WasSent || sent.ResponseLatencyMs != 1200 {
		t.Errorf("sent event = %+v", sent)
	}

	if err := s.CompleteDraft("missing", UsageEvent{ID: "u3", Action: ActionDraftSent}); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteDraft missing: err = %v, want ErrNotFound", err)
	}
	// The failed completion must not leave an orphan event behind.
	all, err := s.ListUsageEvents("", 0)
	if err != nil {
		t.Fatalf("ListUsageEvents all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d events overall, want 2", len(all))
	}
}
