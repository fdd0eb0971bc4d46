package guardrail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/replydesk/internal/apperr"
	"github.com/kalambet/replydesk/internal/authz"
	"github.com/kalambet/replydesk/internal/storage"
)

// --- Mock store ---

type mockStore struct {
	mu       sync.Mutex
	recs     map[string]storage.GuardrailRecord
	getCalls int
}

func newMockStore() *mockStore {
	return &mockStore{recs: make(map[string]storage.GuardrailRecord)}
}

func (m *mockStore) GetGuardrails(scope string) (storage.GuardrailRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	rec, ok := m.recs[scope]
	if !ok {
		return storage.GuardrailRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (m *mockStore) SaveGuardrails(rec storage.GuardrailRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.Active == "" {
		rec.Active = "{}"
	}
	m.recs[rec.OwnerScope] = rec
	return nil
}

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	admin   = &authz.Principal{UserID: "a1", Role: authz.RoleAdmin}
	manager = &authz.Principal{UserID: "m1", Role: authz.RoleManager}
	agent   = &authz.Principal{UserID: "g1", Role: authz.RoleAgent}
)

// --- Tests ---

func TestActive_EmptyScope(t *testing.T) {
	mgr := NewManager(newMockStore(), "team")

	cfg, err := mgr.Active(context.Background())
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if !cfg.IsZero() {
		t.Errorf("cfg = %+v, want zero", cfg)
	}
}

func TestStageThenPublish(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	mgr := NewManagerWithClock(store, "team", clock, time.Minute)
	ctx := context.Background()

	st, err := mgr.Stage(ctx, manager, Config{ToneStyle: "friendly", BannedWords: []string{"guaranteed refund"}})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if !st.Pending || st.Draft == nil {
		t.Fatalf("state after stage = %+v", st)
	}

	active, err := mgr.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if !active.IsZero() {
		t.Errorf("staged config leaked into active: %+v", active)
	}

	st, err = mgr.Publish(ctx, admin)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if st.Pending || st.Draft != nil {
		t.Errorf("state after publish = %+v", st)
	}

	// Publish invalidates the cache, so the new config is visible at once.
	active, err = mgr.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.ToneStyle != "friendly" || len(active.BannedWords) != 1 {
		t.Errorf("active = %+v", active)
	}
}

func TestActive_CachesWithinTTL(t *testing.T) {
	store := newMockStore()
	clock := &mockClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	mgr := NewManagerWithClock(store, "team", clock, time.Minute)
	ctx := context.Background()

	for range 3 {
		if _, err := mgr.Active(ctx); err != nil {
			t.Fatalf("Active: %v", err)
		}
	}
	if store.getCalls != 1 {
		t.Errorf("store read %d times, want 1", store.getCalls)
	}

	clock.Advance(2 * time.Minute)
	if _, err := mgr.Active(ctx); err != nil {
		t.Fatalf("Active: %v", err)
	}
	if store.getCalls != 2 {
		t.Errorf("store read %d times after expiry, want 2", store.getCalls)
	}
}

func TestActive_ReturnsCopy(t *testing.T) {
	store := newMockStore()
	mgr := NewManager(store, "team")
	ctx := context.Background()

	if _, err := mgr.Stage(ctx, admin, Config{BannedWords: []string{"a"}}); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := mgr.Publish(ctx, admin); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	cfg, err := mgr.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	cfg.BannedWords[0] = "mutated"

	again, err := mgr.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if again.BannedWords[0] != "a" {
		t.Errorf("cached config was mutated: %v", again.BannedWords)
	}
}

func TestManagerAuthorization(t *testing.T) {
	mgr := NewManager(newMockStore(), "team")
	ctx := context.Background()

	if _, err := mgr.Stage(ctx, agent, Config{}); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("agent stage: err = %v, want ErrForbidden", err)
	}
	if _, err := mgr.Stage(ctx, nil, Config{}); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("nil stage: err = %v, want ErrUnauthorized", err)
	}
	if _, err := mgr.Stage(ctx, manager, Config{ToneStyle: "x"}); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if _, err := mgr.Publish(ctx, manager); !errors.Is(err, apperr.ErrForbidden) {
		t.Errorf("manager publish: err = %v, want ErrForbidden", err)
	}
}

func TestPublish_NothingStaged(t *testing.T) {
	mgr := NewManager(newMockStore(), "team")
	if _, err := mgr.Publish(context.Background(), admin); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}
