package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/replydesk/internal/apperr"
	"github.com/kalambet/replydesk/internal/authz"
	"github.com/kalambet/replydesk/internal/storage"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	GetGuardrails(ownerScope string) (storage.GuardrailRecord, error)
	SaveGuardrails(rec storage.GuardrailRecord) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// State is the stored guardrail pair of a scope.
type State struct {
	Active    Config    `json:"active"`
	Draft     *Config   `json:"draft,omitempty"`
	Pending   bool      `json:"pending"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager provides cached access to the active configuration of one owner
// scope and the stage/publish workflow for edits.
type Manager struct {
	store Store
	scope string
	clock Clock
	ttl   time.Duration

	mu       sync.RWMutex
	cached   *Config
	cachedAt time.Time
}

// NewManager creates a Manager for scope with a 30-second cache TTL.
func NewManager(store Store, scope string) *Manager {
	return NewManagerWithClock(store, scope, realClock{}, 30*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, scope string, clock Clock, ttl time.Duration) *Manager {
	return &Manager{store: store, scope: scope, clock: clock, ttl: ttl}
}

// Active returns the published configuration. A scope that was never
// configured yields the zero Config.
func (m *Manager) Active(ctx context.Context) (Config, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		cfg := m.cached.clone()
		m.mu.RUnlock()
		return cfg, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return m.cached.clone(), nil
	}

	st, err := m.load()
	if err != nil {
		return Config{}, err
	}
	m.cached = &st.Active
	m.cachedAt = m.clock.Now()
	return st.Active.clone(), nil
}

// Get returns both the active and the staged configuration.
func (m *Manager) Get(ctx context.Context) (State, error) {
	return m.load()
}

// Stage stores cfg as the pending draft without touching the active
// configuration. Admins and managers only.
func (m *Manager) Stage(ctx context.Context, p *authz.Principal, cfg Config) (State, error) {
	if err := authz.RequireRole(p, "edit guardrails", authz.RoleAdmin, authz.RoleManager); err != nil {
		return State{}, err
	}
	cfg, err := cfg.Normalize()
	if err != nil {
		return State{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load()
	if err != nil {
		return State{}, err
	}
	st.Draft = &cfg
	st.Pending = true
	st.UpdatedAt = m.clock.Now().UTC()
	if err := m.save(st); err != nil {
		return State{}, err
	}
	slog.Info("guardrails staged", "scope", m.scope, "user_id", p.UserID)
	return st, nil
}

// Publish swaps the staged draft into the active slot in one write. Admin only.
func (m *Manager) Publish(ctx context.Context, p *authz.Principal) (State, error) {
	if err := authz.RequireRole(p, "publish guardrails", authz.RoleAdmin); err != nil {
		return State{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, err := m.load()
	if err != nil {
		return State{}, err
	}
	if st.Draft == nil {
		return State{}, apperr.NewValidationError("draft", "no staged guardrail changes to publish")
	}
	st.Active = *st.Draft
	st.Draft = nil
	st.Pending = false
	st.UpdatedAt = m.clock.Now().UTC()
	if err := m.save(st); err != nil {
		return State{}, err
	}

	m.cached = nil
	slog.Info("guardrails published", "scope", m.scope, "user_id", p.UserID)
	return st, nil
}

func (m *Manager) load() (State, error) {
	rec, err := m.store.GetGuardrails(m.scope)
	if errors.Is(err, storage.ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("loading guardrails: %w", err)
	}

	st := State{UpdatedAt: rec.UpdatedAt}
	if err := json.Unmarshal([]byte(rec.Active), &st.Active); err != nil {
		return State{}, fmt.Errorf("decoding active guardrails: %w", err)
	}
	if rec.Draft != "" {
		var draft Config
		if err := json.Unmarshal([]byte(rec.Draft), &draft); err != nil {
			return State{}, fmt.Errorf("decoding staged guardrails: %w", err)
		}
		st.Draft = &draft
		st.Pending = true
	}
	return st, nil
}

func (m *Manager) save(st State) error {
	active, err := json.Marshal(st.Active)
	if err != nil {
		return fmt.Errorf("encoding active guardrails: %w", err)
	}
	rec := storage.GuardrailRecord{OwnerScope: m.scope, Active: string(active), UpdatedAt: st.UpdatedAt}
	if st.Draft != nil {
		draft, err := json.Marshal(st.Draft)
		if err != nil {
			return fmt.Errorf("encoding staged guardrails: %w", err)
		}
		rec.Draft = string(draft)
	}
	if err := m.store.SaveGuardrails(rec); err != nil {
		return fmt.Errorf("saving guardrails: %w", err)
	}
	return nil
}
