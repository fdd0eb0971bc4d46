package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/replydesk/internal/apperr"
	"github.com/kalambet/replydesk/internal/authz"
	"github.com/kalambet/replydesk/internal/storage"
)

// Input is a create or edit request. An empty ID creates a new item.
// When PDF is set its extracted text replaces Body.
type Input struct {
	ID            string   `json:"id,omitempty"`
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	Tags          []string `json:"tags"`
	CanParaphrase *bool    `json:"can_paraphrase,omitempty"`
	PDF           []byte   `json:"pdf,omitempty"`
}

// Manager applies the editorial workflow: admin edits go live immediately,
// everyone else's edits wait in a pending snapshot until an admin publishes.
type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Save creates or edits an item on behalf of p.
func (m *Manager) Save(ctx context.Context, p *authz.Principal, in Input) (storage.KnowledgeItem, error) {
	if err := authz.Require(p); err != nil {
		return storage.KnowledgeItem{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.KnowledgeItem{}, err
	}

	content, err := contentFromInput(in)
	if err != nil {
		return storage.KnowledgeItem{}, err
	}
	now := m.now().UTC()

	var item storage.KnowledgeItem
	if in.ID == "" {
		item = storage.KnowledgeItem{
			ID:        uuid.New().String(),
			Status:    storage.KnowledgePending,
			CreatedBy: p.UserID,
			CreatedAt: now,
		}
		if !p.IsAdmin() {
			// Keep the proposed content visible to editors while pending.
			item.KnowledgeContent = content
		}
	} else {
		item, err = m.store.GetKnowledgeItem(in.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return storage.KnowledgeItem{}, apperr.NotFound("knowledge item", in.ID)
		}
		if err != nil {
			return storage.KnowledgeItem{}, fmt.Errorf("loading knowledge item: %w", err)
		}
	}

	if p.IsAdmin() {
		publishContent(&item, content, now)
	} else {
		item.Pending = &content
	}
	item.UpdatedAt = now

	if err := m.store.SaveKnowledgeItem(item); err != nil {
		return storage.KnowledgeItem{}, fmt.Errorf("saving knowledge item: %w", err)
	}
	slog.Info("knowledge item saved", "id", item.ID, "status", item.Status, "version", item.Version, "user_id", p.UserID)
	return item, nil
}

// Publish makes the pending snapshot of an item live. Admin only.
func (m *Manager) Publish(ctx context.Context, p *authz.Principal, id string) (storage.KnowledgeItem, error) {
	if err := authz.RequireRole(p, "publish knowledge", authz.RoleAdmin); err != nil {
		return storage.KnowledgeItem{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.KnowledgeItem{}, err
	}

	item, err := m.store.GetKnowledgeItem(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.KnowledgeItem{}, apperr.NotFound("knowledge item", id)
	}
	if err != nil {
		return storage.KnowledgeItem{}, fmt.Errorf("loading knowledge item: %w", err)
	}
	if item.Pending == nil {
		return storage.KnowledgeItem{}, apperr.NewValidationError("id", "knowledge item has no pending changes")
	}

	now := m.now().UTC()
	publishContent(&item, *item.Pending, now)
	item.UpdatedAt = now
	if err := m.store.SaveKnowledgeItem(item); err != nil {
		return storage.KnowledgeItem{}, fmt.Errorf("saving knowledge item: %w", err)
	}
	slog.Info("knowledge item published", "id", item.ID, "version", item.Version, "user_id", p.UserID)
	return item, nil
}

func (m *Manager) Get(ctx context.Context, id string) (storage.KnowledgeItem, error) {
	item, err := m.store.GetKnowledgeItem(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.KnowledgeItem{}, apperr.NotFound("knowledge item", id)
	}
	return item, err
}

// List returns items with the given status; an empty status lists all.
func (m *Manager) List(ctx context.Context, status storage.KnowledgeStatus) ([]storage.KnowledgeItem, error) {
	switch status {
	case "", storage.KnowledgePending, storage.KnowledgePublished:
	default:
		return nil, apperr.NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	return m.store.ListKnowledgeItems(status)
}

func publishContent(item *storage.KnowledgeItem, content storage.KnowledgeContent, now time.Time) {
	item.KnowledgeContent = content
	item.Pending = nil
	item.Status = storage.KnowledgePublished
	item.Version++
	item.PublishedAt = &now
}

func contentFromInput(in Input) (storage.KnowledgeContent, error) {
	body := in.Body
	if len(in.PDF) > 0 {
		text, err := ExtractPDFText(in.PDF)
		if err != nil {
			return storage.KnowledgeContent{}, apperr.NewValidationError("pdf", err.Error())
		}
		body = text
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return storage.KnowledgeContent{}, apperr.NewValidationError("title", "title is required")
	}
	if strings.TrimSpace(body) == "" {
		return storage.KnowledgeContent{}, apperr.NewValidationError("body", "body is required")
	}

	canParaphrase := true
	if in.CanParaphrase != nil {
		canParaphrase = *in.CanParaphrase
	}
	return storage.KnowledgeContent{
		Title:         title,
		Body:          strings.TrimSpace(body),
		Tags:          NormalizeTags(in.Tags),
		CanParaphrase: canParaphrase,
	}, nil
}

// NormalizeTags trims tags and drops empty and case-insensitive duplicates,
// keeping the first spelling and the original order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}
