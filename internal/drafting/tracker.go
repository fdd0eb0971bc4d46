package drafting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/replydesk/internal/apperr"
	"github.com/kalambet/replydesk/internal/authz"
	"github.com/kalambet/replydesk/internal/storage"
)

// DraftStore is the draft persistence. Implemented by storage.Store.
type DraftStore interface {
	SaveGeneratedDraft(d storage.Draft, ev storage.UsageEvent) (storage.Draft, error)
	UpdateDraftText(id, text string, ev storage.UsageEvent) error
	CompleteDraft(id string, ev storage.UsageEvent) error
	GetDraft(id string) (storage.Draft, error)
	GetDraftByEmail(emailID, ownerScope string) (storage.Draft, error)
}

// Tracker records a draft's lifecycle as usage events. Each event is
// written in the same transaction as the draft change it describes.
type Tracker struct {
	store DraftStore
	now   func() time.Time
}

func NewTracker(store DraftStore) *Tracker {
	return &Tracker{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// OnGenerated upserts d as the live draft for its (EmailID, OwnerScope) and
// appends ev. Regeneration keeps the existing draft's ID.
func (t *Tracker) OnGenerated(ctx context.Context, d storage.Draft, ev storage.UsageEvent) (storage.Draft, error) {
	if err := ctx.Err(); err != nil {
		return storage.Draft{}, err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := t.now()
	d.UpdatedAt = now
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Action == "" {
		ev.Action = storage.ActionDraftGenerated
	}
	if ev.TicketID == "" {
		ev.TicketID = d.TicketID
	}
	ev.CreatedAt = now

	stored, err := t.store.SaveGeneratedDraft(d, ev)
	if err != nil {
		return storage.Draft{}, fmt.Errorf("saving generated draft: %w", err)
	}
	return stored, nil
}

// OnEdited replaces the draft text. The draft_edited event's WasEdited
// compares the new text against the generated text.
func (t *Tracker) OnEdited(ctx context.Context, p *authz.Principal, draftID, newText string) (storage.Draft, error) {
	if err := authz.Require(p); err != nil {
		return storage.Draft{}, err
	}
	if strings.TrimSpace(newText) == "" {
		return storage.Draft{}, apperr.NewValidationError("text", "draft text must not be empty")
	}
	d, err := t.load(ctx, draftID)
	if err != nil {
		return storage.Draft{}, err
	}

	ev := storage.UsageEvent{
		ID:        uuid.New().String(),
		Action:    storage.ActionDraftEdited,
		WasEdited: WasEdited(d.GeneratedText, newText),
		TicketID:  d.TicketID,
		UserID:    p.UserID,
		CreatedAt: t.now(),
	}
	if err := t.store.UpdateDraftText(d.ID, newText, ev); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Draft{}, apperr.NotFound("draft", draftID)
		}
		return storage.Draft{}, fmt.Errorf("updating draft %s: %w", d.ID, err)
	}
	d.DraftText = newText
	d.UpdatedAt = ev.CreatedAt
	return d, nil
}

// OnSent appends the draft_sent event and deletes the draft in one
// transaction. WasEdited compares finalText against the generated text.
func (t *Tracker) OnSent(ctx context.Context, p *authz.Principal, draftID, finalText string) (storage.UsageEvent, error) {
	if err := authz.Require(p); err != nil {
		return storage.UsageEvent{}, err
	}
	d, err := t.load(ctx, draftID)
	if err != nil {
		return storage.UsageEvent{}, err
	}

	ev := storage.UsageEvent{
		ID:        uuid.New().String(),
		Action:    storage.ActionDraftSent,
		DraftID:   d.ID,
		WasEdited: WasEdited(d.GeneratedText, finalText),
		WasSent:   true,
		TicketID:  d.TicketID,
		UserID:    p.UserID,
		CreatedAt: t.now(),
	}
	if err := t.store.CompleteDraft(d.ID, ev); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.UsageEvent{}, apperr.NotFound("draft", draftID)
		}
		return storage.UsageEvent{}, fmt.Errorf("completing draft %s: %w", d.ID, err)
	}
	return ev, nil
}

func (t *Tracker) load(ctx context.Context, id string) (storage.Draft, error) {
	if err := ctx.Err(); err != nil {
		return storage.Draft{}, err
	}
	d, err := t.store.GetDraft(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Draft{}, apperr.NotFound("draft", id)
	}
	if err != nil {
		return storage.Draft{}, fmt.Errorf("loading draft %s: %w", id, err)
	}
	return d, nil
}

// Normalize trims text and collapses internal whitespace runs to one space.
// Case is preserved.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// WasEdited reports whether final differs from generated after normalization.
func WasEdited(generated, final string) bool {
	return Normalize(generated) != Normalize(final)
}
