// Package mailbox is the mail-service boundary: fetching a thread, sending
// a reply, and describing the sending mailbox.
package mailbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/replydesk/internal/apperr"
	"github.com/kalambet/replydesk/internal/storage"
)

// Outgoing is a reply ready to go out on a thread.
type Outgoing struct {
	ThreadID  string
	InReplyTo string
	From      string
	To        string
	Subject   string
	Body      string
}

// Profile describes the mailbox replies are sent from.
type Profile struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name"`
}

// Transport is the external mail service.
type Transport interface {
	// FetchThread returns the messages of a thread, oldest first.
	FetchThread(ctx context.Context, threadID string) ([]storage.Message, error)
	// Send delivers msg and returns the stored outbound message.
	Send(ctx context.Context, msg Outgoing) (storage.Message, error)
	GetProfile(ctx context.Context) (Profile, error)
}

// MessageStore is the slice of storage.Store the local transport uses.
type MessageStore interface {
	SaveMessage(m storage.Message) (bool, error)
	ListThreadMessages(threadID string) ([]storage.Message, error)
}

// StoreTransport serves threads from the local messages table and records
// sends there. It does not deliver mail.
type StoreTransport struct {
	store   MessageStore
	profile Profile
	now     func() time.Time
}

func NewStoreTransport(store MessageStore, profile Profile) *StoreTransport {
	return &StoreTransport{
		store:   store,
		profile: profile,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (t *StoreTransport) FetchThread(ctx context.Context, threadID string) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := t.store.ListThreadMessages(threadID)
	if err != nil {
		return nil, fmt.Errorf("listing thread %s: %w", threadID, err)
	}
	if len(msgs) == 0 {
		return nil, apperr.NotFound("thread", threadID)
	}
	return msgs, nil
}

func (t *StoreTransport) Send(ctx context.Context, out Outgoing) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if strings.TrimSpace(out.Body) == "" {
		return storage.Message{}, apperr.NewValidationError("body", "reply body must not be empty")
	}
	if out.To == "" {
		return storage.Message{}, apperr.NewValidationError("to", "recipient required")
	}
	from := out.From
	if from == "" {
		from = t.profile.Address
	}
	msg := storage.Message{
		ID:        uuid.New().String(),
		ThreadID:  out.ThreadID,
		Direction: storage.DirectionOutbound,
		From:      from,
		To:        out.To,
		Subject:   ReplySubject(out.Subject),
		Body:      out.Body,
		SentAt:    t.now(),
	}
	if _, err := t.store.SaveMessage(msg); err != nil {
		return storage.Message{}, fmt.Errorf("recording sent message: %w", err)
	}
	return msg, nil
}

func (t *StoreTransport) GetProfile(ctx context.Context) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	return t.profile, nil
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	s := strings.TrimSpace(subject)
	if len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		return s
	}
	if s == "" {
		return "Re:"
	}
	return "Re: " + s
}
