// Package ticket owns ticket status, priority, assignment, and tag
// transitions and the role checks that guard them.
package ticket

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

// Store is the persistence the state machine needs. Implemented by storage.Store.
type Store interface {
	CreateTicket(t storage.Ticket) error
	UpdateTicket(t storage.Ticket) error
	GetTicket(id string) (storage.Ticket, error)
	GetTicketByThread(threadID string) (storage.Ticket, error)
	ListTickets(f storage.TicketFilter) ([]storage.Ticket, error)
	SaveMessage(m storage.Message) (bool, error)
}

// Machine applies ticket mutations. It holds no per-ticket state: every
// operation reads the row, changes it, and writes it back, so concurrent
// writers to the same ticket race and the last write wins.
type Machine struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

func New(store Store) *Machine {
	return &Machine{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
}

// Inbound is a customer message as delivered by the mail side.
type Inbound struct {
	MessageID string
	ThreadID  string
	From      string
	FromName  string
	To        string
	Subject   string
	Body      string
	SentAt    time.Time
	Tags      []string
}

// Receive records an inbound message. The first message of a thread
// creates an open, unassigned ticket. Later messages stamp
// last_customer_reply_at and reopen a closed or pending ticket. A message
// already on file leaves its ticket untouched.
func (m *Machine) Receive(ctx context.Context, in Inbound) (storage.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.Ticket{}, false, err
	}
	if strings.TrimSpace(in.ThreadID) == "" {
		return storage.Ticket{}, false, apperr.NewValidationError("thread_id", "thread id required")
	}
	if in.MessageID == "" {
		in.MessageID = uuid.New().String()
	}
	now := m.now()
	if in.SentAt.IsZero() {
		in.SentAt = now
	}

	msg := storage.Message{
		ID:        in.MessageID,
		ThreadID:  in.ThreadID,
		Direction: storage.DirectionInbound,
		From:      in.From,
		To:        in.To,
		Subject:   in.Subject,
		Body:      in.Body,
		SentAt:    in.SentAt.UTC(),
	}
	inserted, err := m.store.SaveMessage(msg)
	if err != nil {
		return storage.Ticket{}, false, fmt.Errorf("saving inbound message: %w", err)
	}

	t, err := m.store.GetTicketByThread(in.ThreadID)
	if err == nil && !inserted {
		m.logger.Debug("duplicate inbound message ignored", "ticket_id", t.ID, "message_id", msg.ID)
		return t, false, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		sent := msg.SentAt
		t = storage.Ticket{
			ID:                  uuid.New().String(),
			ThreadID:            in.ThreadID,
			CustomerEmail:       in.From,
			CustomerName:        in.FromName,
			Subject:             in.Subject,
			Status:              storage.StatusOpen,
			Tags:                NormalizeTags(in.Tags),
			LastCustomerReplyAt: &sent,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := m.store.CreateTicket(t); err != nil {
			return storage.Ticket{}, false, fmt.Errorf("creating ticket: %w", err)
		}
		m.logger.Info("ticket created", "ticket_id", t.ID, "thread_id", t.ThreadID)
		return t, true, nil
	}
	if err != nil {
		return storage.Ticket{}, false, fmt.Errorf("loading ticket for thread %s: %w", in.ThreadID, err)
	}

	if t.LastCustomerReplyAt == nil || msg.SentAt.After(*t.LastCustomerReplyAt) {
		sent := msg.SentAt
		t.LastCustomerReplyAt = &sent
	}
	if t.Status == storage.StatusClosed || t.Status == storage.StatusPending {
		m.logger.Info("ticket reopened by customer reply", "ticket_id", t.ID, "from_status", t.Status)
		t.Status = storage.StatusOpen
	}
	if len(in.Tags) > 0 {
		t.Tags = NormalizeTags(append(t.Tags, in.Tags...))
	}
	return t, false, m.save(&t)
}

// Get returns a ticket. Any authenticated role may read.
func (m *Machine) Get(ctx context.Context, p *authz.Principal, id string) (storage.Ticket, error) {
	if err := authz.Require(p); err != nil {
		return storage.Ticket{}, err
	}
	return m.load(ctx, id)
}

// List returns tickets matching f, most recently updated first.
func (m *Machine) List(ctx context.Context, p *authz.Principal, f storage.TicketFilter) ([]storage.Ticket, error) {
	if err := authz.Require(p); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.NewValidationError("status", fmt.Sprintf("unknown status %q", f.Status))
	}
	tickets, err := m.store.ListTickets(f)
	if err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}
	return tickets, nil
}

// Assign sets or clears the assignee.
//
// Taking an unassigned ticket for oneself is open to every role; assigning
// someone else, reassigning, and unassigning another agent's ticket need a
// supervisor. The first assignment of an unassigned ticket must carry a
// priority. Unassigning keeps the stored priority, which stays inactive
// until the next assignment.
func (m *Machine) Assign(ctx context.Context, p *authz.Principal, id string, assigneeID *string, priority *storage.Priority) (storage.Ticket, error) {
	if err := authz.Require(p); err != nil {
		return storage.Ticket{}, err
	}
	t, err := m.load(ctx, id)
	if err != nil {
		return storage.Ticket{}, err
	}

	if assigneeID == nil {
		if t.AssigneeID == nil {
			return t, nil
		}
		if !p.IsSupervisor() && *t.AssigneeID != p.UserID {
			return storage.Ticket{}, apperr.Forbidden("only admins, managers, or the current assignee may unassign a ticket")
		}
		t.AssigneeID = nil
		return t, m.save(&t)
	}

	target := strings.TrimSpace(*assigneeID)
	if target == "" {
		return storage.Ticket{}, apperr.NewValidationError("assignee_id", "assignee id must not be empty")
	}
	if priority != nil && !priority.Valid() {
		return storage.Ticket{}, apperr.NewValidationError("priority", fmt.Sprintf("unknown priority %q", *priority))
	}

	switch {
	case t.AssigneeID == nil:
		if target != p.UserID && !p.IsSupervisor() {
			return storage.Ticket{}, apperr.Forbidden("agents may only take unassigned tickets for themselves")
		}
		if priority == nil {
			return storage.Ticket{}, apperr.NewValidationError("priority", "priority required")
		}
	case *t.AssigneeID != target:
		if err := authz.RequireRole(p, "reassign tickets", authz.RoleAdmin, authz.RoleManager); err != nil {
			return storage.Ticket{}, err
		}
	default:
		if priority == nil {
			return t, nil
		}
		if err := authz.RequireRole(p, "set priority", authz.RoleAdmin, authz.RoleManager); err != nil {
			return storage.Ticket{}, err
		}
	}

	t.AssigneeID = &target
	if priority != nil {
		pr := *priority
		t.Priority = &pr
	}
	return t, m.save(&t)
}

// SetPriority changes the priority of an assigned ticket. Admin or manager only.
func (m *Machine) SetPriority(ctx context.Context, p *authz.Principal, id string, priority storage.Priority) (storage.Ticket, error) {
	if err := authz.RequireRole(p, "set priority", authz.RoleAdmin, authz.RoleManager); err != nil {
		return storage.Ticket{}, err
	}
	if !priority.Valid() {
		return storage.Ticket{}, apperr.NewValidationError("priority", fmt.Sprintf("unknown priority %q", priority))
	}
	t, err := m.load(ctx, id)
	if err != nil {
		return storage.Ticket{}, err
	}
	if t.AssigneeID == nil {
		return storage.Ticket{}, apperr.NewValidationError("priority", "ticket must be assigned before it has a priority")
	}
	t.Priority = &priority
	return t, m.save(&t)
}

// SetStatus moves the ticket to any status. Open to every role.
func (m *Machine) SetStatus(ctx context.Context, p *authz.Principal, id string, status storage.TicketStatus) (storage.Ticket, error) {
	if err := authz.Require(p); err != nil {
		return storage.Ticket{}, err
	}
	if !status.Valid() {
		return storage.Ticket{}, apperr.NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}
	t, err := m.load(ctx, id)
	if err != nil {
		return storage.Ticket{}, err
	}
	t.Status = status
	return t, m.save(&t)
}

// SetTags replaces the tag set.
func (m *Machine) SetTags(ctx context.Context, p *authz.Principal, id string, tags []string) (storage.Ticket, error) {
	return m.mutateTags(ctx, p, id, func([]string) []string { return tags })
}

// AddTags appends tags not already present.
func (m *Machine) AddTags(ctx context.Context, p *authz.Principal, id string, tags []string) (storage.Ticket, error) {
	return m.mutateTags(ctx, p, id, func(cur []string) []string {
		return append(append([]string(nil), cur...), tags...)
	})
}

// RemoveTags drops tags, compared case-insensitively.
func (m *Machine) RemoveTags(ctx context.Context, p *authz.Principal, id string, tags []string) (storage.Ticket, error) {
	drop := make(map[string]bool, len(tags))
	for _, t := range tags {
		drop[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return m.mutateTags(ctx, p, id, func(cur []string) []string {
		var kept []string
		for _, t := range cur {
			if !drop[strings.ToLower(t)] {
				kept = append(kept, t)
			}
		}
		return kept
	})
}

func (m *Machine) mutateTags(ctx context.Context, p *authz.Principal, id string, fn func([]string) []string) (storage.Ticket, error) {
	if err := authz.Require(p); err != nil {
		return storage.Ticket{}, err
	}
	t, err := m.load(ctx, id)
	if err != nil {
		return storage.Ticket{}, err
	}
	t.Tags = NormalizeTags(fn(t.Tags))
	return t, m.save(&t)
}

// RecordAgentReply stamps last_agent_reply_at after a reply went out.
func (m *Machine) RecordAgentReply(ctx context.Context, id string, at time.Time) (storage.Ticket, error) {
	t, err := m.load(ctx, id)
	if err != nil {
		return storage.Ticket{}, err
	}
	at = at.UTC()
	t.LastAgentReplyAt = &at
	return t, m.save(&t)
}

func (m *Machine) load(ctx context.Context, id string) (storage.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return storage.Ticket{}, err
	}
	t, err := m.store.GetTicket(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Ticket{}, apperr.NotFound("ticket", id)
	}
	if err != nil {
		return storage.Ticket{}, fmt.Errorf("loading ticket %s: %w", id, err)
	}
	return t, nil
}

func (m *Machine) save(t *storage.Ticket) error {
	t.UpdatedAt = m.now()
	if err := m.store.UpdateTicket(*t); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound("ticket", t.ID)
		}
		return fmt.Errorf("updating ticket %s: %w", t.ID, err)
	}
	return nil
}

// NormalizeTags trims tags, drops empties, and removes case-insensitive
// duplicates keeping the first spelling and the original order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
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
