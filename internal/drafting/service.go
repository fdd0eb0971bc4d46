package drafting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/replydesk/internal/apperr"
	"github.com/kalambet/replydesk/internal/authz"
	"github.com/kalambet/replydesk/internal/guardrail"
	"github.com/kalambet/replydesk/internal/ingest"
	"github.com/kalambet/replydesk/internal/mailbox"
	"github.com/kalambet/replydesk/internal/storage"
)

// TicketSource reads and stamps tickets. Implemented by *ticket.Machine.
type TicketSource interface {
	Get(ctx context.Context, p *authz.Principal, id string) (storage.Ticket, error)
	RecordAgentReply(ctx context.Context, id string, at time.Time) (storage.Ticket, error)
}

// GuardrailSource returns the active guardrail configuration.
type GuardrailSource interface {
	Active(ctx context.Context) (guardrail.Config, error)
}

// Service ties generation and tracking to tickets and the mail transport.
type Service struct {
	gen        *Generator
	tracker    *Tracker
	tickets    TicketSource
	guardrails GuardrailSource
	transport  mailbox.Transport
	jobs       ingest.JobEnqueuer
	scope      string
	logger     *slog.Logger
}

// NewService creates a Service whose drafts live in ownerScope.
func NewService(gen *Generator, tracker *Tracker, tickets TicketSource, guardrails GuardrailSource,
	transport mailbox.Transport, jobs ingest.JobEnqueuer, ownerScope string) *Service {
	if ownerScope == "" {
		ownerScope = "default"
	}
	return &Service{
		gen:        gen,
		tracker:    tracker,
		tickets:    tickets,
		guardrails: guardrails,
		transport:  transport,
		jobs:       jobs,
		scope:      ownerScope,
		logger:     slog.Default(),
	}
}

// GenerateRequest asks for a draft reply on a ticket.
type GenerateRequest struct {
	TicketID string `json:"ticket_id"`
	// EmailID is the message being replied to. Empty means the email of
	// DraftID when set, else the latest inbound message of the thread.
	EmailID string `json:"email_id,omitempty"`
	// DraftID names a draft being regenerated.
	DraftID string `json:"draft_id,omitempty"`
}

// GenerateResponse is the persisted draft and the generation details.
type GenerateResponse struct {
	Draft     storage.Draft       `json:"draft"`
	Result    Result              `json:"result"`
	Action    storage.UsageAction `json:"action"`
	LatencyMs int64               `json:"latency_ms"`
}

// GenerateDraft generates a reply and persists it with its usage event.
// Nothing is persisted when generation fails.
func (s *Service) GenerateDraft(ctx context.Context, p *authz.Principal, req GenerateRequest) (GenerateResponse, error) {
	if err := authz.Require(p); err != nil {
		return GenerateResponse{}, err
	}
	if !s.gen.Configured() {
		return GenerateResponse{}, apperr.ErrNotConfigured
	}

	t, err := s.tickets.Get(ctx, p, req.TicketID)
	if err != nil {
		return GenerateResponse{}, err
	}
	thread, err := s.transport.FetchThread(ctx, t.ThreadID)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("fetching thread: %w", err)
	}
	emailID := req.EmailID
	var existing storage.Draft
	if req.DraftID != "" {
		existing, err = s.tracker.load(ctx, req.DraftID)
		if err != nil {
			return GenerateResponse{}, err
		}
		if emailID == "" {
			emailID = existing.EmailID
		}
	}
	incoming, prior, err := splitThread(thread, emailID)
	if err != nil {
		return GenerateResponse{}, err
	}

	action := storage.ActionDraftGenerated
	if req.DraftID != "" {
		if existing.EmailID != incoming.ID {
			return GenerateResponse{}, apperr.NewValidationError("draft_id", "draft belongs to a different email")
		}
		action = storage.ActionDraftRegenerated
	} else if _, err := s.tracker.store.GetDraftByEmail(incoming.ID, s.scope); err == nil {
		action = storage.ActionDraftRegenerated
	} else if !errors.Is(err, storage.ErrNotFound) {
		return GenerateResponse{}, fmt.Errorf("looking up existing draft: %w", err)
	}

	cfg, err := s.guardrails.Active(ctx)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("loading guardrails: %w", err)
	}

	start := time.Now()
	res, err := s.gen.Generate(ctx, cfg, Input{Incoming: incoming, Thread: prior, TicketTags: t.Tags})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		s.logger.Warn("draft generation failed", "ticket_id", t.ID, "email_id", incoming.ID, "latency_ms", latency, "error", err)
		return GenerateResponse{}, err
	}

	uid := p.UserID
	draft, err := s.tracker.OnGenerated(ctx, storage.Draft{
		EmailID:       incoming.ID,
		OwnerScope:    s.scope,
		TicketID:      t.ID,
		Subject:       incoming.Subject,
		From:          incoming.From,
		To:            incoming.To,
		OriginalBody:  incoming.Body,
		GeneratedText: res.DraftText,
		DraftText:     res.DraftText,
		SourceUserID:  &uid,
	}, storage.UsageEvent{
		Action:            action,
		ResponseLatencyMs: latency,
		TicketID:          t.ID,
		UserID:            p.UserID,
	})
	if err != nil {
		return GenerateResponse{}, err
	}

	s.logger.Info("draft generated", "ticket_id", t.ID, "draft_id", draft.ID, "action", action,
		"latency_ms", latency, "fallback", res.Fallback, "exemplars", len(res.UsedExemplarIDs), "knowledge", len(res.UsedKnowledgeIDs))
	return GenerateResponse{Draft: draft, Result: res, Action: action, LatencyMs: latency}, nil
}

// GetDraft returns a live draft.
func (s *Service) GetDraft(ctx context.Context, p *authz.Principal, id string) (storage.Draft, error) {
	if err := authz.Require(p); err != nil {
		return storage.Draft{}, err
	}
	return s.tracker.load(ctx, id)
}

// EditDraft stores an agent's edit.
func (s *Service) EditDraft(ctx context.Context, p *authz.Principal, id, text string) (storage.Draft, error) {
	return s.tracker.OnEdited(ctx, p, id, text)
}

// SendResult is the outcome of sending a draft.
type SendResult struct {
	Message storage.Message    `json:"message"`
	Event   storage.UsageEvent `json:"event"`
}

// SendDraft sends finalText (the current draft text when empty) as a reply
// on the draft's thread, stamps the ticket, records draft_sent and deletes
// the draft, and queues the reply as a future style exemplar.
func (s *Service) SendDraft(ctx context.Context, p *authz.Principal, id, finalText string) (SendResult, error) {
	if err := authz.Require(p); err != nil {
		return SendResult{}, err
	}
	d, err := s.tracker.load(ctx, id)
	if err != nil {
		return SendResult{}, err
	}
	if strings.TrimSpace(finalText) == "" {
		finalText = d.DraftText
	}

	t, err := s.tickets.Get(ctx, p, d.TicketID)
	if err != nil {
		return SendResult{}, err
	}
	profile, err := s.transport.GetProfile(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("loading mailbox profile: %w", err)
	}

	to := d.From
	if to == "" {
		to = t.CustomerEmail
	}
	msg, err := s.transport.Send(ctx, mailbox.Outgoing{
		ThreadID:  t.ThreadID,
		InReplyTo: d.EmailID,
		From:      profile.Address,
		To:        to,
		Subject:   d.Subject,
		Body:      finalText,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("sending reply: %w", err)
	}

	if _, err := s.tickets.RecordAgentReply(ctx, t.ID, msg.SentAt); err != nil {
		s.logger.Warn("stamping agent reply failed", "ticket_id", t.ID, "error", err)
	}

	ev, err := s.tracker.OnSent(ctx, p, d.ID, finalText)
	if err != nil {
		return SendResult{}, err
	}

	if s.jobs != nil {
		if err := ingest.EnqueueExemplar(s.jobs, msg, true); err != nil {
			s.logger.Warn("queueing exemplar failed", "message_id", msg.ID, "error", err)
		}
	}

	s.logger.Info("draft sent", "ticket_id", t.ID, "draft_id", d.ID, "was_edited", ev.WasEdited)
	return SendResult{Message: msg, Event: ev}, nil
}

// splitThread picks the message being replied to and the messages before it.
func splitThread(thread []storage.Message, emailID string) (storage.Message, []storage.Message, error) {
	if emailID != "" {
		for i, m := range thread {
			if m.ID == emailID {
				return m, thread[:i], nil
			}
		}
		return storage.Message{}, nil, apperr.NotFound("email", emailID)
	}
	for i := len(thread) - 1; i >= 0; i-- {
		if thread[i].Direction == storage.DirectionInbound {
			return thread[i], thread[:i], nil
		}
	}
	return storage.Message{}, nil, apperr.NewValidationError("email_id", "thread has no inbound message to reply to")
}
