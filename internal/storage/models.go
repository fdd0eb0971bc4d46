package storage

import (
	"encoding/json"
	"time"

	"github.com/kalambet/replydesk/internal/apperr"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = apperr.ErrNotFound

type TicketStatus string

const (
	StatusOpen    TicketStatus = "open"
	StatusPending TicketStatus = "pending"
	StatusOnHold  TicketStatus = "on_hold"
	StatusClosed  TicketStatus = "closed"
)

// Valid reports whether s is a known status.
func (s TicketStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusPending, StatusOnHold, StatusClosed:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Ticket is a customer thread under agent management. Priority holds the
// stored value and may survive unassignment; use ActivePriority for display.
type Ticket struct {
	ID                  string       `json:"id"`
	ThreadID            string       `json:"thread_id"`
	CustomerEmail       string       `json:"customer_email"`
	CustomerName        string       `json:"customer_name"`
	Subject             string       `json:"subject"`
	Status              TicketStatus `json:"status"`
	Priority            *Priority    `json:"-"`
	AssigneeID          *string      `json:"assignee_id"`
	Tags                []string     `json:"tags"`
	LastCustomerReplyAt *time.Time   `json:"last_customer_reply_at"`
	LastAgentReplyAt    *time.Time   `json:"last_agent_reply_at"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// ActivePriority returns the priority only while the ticket has an assignee.
func (t Ticket) ActivePriority() *Priority {
	if t.AssigneeID == nil {
		return nil
	}
	return t.Priority
}

// MarshalJSON reports the active priority, so an unassigned ticket shows none.
func (t Ticket) MarshalJSON() ([]byte, error) {
	type plain Ticket
	return json.Marshal(struct {
		plain
		Priority *Priority `json:"priority"`
	}{plain(t), t.ActivePriority()})
}

// TicketFilter narrows ListTickets. Zero values match everything.
type TicketFilter struct {
	Status       TicketStatus
	AssigneeID   string
	Unassigned   bool
	Tag          string
	CustomerMail string
	Limit        int
	Offset       int
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one entry of a mail thread.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Direction Direction `json:"direction"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// Draft is the live, unsent reply for one email within an owner scope.
// GeneratedText is the text as produced by generation; DraftText is the
// current, possibly edited, text.
type Draft struct {
	ID            string    `json:"id"`
	EmailID       string    `json:"email_id"`
	OwnerScope    string    `json:"owner_scope"`
	TicketID      string    `json:"ticket_id"`
	Subject       string    `json:"subject"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	OriginalBody  string    `json:"original_body"`
	GeneratedText string    `json:"generated_text"`
	DraftText     string    `json:"draft_text"`
	SourceUserID  *string   `json:"source_user_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type UsageAction string

const (
	ActionDraftGenerated   UsageAction = "draft_generated"
	ActionDraftRegenerated UsageAction = "draft_regenerated"
	ActionDraftEdited      UsageAction = "draft_edited"
	ActionDraftSent        UsageAction = "draft_sent"
)

// UsageEvent is an append-only analytics record.
type UsageEvent struct {
	ID                string      `json:"id"`
	Action            UsageAction `json:"action"`
	DraftID           string      `json:"draft_id"`
	WasEdited         bool        `json:"was_edited"`
	WasSent           bool        `json:"was_sent"`
	ResponseLatencyMs int64       `json:"response_latency_ms"`
	TicketID          string      `json:"ticket_id"`
	UserID            string      `json:"user_id"`
	CreatedAt         time.Time   `json:"created_at"`
}

type KnowledgeStatus string

const (
	KnowledgePending   KnowledgeStatus = "pending"
	KnowledgePublished KnowledgeStatus = "published"
)

// KnowledgeContent is the editable part of a knowledge item.
type KnowledgeContent struct {
	Title         string   `json:"title"`
	Body          string   `json:"body"`
	Tags          []string `json:"tags"`
	CanParaphrase bool     `json:"can_paraphrase"`
}

// KnowledgeItem is a curated snippet. The embedded content is the live
// version; Pending holds a staged edit awaiting publication.
type KnowledgeItem struct {
	ID string `json:"id"`
	KnowledgeContent
	Status      KnowledgeStatus   `json:"status"`
	Version     int               `json:"version"`
	Pending     *KnowledgeContent `json:"pending,omitempty"`
	CreatedBy   string            `json:"created_by"`
	PublishedAt *time.Time        `json:"published_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// GuardrailRecord stores the active and staged guardrail configurations as
// JSON documents. Draft is empty when nothing is staged.
type GuardrailRecord struct {
	OwnerScope string
	Active     string
	Draft      string
	UpdatedAt  time.Time
}

// Exemplar is a previously sent message usable as a style example.
type Exemplar struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Body      string    `json:"body"`
	IsReply   bool      `json:"is_reply"`
	CreatedAt time.Time `json:"created_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
