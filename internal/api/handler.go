// Package api exposes the helpdesk over HTTP (chi) and MCP.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/replydesk/internal/authz"
	"github.com/kalambet/replydesk/internal/drafting"
	"github.com/kalambet/replydesk/internal/guardrail"
	"github.com/kalambet/replydesk/internal/knowledge"
	"github.com/kalambet/replydesk/internal/mailbox"
	"github.com/kalambet/replydesk/internal/presence"
	"github.com/kalambet/replydesk/internal/storage"
	"github.com/kalambet/replydesk/internal/ticket"
)

type AppDeps struct {
	Tickets    *ticket.Machine
	Drafts     *drafting.Service
	Knowledge  *knowledge.Manager
	Retriever  *knowledge.Retriever
	Guardrails *guardrail.Manager
	Presence   presence.Tracker
	Transport  mailbox.Transport
	// Triage suggests tags for inbound mail filed without explicit tags.
	// Nil disables suggestions.
	Triage Tagger
	Token  string
}

// Tagger suggests topic tags for an inbound email.
type Tagger interface {
	Suggest(ctx context.Context, subject, body string) []string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(Identity)

		r.Route("/tickets", func(r chi.Router) {
			r.Get("/", handleListTickets(deps))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handleGetTicket(deps))
				r.Post("/assign", handleAssign(deps))
				r.Put("/priority", handleSetPriority(deps))
				r.Put("/status", handleSetStatus(deps))
				r.Put("/tags", handleTags(deps, tagsSet))
				r.Post("/tags", handleTags(deps, tagsAdd))
				r.Delete("/tags", handleTags(deps, tagsRemove))
				r.Get("/thread", handleThread(deps))
				r.Post("/drafts", handleGenerateDraft(deps))
				r.Get("/typing", handleTypingActive(deps))
				r.Post("/typing", handleTypingTouch(deps))
			})
		})

		r.Route("/drafts/{id}", func(r chi.Router) {
			r.Get("/", handleGetDraft(deps))
			r.Patch("/", handleEditDraft(deps))
			r.Post("/send", handleSendDraft(deps))
		})

		r.Route("/knowledge", func(r chi.Router) {
			r.Get("/", handleListKnowledge(deps))
			r.Post("/", handleSaveKnowledge(deps))
			r.Post("/search", handleSearchKnowledge(deps))
			r.Get("/{id}", handleGetKnowledge(deps))
			r.Post("/{id}/publish", handlePublishKnowledge(deps))
		})

		r.Route("/guardrails", func(r chi.Router) {
			r.Get("/", handleGetGuardrails(deps))
			r.Put("/", handleStageGuardrails(deps))
			r.Post("/publish", handlePublishGuardrails(deps))
		})

		r.Post("/inbound", handleInbound(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func principal(r *http.Request) *authz.Principal {
	return authz.FromContext(r.Context())
}

// --- Tickets ---

func handleListTickets(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.TicketFilter{
			Status:       storage.TicketStatus(q.Get("status")),
			AssigneeID:   q.Get("assignee"),
			Unassigned:   q.Get("unassigned") == "true",
			Tag:          q.Get("tag"),
			CustomerMail: q.Get("customer"),
			Limit:        parseIntParam(r, "limit", 50, 200),
			Offset:       parseIntParam(r, "offset", 0, 0),
		}
		tickets, err := deps.Tickets.List(r.Context(), principal(r), f)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if tickets == nil {
			tickets = []storage.Ticket{}
		}
		writeJSON(w, http.StatusOK, tickets)
	}
}

func handleGetTicket(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Tickets.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

type assignRequest struct {
	AssigneeID *string           `json:"assignee_id"`
	Priority   *storage.Priority `json:"priority"`
}

func handleAssign(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req assignRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.AssigneeID != nil && strings.TrimSpace(*req.AssigneeID) == "" {
			req.AssigneeID = nil
		}
		t, err := deps.Tickets.Assign(r.Context(), principal(r), chi.URLParam(r, "id"), req.AssigneeID, req.Priority)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleSetPriority(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Priority storage.Priority `json:"priority"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		t, err := deps.Tickets.SetPriority(r.Context(), principal(r), chi.URLParam(r, "id"), req.Priority)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleSetStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status storage.TicketStatus `json:"status"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		t, err := deps.Tickets.SetStatus(r.Context(), principal(r), chi.URLParam(r, "id"), req.Status)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

type tagsOp int

const (
	tagsSet tagsOp = iota
	tagsAdd
	tagsRemove
)

func handleTags(deps AppDeps, op tagsOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tags []string `json:"tags"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		ctx, p, id := r.Context(), principal(r), chi.URLParam(r, "id")
		var (
			t   storage.Ticket
			err error
		)
		switch op {
		case tagsAdd:
			t, err = deps.Tickets.AddTags(ctx, p, id, req.Tags)
		case tagsRemove:
			t, err = deps.Tickets.RemoveTags(ctx, p, id, req.Tags)
		default:
			t, err = deps.Tickets.SetTags(ctx, p, id, req.Tags)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleThread(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Tickets.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		msgs, err := deps.Transport.FetchThread(r.Context(), t.ThreadID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ticket":   t,
			"messages": msgs,
		})
	}
}

// --- Typing presence ---

func handleTypingTouch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		if err := authz.Require(p); err != nil {
			writeError(w, r, err)
			return
		}
		id := chi.URLParam(r, "id")
		if _, err := deps.Tickets.Get(r.Context(), p, id); err != nil {
			writeError(w, r, err)
			return
		}
		if err := deps.Presence.Touch(r.Context(), id, p.UserID); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleTypingActive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		if err := authz.Require(p); err != nil {
			writeError(w, r, err)
			return
		}
		id := chi.URLParam(r, "id")
		if _, err := deps.Tickets.Get(r.Context(), p, id); err != nil {
			writeError(w, r, err)
			return
		}
		users, err := deps.Presence.Active(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if users == nil {
			users = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"typing": users})
	}
}

// detached keeps a generation running after the client goes away so the
// draft is still persisted.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
