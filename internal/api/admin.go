package api

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/replydesk/internal/apperr"
	"github.com/kalambet/replydesk/internal/authz"
	"github.com/kalambet/replydesk/internal/guardrail"
	"github.com/kalambet/replydesk/internal/inbound"
	"github.com/kalambet/replydesk/internal/knowledge"
	"github.com/kalambet/replydesk/internal/storage"
)

const maxInboundBodySize = 10 << 20 // 10MB

// --- Knowledge ---

func handleListKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authz.Require(principal(r)); err != nil {
			writeError(w, r, err)
			return
		}
		items, err := deps.Knowledge.List(r.Context(), storage.KnowledgeStatus(r.URL.Query().Get("status")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if items == nil {
			items = []storage.KnowledgeItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleGetKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authz.Require(principal(r)); err != nil {
			writeError(w, r, err)
			return
		}
		item, err := deps.Knowledge.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

// handleSaveKnowledge accepts knowledge.Input as JSON. A "pdf" field carries
// a base64 PDF whose text becomes the body.
func handleSaveKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxInboundBodySize)
		var in knowledge.Input
		if !decodeJSON(w, r, &in) {
			return
		}
		item, err := deps.Knowledge.Save(r.Context(), principal(r), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

func handlePublishKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		item, err := deps.Knowledge.Publish(r.Context(), principal(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	}
}

type searchKnowledgeRequest struct {
	Text string   `json:"text"`
	Tags []string `json:"tags"`
}

func handleSearchKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authz.Require(principal(r)); err != nil {
			writeError(w, r, err)
			return
		}
		var req searchKnowledgeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := deps.Retriever.Retrieve(r.Context(), req.Text, req.Tags)
		if err != nil {
			writeError(w, r, err)
			return
		}
		items := res.Items
		if items == nil {
			items = []storage.KnowledgeItem{}
		}
		tags := res.MatchedTags
		if tags == nil {
			tags = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":        items,
			"matched_tags": tags,
		})
	}
}

// --- Guardrails ---

func handleGetGuardrails(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authz.Require(principal(r)); err != nil {
			writeError(w, r, err)
			return
		}
		st, err := deps.Guardrails.Get(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// handleStageGuardrails stages a configuration sent as JSON, or as a YAML
// policy when the content type says so.
func handleStageGuardrails(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg guardrail.Config
		mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if strings.Contains(mt, "yaml") {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading policy: %v", err)
				return
			}
			cfg, err = guardrail.ParsePolicy(body)
			if err != nil {
				writeError(w, r, apperr.NewValidationError("policy", err.Error()))
				return
			}
		} else if !decodeJSON(w, r, &cfg) {
			return
		}

		st, err := deps.Guardrails.Stage(r.Context(), principal(r), cfg)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handlePublishGuardrails(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Guardrails.Publish(r.Context(), principal(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// --- Inbound mail ---

// handleInbound accepts a raw RFC 5322 message and files it on its ticket.
// Optional ?tags=a,b are merged into the ticket.
func handleInbound(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := authz.Require(principal(r)); err != nil {
			writeError(w, r, err)
			return
		}
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboundBodySize))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading message: %v", err)
			return
		}
		in, err := inbound.Parse(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if tags := r.URL.Query().Get("tags"); tags != "" {
			in.Tags = strings.Split(tags, ",")
		} else if deps.Triage != nil {
			in.Tags = deps.Triage.Suggest(r.Context(), in.Subject, in.Body)
		}

		t, created, err := deps.Tickets.Receive(r.Context(), in)
		if err != nil {
			writeError(w, r, fmt.Errorf("filing inbound message: %w", err))
			return
		}
		code := http.StatusOK
		if created {
			code = http.StatusCreated
		}
		writeJSON(w, code, map[string]any{
			"ticket":     t,
			"message_id": in.MessageID,
			"created":    created,
		})
	}
}
