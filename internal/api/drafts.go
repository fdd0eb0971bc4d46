package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/replydesk/internal/drafting"
)

func handleGenerateDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req drafting.GenerateRequest
		if r.ContentLength != 0 {
			if !decodeJSON(w, r, &req) {
				return
			}
		}
		req.TicketID = chi.URLParam(r, "id")

		resp, err := deps.Drafts.GenerateDraft(detached(r), principal(r), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Drafts.GetDraft(r.Context(), principal(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

type draftTextRequest struct {
	Text string `json:"text"`
}

func handleEditDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req draftTextRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		d, err := deps.Drafts.EditDraft(r.Context(), principal(r), chi.URLParam(r, "id"), req.Text)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleSendDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req draftTextRequest
		if r.ContentLength != 0 {
			if !decodeJSON(w, r, &req) {
				return
			}
		}
		res, err := deps.Drafts.SendDraft(detached(r), principal(r), chi.URLParam(r, "id"), req.Text)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}
