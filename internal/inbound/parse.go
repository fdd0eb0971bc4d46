// Package inbound turns raw RFC 5322 messages into ticket.Inbound values.
package inbound

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/kalambet/replydesk/internal/apperr"
	"github.com/kalambet/replydesk/internal/ticket"
)

// maxBodyBytes caps how much of a single body part is read.
const maxBodyBytes = 1 << 20

// Parse reads a raw message. The thread is identified by the first
// References id, else In-Reply-To, else the message's own Message-ID.
// A text/plain part wins over text/html; HTML-only bodies are flattened to
// text. Attachments are ignored.
func Parse(raw []byte) (ticket.Inbound, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ticket.Inbound{}, apperr.NewValidationError("message", "empty message")
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return ticket.Inbound{}, apperr.NewValidationError("message", fmt.Sprintf("unreadable message: %v", err))
	}
	defer mr.Close()

	in, err := parseHeader(mr.Header)
	if err != nil {
		return ticket.Inbound{}, err
	}

	var plain, html string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return ticket.Inbound{}, apperr.NewValidationError("message", fmt.Sprintf("reading body: %v", err))
		}
		if p == nil {
			continue
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := h.ContentType()
		if err != nil {
			ct = "text/plain"
		}
		body, err := io.ReadAll(io.LimitReader(p.Body, maxBodyBytes))
		if err != nil {
			return ticket.Inbound{}, fmt.Errorf("reading %s part: %w", ct, err)
		}
		switch ct {
		case "text/plain":
			if plain == "" {
				plain = string(body)
			}
		case "text/html":
			if html == "" {
				html = string(body)
			}
		}
	}

	switch {
	case strings.TrimSpace(plain) != "":
		in.Body = strings.TrimSpace(normalizeNewlines(plain))
	case html != "":
		text, err := HTMLToText(html)
		if err != nil {
			return ticket.Inbound{}, fmt.Errorf("flattening html body: %w", err)
		}
		in.Body = text
	}
	return in, nil
}

func parseHeader(h mail.Header) (ticket.Inbound, error) {
	var in ticket.Inbound

	from, err := h.AddressList("From")
	if err != nil || len(from) == 0 {
		return ticket.Inbound{}, apperr.NewValidationError("from", "missing or invalid From header")
	}
	in.From = strings.ToLower(from[0].Address)
	in.FromName = from[0].Name

	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		in.To = strings.ToLower(to[0].Address)
	}

	subject, err := h.Subject()
	if err != nil {
		subject = decodeWords(h.Get("Subject"))
	}
	in.Subject = strings.TrimSpace(subject)

	if date, err := h.Date(); err == nil && !date.IsZero() {
		in.SentAt = date.UTC()
	} else {
		in.SentAt = time.Now().UTC()
	}

	msgID, err := h.MessageID()
	if err != nil || msgID == "" {
		msgID = uuid.New().String()
	}
	in.MessageID = msgID
	in.ThreadID = threadID(h, msgID)
	return in, nil
}

func threadID(h mail.Header, msgID string) string {
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if parents, err := h.MsgIDList("In-Reply-To"); err == nil && len(parents) > 0 {
		return parents[0]
	}
	return msgID
}

func decodeWords(s string) string {
	dec := new(mime.WordDecoder)
	out, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}
