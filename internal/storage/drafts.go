package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const draftColumns = `id, email_id, owner_scope, ticket_id, subject, from_addr, to_addr, original_body,
	generated_text, draft_text, source_user_id, created_at, updated_at`

// --- Drafts ---

// SaveGeneratedDraft upserts the live draft for (EmailID, OwnerScope) and
// appends ev in the same transaction. An existing draft keeps its ID and
// creation time; its text is replaced. ev.DraftID is set to the stored ID.
func (s *Store) SaveGeneratedDraft(d Draft, ev UsageEvent) (Draft, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Draft{}, fmt.Errorf("beginning draft transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}

	_, err = tx.Exec(`
		INSERT INTO drafts (`+draftColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email_id, owner_scope) DO UPDATE SET
			ticket_id = excluded.ticket_id,
			subject = excluded.subject,
			from_addr = excluded.from_addr,
			to_addr = excluded.to_addr,
			original_body = excluded.original_body,
			generated_text = excluded.generated_text,
			draft_text = excluded.draft_text,
			source_user_id = excluded.source_user_id,
			updated_at = excluded.updated_at`,
		d.ID, d.EmailID, d.OwnerScope, d.TicketID, d.Subject, d.From, d.To, d.OriginalBody,
		d.GeneratedText, d.DraftText, nullString(d.SourceUserID), formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return Draft{}, fmt.Errorf("upserting draft: %w", err)
	}

	stored, err := scanDraft(tx.QueryRow(`SELECT `+draftColumns+` FROM drafts WHERE email_id = ? AND owner_scope = ?`,
		d.EmailID, d.OwnerScope))
	if err != nil {
		return Draft{}, fmt.Errorf("reading back draft: %w", err)
	}

	ev.DraftID = stored.ID
	if err := insertUsageEvent(tx, ev); err != nil {
		return Draft{}, err
	}

	if err := tx.Commit(); err != nil {
		return Draft{}, fmt.Errorf("committing draft: %w", err)
	}
	return stored, nil
}

// UpdateDraftText replaces the current text of a draft and appends ev.
func (s *Store) UpdateDraftText(id, text string, ev UsageEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning edit transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE drafts SET draft_text = ?, updated_at = ? WHERE id = ?`,
		text, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	ev.DraftID = id
	if err := insertUsageEvent(tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteDraft appends ev and deletes the draft in one transaction.
func (s *Store) CompleteDraft(id string, ev UsageEvent) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning send transaction: %w", err)
	}
	defer tx.Rollback()

	ev.DraftID = id
	if err := insertUsageEvent(tx, ev); err != nil {
		return err
	}

	res, err := tx.Exec(`DELETE FROM drafts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) GetDraft(id string) (Draft, error) {
	d, err := scanDraft(s.db.QueryRow(`SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrNotFound
	}
	return d, err
}

func (s *Store) GetDraftByEmail(emailID, ownerScope string) (Draft, error) {
	d, err := scanDraft(s.db.QueryRow(`SELECT `+draftColumns+` FROM drafts WHERE email_id = ? AND owner_scope = ?`,
		emailID, ownerScope))
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrNotFound
	}
	return d, err
}

// CountDrafts returns the number of live drafts for an email across all scopes.
func (s *Store) CountDrafts(emailID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM drafts WHERE email_id = ?`, emailID).Scan(&n)
	return n, err
}

func scanDraft(r rowScanner) (Draft, error) {
	var d Draft
	var source sql.NullString
	var createdAt, updatedAt string
	if err := r.Scan(&d.ID, &d.EmailID, &d.OwnerScope, &d.TicketID, &d.Subject, &d.From, &d.To, &d.OriginalBody,
		&d.GeneratedText, &d.DraftText, &source, &createdAt, &updatedAt); err != nil {
		return Draft{}, err
	}
	d.SourceUserID = stringPtr(source)
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Draft{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Draft{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

// --- Usage events ---

func insertUsageEvent(tx *sql.Tx, ev UsageEvent) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := tx.Exec(`
		INSERT INTO usage_events (id, action, draft_id, was_edited, was_sent, response_latency_ms, ticket_id, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Action), ev.DraftID, boolInt(ev.WasEdited), boolInt(ev.WasSent),
		ev.ResponseLatencyMs, ev.TicketID, ev.UserID, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage event: %w", err)
	}
	return nil
}

// ListUsageEvents returns events oldest first. An empty draftID lists all events.
func (s *Store) ListUsageEvents(draftID string, limit int) ([]UsageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, action, draft_id, was_edited, was_sent, response_latency_ms, ticket_id, user_id, created_at
		FROM usage_events`
	args := []any{}
	if draftID != "" {
		query += ` WHERE draft_id = ?`
		args = append(args, draftID)
	}
	query += ` ORDER BY created_at ASC, rowid ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []UsageEvent
	for rows.Next() {
		var ev UsageEvent
		var action, createdAt string
		var edited, sent int
		if err := rows.Scan(&ev.ID, &action, &ev.DraftID, &edited, &sent, &ev.ResponseLatencyMs,
			&ev.TicketID, &ev.UserID, &createdAt); err != nil {
			return nil, err
		}
		ev.Action = UsageAction(action)
		ev.WasEdited = edited != 0
		ev.WasSent = sent != 0
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		ev.CreatedAt = t
		results = append(results, ev)
	}
	return results, rows.Err()
}
