package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const knowledgeColumns = `id, title, body, tags, can_paraphrase, status, version, pending, created_by,
	published_at, created_at, updated_at`

// --- Knowledge items ---

// SaveKnowledgeItem inserts or fully replaces a knowledge item.
func (s *Store) SaveKnowledgeItem(k KnowledgeItem) error {
	tags, err := marshalTags(k.Tags)
	if err != nil {
		return err
	}
	var pending sql.NullString
	if k.Pending != nil {
		b, err := json.Marshal(k.Pending)
		if err != nil {
			return fmt.Errorf("marshalling pending snapshot: %w", err)
		}
		pending = sql.NullString{String: string(b), Valid: true}
	}
	_, err = s.db.Exec(`
		INSERT INTO knowledge_items (`+knowledgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			tags = excluded.tags,
			can_paraphrase = excluded.can_paraphrase,
			status = excluded.status,
			version = excluded.version,
			pending = excluded.pending,
			published_at = excluded.published_at,
			updated_at = excluded.updated_at`,
		k.ID, k.Title, k.Body, tags, boolInt(k.CanParaphrase), string(k.Status), k.Version, pending,
		k.CreatedBy, formatNullTime(k.PublishedAt), formatTime(k.CreatedAt), formatTime(k.UpdatedAt),
	)
	return err
}

func (s *Store) GetKnowledgeItem(id string) (KnowledgeItem, error) {
	k, err := scanKnowledge(s.db.QueryRow(`SELECT `+knowledgeColumns+` FROM knowledge_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return KnowledgeItem{}, ErrNotFound
	}
	return k, err
}

// ListKnowledgeItems returns items with the given status (all when empty),
// most recently published first, ties broken by id.
func (s *Store) ListKnowledgeItems(status KnowledgeStatus) ([]KnowledgeItem, error) {
	query := `SELECT ` + knowledgeColumns + ` FROM knowledge_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY published_at IS NULL, published_at DESC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []KnowledgeItem
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, k)
	}
	return results, rows.Err()
}

func scanKnowledge(r rowScanner) (KnowledgeItem, error) {
	var k KnowledgeItem
	var tags, status, createdAt, updatedAt string
	var canParaphrase int
	var pending, publishedAt sql.NullString
	if err := r.Scan(&k.ID, &k.Title, &k.Body, &tags, &canParaphrase, &status, &k.Version, &pending,
		&k.CreatedBy, &publishedAt, &createdAt, &updatedAt); err != nil {
		return KnowledgeItem{}, err
	}
	k.CanParaphrase = canParaphrase != 0
	k.Status = KnowledgeStatus(status)
	if err := json.Unmarshal([]byte(tags), &k.Tags); err != nil {
		return KnowledgeItem{}, fmt.Errorf("parsing tags for knowledge item %s: %w", k.ID, err)
	}
	if pending.Valid && pending.String != "" {
		var snap KnowledgeContent
		if err := json.Unmarshal([]byte(pending.String), &snap); err != nil {
			return KnowledgeItem{}, fmt.Errorf("parsing pending snapshot for %s: %w", k.ID, err)
		}
		k.Pending = &snap
	}
	var err error
	if k.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return KnowledgeItem{}, fmt.Errorf("parsing published_at: %w", err)
	}
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return KnowledgeItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if k.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return KnowledgeItem{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return k, nil
}

// --- Guardrails ---

func (s *Store) GetGuardrails(ownerScope string) (GuardrailRecord, error) {
	var rec GuardrailRecord
	var draft sql.NullString
	var updatedAt string
	err := s.db.QueryRow(`SELECT owner_scope, active, draft, updated_at FROM guardrails WHERE owner_scope = ?`, ownerScope).
		Scan(&rec.OwnerScope, &rec.Active, &draft, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GuardrailRecord{}, ErrNotFound
	}
	if err != nil {
		return GuardrailRecord{}, err
	}
	rec.Draft = draft.String
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return GuardrailRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return rec, nil
}

// SaveGuardrails writes both configuration documents of a scope at once,
// so publishing a staged draft is a single atomic row update.
func (s *Store) SaveGuardrails(rec GuardrailRecord) error {
	var draft sql.NullString
	if rec.Draft != "" {
		draft = sql.NullString{String: rec.Draft, Valid: true}
	}
	active := rec.Active
	if active == "" {
		active = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO guardrails (owner_scope, active, draft, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_scope) DO UPDATE SET active = excluded.active, draft = excluded.draft, updated_at = excluded.updated_at`,
		rec.OwnerScope, active, draft, formatTime(rec.UpdatedAt),
	)
	return err
}
