package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// --- Style exemplars ---

// SaveExemplar stores an exemplar. Exemplars are immutable: a second save
// for the same message is ignored. Returns the stored exemplar's ID.
func (s *Store) SaveExemplar(e Exemplar) (string, error) {
	_, err := s.db.Exec(`
		INSERT INTO exemplars (id, message_id, thread_id, body, is_reply, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		e.ID, e.MessageID, e.ThreadID, e.Body, boolInt(e.IsReply), formatTime(e.CreatedAt),
	)
	if err != nil {
		return "", err
	}
	var id string
	if err := s.db.QueryRow(`SELECT id FROM exemplars WHERE message_id = ?`, e.MessageID).Scan(&id); err != nil {
		return "", fmt.Errorf("reading back exemplar: %w", err)
	}
	return id, nil
}

func (s *Store) GetExemplar(id string) (Exemplar, error) {
	e, err := scanExemplar(s.db.QueryRow(`
		SELECT id, message_id, thread_id, body, is_reply, created_at FROM exemplars WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Exemplar{}, ErrNotFound
	}
	return e, err
}

// GetExemplarsByIDs returns the exemplars with the given IDs in no particular order.
func (s *Store) GetExemplarsByIDs(ids []string) ([]Exemplar, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.Query(`
		SELECT id, message_id, thread_id, body, is_reply, created_at
		FROM exemplars WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExemplars(rows)
}

// ListUnvectorizedExemplars returns the most recent exemplars that have no
// stored embedding.
func (s *Store) ListUnvectorizedExemplars(limit int) ([]Exemplar, error) {
	rows, err := s.db.Query(`
		SELECT id, message_id, thread_id, body, is_reply, created_at FROM exemplars
		WHERE id NOT IN (SELECT exemplar_id FROM exemplar_vectors)
		ORDER BY created_at DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExemplars(rows)
}

func (s *Store) CountExemplars() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM exemplars`).Scan(&n)
	return n, err
}

func collectExemplars(rows *sql.Rows) ([]Exemplar, error) {
	var results []Exemplar
	for rows.Next() {
		e, err := scanExemplar(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func scanExemplar(r rowScanner) (Exemplar, error) {
	var e Exemplar
	var isReply int
	var createdAt string
	if err := r.Scan(&e.ID, &e.MessageID, &e.ThreadID, &e.Body, &isReply, &createdAt); err != nil {
		return Exemplar{}, err
	}
	e.IsReply = isReply != 0
	t, err := parseTime(createdAt)
	if err != nil {
		return Exemplar{}, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = t
	return e, nil
}
