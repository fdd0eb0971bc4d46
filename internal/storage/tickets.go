package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

const ticketColumns = `id, thread_id, customer_email, customer_name, subject, status, priority, assignee_id,
	tags, last_customer_reply_at, last_agent_reply_at, created_at, updated_at`

// --- Tickets ---

func (s *Store) CreateTicket(t Ticket) error {
	tags, err := marshalTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO tickets (`+ticketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ThreadID, t.CustomerEmail, t.CustomerName, t.Subject, string(t.Status),
		nullPriority(t.Priority), nullString(t.AssigneeID), tags,
		formatNullTime(t.LastCustomerReplyAt), formatNullTime(t.LastAgentReplyAt),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	return err
}

// UpdateTicket overwrites every mutable column of the ticket row.
// Concurrent writers race; the last one wins.
func (s *Store) UpdateTicket(t Ticket) error {
	tags, err := marshalTags(t.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE tickets SET customer_email = ?, customer_name = ?, subject = ?, status = ?, priority = ?,
			assignee_id = ?, tags = ?, last_customer_reply_at = ?, last_agent_reply_at = ?, updated_at = ?
		WHERE id = ?`,
		t.CustomerEmail, t.CustomerName, t.Subject, string(t.Status), nullPriority(t.Priority),
		nullString(t.AssigneeID), tags, formatNullTime(t.LastCustomerReplyAt), formatNullTime(t.LastAgentReplyAt),
		formatTime(t.UpdatedAt), t.ID,
	)
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
	return nil
}

func (s *Store) GetTicket(id string) (Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, ErrNotFound
	}
	return t, err
}

func (s *Store) GetTicketByThread(threadID string) (Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE thread_id = ?`, threadID)
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, ErrNotFound
	}
	return t, err
}

// ListTickets returns tickets matching f, most recently updated first.
func (s *Store) ListTickets(f TicketFilter) ([]Ticket, error) {
	q := sq.Select(strings.Fields(strings.ReplaceAll(ticketColumns, ",", " "))...).
		From("tickets").
		OrderBy("updated_at DESC", "id ASC")

	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Unassigned {
		q = q.Where(sq.Eq{"assignee_id": nil})
	} else if f.AssigneeID != "" {
		q = q.Where(sq.Eq{"assignee_id": f.AssigneeID})
	}
	if f.CustomerMail != "" {
		q = q.Where(sq.Expr("lower(customer_email) = lower(?)", f.CustomerMail))
	}
	if f.Tag != "" {
		q = q.Where(sq.Expr("EXISTS (SELECT 1 FROM json_each(tickets.tags) WHERE lower(json_each.value) = lower(?))", f.Tag))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q = q.Limit(uint64(limit))
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building ticket query: %w", err)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(r rowScanner) (Ticket, error) {
	var t Ticket
	var status, tags, createdAt, updatedAt string
	var priority, assignee, lastCustomer, lastAgent sql.NullString
	if err := r.Scan(&t.ID, &t.ThreadID, &t.CustomerEmail, &t.CustomerName, &t.Subject, &status, &priority,
		&assignee, &tags, &lastCustomer, &lastAgent, &createdAt, &updatedAt); err != nil {
		return Ticket{}, err
	}
	t.Status = TicketStatus(status)
	if priority.Valid {
		p := Priority(priority.String)
		t.Priority = &p
	}
	t.AssigneeID = stringPtr(assignee)
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return Ticket{}, fmt.Errorf("parsing tags for ticket %s: %w", t.ID, err)
	}
	var err error
	if t.LastCustomerReplyAt, err = parseNullTime(lastCustomer); err != nil {
		return Ticket{}, fmt.Errorf("parsing last_customer_reply_at: %w", err)
	}
	if t.LastAgentReplyAt, err = parseNullTime(lastAgent); err != nil {
		return Ticket{}, fmt.Errorf("parsing last_agent_reply_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Ticket{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Ticket{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}

func nullPriority(p *Priority) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*p), Valid: true}
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		return "[]", nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshalling tags: %w", err)
	}
	return string(b), nil
}

// --- Thread messages ---

// SaveMessage stores m and reports whether it was new. A message whose ID
// is already stored is left as is.
func (s *Store) SaveMessage(m Message) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO messages (id, thread_id, direction, from_addr, to_addr, subject, body, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID, m.ThreadID, string(m.Direction), m.From, m.To, m.Subject, m.Body, formatTime(m.SentAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetMessage(id string) (Message, error) {
	var m Message
	var direction, sentAt string
	err := s.db.QueryRow(`
		SELECT id, thread_id, direction, from_addr, to_addr, subject, body, sent_at
		FROM messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.ThreadID, &direction, &m.From, &m.To, &m.Subject, &m.Body, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, err
	}
	m.Direction = Direction(direction)
	if m.SentAt, err = parseTime(sentAt); err != nil {
		return Message{}, fmt.Errorf("parsing sent_at: %w", err)
	}
	return m, nil
}

// ListThreadMessages returns the messages of a thread, oldest first.
func (s *Store) ListThreadMessages(threadID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, direction, from_addr, to_addr, subject, body, sent_at
		FROM messages WHERE thread_id = ? ORDER BY sent_at ASC, id ASC`, threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var direction, sentAt string
		if err := rows.Scan(&m.ID, &m.ThreadID, &direction, &m.From, &m.To, &m.Subject, &m.Body, &sentAt); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		t, err := parseTime(sentAt)
		if err != nil {
			return nil, fmt.Errorf("parsing sent_at: %w", err)
		}
		m.SentAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}
