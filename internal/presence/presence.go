// Package presence tracks which agents are currently typing on a ticket.
// Entries expire on their own; a client keeps its entry alive by touching
// it more often than the TTL.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a touch keeps an agent marked as typing.
const DefaultTTL = 3 * time.Second

// Tracker records typing presence.
type Tracker interface {
	Touch(ctx context.Context, ticketID, userID string) error
	// Active returns the users typing on ticketID, sorted.
	Active(ctx context.Context, ticketID string) ([]string, error)
}

// Memory is an in-process Tracker.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]map[string]time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, seen: make(map[string]map[string]time.Time)}
}

func (m *Memory) Touch(ctx context.Context, ticketID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.seen[ticketID]
	if !ok {
		users = make(map[string]time.Time)
		m.seen[ticketID] = users
	}
	users[userID] = m.now().Add(m.ttl)
	return nil
}

func (m *Memory) Active(ctx context.Context, ticketID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	users := m.seen[ticketID]
	out := make([]string, 0, len(users))
	for u, exp := range users {
		if !now.Before(exp) {
			delete(users, u)
			continue
		}
		out = append(out, u)
	}
	if len(users) == 0 {
		delete(m.seen, ticketID)
	}
	sort.Strings(out)
	return out, nil
}
