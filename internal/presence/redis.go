package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "replydesk:typing:"

// Redis is a Tracker shared between server instances. Each touch is a key
// with an expiry, so Redis drops stale entries itself.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis. The connection is checked with a ping; an
// unreachable server is an error so the caller can fall back to Memory.
func NewRedis(ctx context.Context, opts RedisOptions, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) Touch(ctx context.Context, ticketID, userID string) error {
	if err := r.client.Set(ctx, presenceKey(ticketID, userID), userID, r.ttl).Err(); err != nil {
		return fmt.Errorf("recording presence: %w", err)
	}
	return nil
}

func (r *Redis) Active(ctx context.Context, ticketID string) ([]string, error) {
	prefix := ticketPrefix(ticketID)
	out := []string{}
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning presence keys: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func ticketPrefix(ticketID string) string {
	return keyPrefix + ticketID + ":"
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func presenceKey(ticketID, userID string) string {
	return ticketPrefix(ticketID) + userID
}
