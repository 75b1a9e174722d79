// Package presence records which users currently hold relay connections so
// other instances and operators can see who is online.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"contactr/internal/domain"
)

const (
	// Redis key prefix for live connections
	connKeyPrefix = "presence:conn:"

	defaultTTL = 2 * time.Minute
)

// RedisStore is a Redis-backed presence tracker. Entries expire on their own
// when an instance dies without calling Leave; Touch extends them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// Option configures a RedisStore instance.
type Option func(*RedisStore)

// WithTTL sets how long an entry lives without a Touch.
func WithTTL(ttl time.Duration) Option {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewRedis constructs a presence store on client.
func NewRedis(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type entry struct {
	domain.Identity
	JoinedAt time.Time `json:"joinedAt"`
}

// Join records connID for identity.
func (s *RedisStore) Join(ctx context.Context, connID string, identity domain.Identity) error {
	if connID == "" {
		return nil
	}
	data, err := json.Marshal(entry{Identity: identity, JoinedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	return s.client.Set(ctx, connKeyPrefix+connID, data, s.ttl).Err()
}

// Touch extends the entry for connID. Missing entries are not recreated.
func (s *RedisStore) Touch(ctx context.Context, connID string) error {
	if connID == "" {
		return nil
	}
	return s.client.Expire(ctx, connKeyPrefix+connID, s.ttl).Err()
}

// Leave removes the entry for connID.
func (s *RedisStore) Leave(ctx context.Context, connID string) error {
	if connID == "" {
		return nil
	}
	return s.client.Del(ctx, connKeyPrefix+connID).Err()
}

// Online returns the distinct emails with at least one live connection.
func (s *RedisStore) Online(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, connKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(values))
	var emails []string
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e entry
		if json.Unmarshal([]byte(raw), &e) != nil || e.Email == "" {
			continue
		}
		if _, dup := seen[e.Email]; dup {
			continue
		}
		seen[e.Email] = struct{}{}
		emails = append(emails, e.Email)
	}
	return emails, nil
}
