package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"creator-sync/internal/redis"
)

// Store persists provider pagination tokens per connection so a crawl can
// resume where it left off. Tokens are opaque: whatever continuation value
// the provider returned, stored uninterpreted.
//
// The store is allowed to be lossy. A missing cursor while a crawl is active
// means "restart this crawl from the beginning", which is always correct
// because pages are idempotent upserts keyed by provider item id. That is
// why Redis with a TTL is enough here and no relational column is needed.
type Store struct {
	redis KV
}

// KV is the slice of the Redis client the store needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

var _ KV = (*redis.Client)(nil)

// cursorTTL guards against tokens orphaned by abandoned crawls. Providers
// invalidate continuation tokens long before this anyway.
const cursorTTL = 7 * 24 * time.Hour

func NewStore(kv KV) *Store {
	return &Store{redis: kv}
}

func (s *Store) Save(ctx context.Context, connectionID uuid.UUID, token string) error {
	if token == "" {
		return s.Clear(ctx, connectionID)
	}
	if err := s.redis.Set(ctx, key(connectionID), token, cursorTTL); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Load returns the stored token, or "" when none is held.
func (s *Store) Load(ctx context.Context, connectionID uuid.UUID) (string, error) {
	token, err := s.redis.Get(ctx, key(connectionID))
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	return token, nil
}

func (s *Store) Clear(ctx context.Context, connectionID uuid.UUID) error {
	if err := s.redis.Del(ctx, key(connectionID)); err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	return nil
}

func key(connectionID uuid.UUID) string {
	return "sync:cursor:" + connectionID.String()
}
