package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CartStore removes a user's persisted cart once it has been turned into an order.
type CartStore interface {
	Clear(ctx context.Context, userID uuid.UUID) error
}

// RedisCartStore addresses carts saved by the storefront under <prefix>:cart:<user id>.
type RedisCartStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCartStore(client redis.UniversalClient, prefix string) *RedisCartStore {
	return &RedisCartStore{client: client, prefix: strings.TrimSuffix(strings.TrimSpace(prefix), ":")}
}

func (s *RedisCartStore) cacheKey(userID uuid.UUID) string {
	if s.prefix == "" {
		return fmt.Sprintf("cart:%s", userID)
	}
	return fmt.Sprintf("%s:cart:%s", s.prefix, userID)
}

// Clear deletes the cart. Deleting a missing cart is not an error.
func (s *RedisCartStore) Clear(ctx context.Context, userID uuid.UUID) error {
	return s.client.Del(ctx, s.cacheKey(userID)).Err()
}
