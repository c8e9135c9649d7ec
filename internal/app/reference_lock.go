package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReferenceLocker suppresses concurrent processing of the same payment reference.
// It is an optimization; the database status gates remain the source of truth.
type ReferenceLocker interface {
	Acquire(ctx context.Context, reference string, ttl time.Duration) (release func(), acquired bool, err error)
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisReferenceLocker holds a SET NX lock per reference.
type RedisReferenceLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisReferenceLocker(client redis.UniversalClient, prefix string) *RedisReferenceLocker {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "fnms"
	}
	return &RedisReferenceLocker{client: client, prefix: trimmed + ":payment_lock"}
}

func (l *RedisReferenceLocker) lockKey(reference string) string {
	return fmt.Sprintf("%s:%s", l.prefix, reference)
}

// Acquire takes the lock for ttl. The returned release only deletes the lock if it is still ours.
func (l *RedisReferenceLocker) Acquire(ctx context.Context, reference string, ttl time.Duration) (func(), bool, error) {
	key := l.lockKey(reference)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return func() {}, false, err
	}
	if !ok {
		return func() {}, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			log.Printf("level=warn component=reference_lock msg=\"lock release failed; ttl will expire it\" reference=%s err=%v", reference, err)
		}
	}
	return release, true, nil
}
