/**
 * @description
 * Redis-backed guards for the two places the flow must suppress duplicates
 * across instances: checkout initiation (one processor session per temporary
 * id while a request is in flight) and webhook processing (one pass per
 * event id under redelivery).
 */
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CheckoutLocker guards checkout initiation against duplicate invocation.
// Acquire returns false when another request already holds the lock. The lock
// must be releasable on failure so one failed attempt does not permanently
// block retries; the TTL covers crashed holders.
type CheckoutLocker interface {
	Acquire(ctx context.Context, temporaryID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, temporaryID string) error
}

// EventDeduper records webhook event ids so redelivered events can be
// acknowledged without reprocessing. Dedup is an optimization layered on top
// of the guarded writes, not the correctness mechanism.
type EventDeduper interface {
	Seen(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
}

// RedisCheckoutLocks implements CheckoutLocker on Redis SETNX.
type RedisCheckoutLocks struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCheckoutLocks creates a lock set under the given key prefix.
func NewRedisCheckoutLocks(client redis.UniversalClient, prefix string) *RedisCheckoutLocks {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = "settlements:checkout_lock"
	}
	return &RedisCheckoutLocks{client: client, prefix: strings.TrimSuffix(trimmed, ":")}
}

func (l *RedisCheckoutLocks) key(temporaryID string) string {
	return fmt.Sprintf("%s:%s", l.prefix, temporaryID)
}

func (l *RedisCheckoutLocks) Acquire(ctx context.Context, temporaryID string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return true, nil
	}
	return l.client.SetNX(ctx, l.key(temporaryID), "1", ttl).Result()
}

func (l *RedisCheckoutLocks) Release(ctx context.Context, temporaryID string) error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Del(ctx, l.key(temporaryID)).Err()
}

// RedisEventDeduper implements EventDeduper on Redis SETNX with a TTL window.
type RedisEventDeduper struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisEventDeduper creates a dedup set under the given key prefix.
func NewRedisEventDeduper(client redis.UniversalClient, prefix string) *RedisEventDeduper {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = "settlements:webhook_event"
	}
	return &RedisEventDeduper{client: client, prefix: strings.TrimSuffix(trimmed, ":")}
}

// Seen marks the event id and reports whether it had been recorded already.
// Redis being down degrades to "not seen": the guarded writes downstream keep
// redelivery safe.
func (d *RedisEventDeduper) Seen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if d == nil || d.client == nil || eventID == "" {
		return false, nil
	}
	set, err := d.client.SetNX(ctx, fmt.Sprintf("%s:%s", d.prefix, eventID), "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
