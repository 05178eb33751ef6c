package presence

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker stores visibility in Redis with a TTL per connection, so
// a connection whose heartbeats stop decays back to hidden on its own.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker builds a RedisTracker. ttl should be a small multiple
// of the client heartbeat interval.
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, ttl: ttl}
}

func presenceKey(connID string) string {
	return "presence:conn:" + connID
}

func (t *RedisTracker) MarkVisible(ctx context.Context, connID string, visible bool) {
	val := "hidden"
	if visible {
		val = "visible"
	}
	if err := t.client.Set(ctx, presenceKey(connID), val, t.ttl).Err(); err != nil {
		log.Printf("presence set failed: %v", err)
	}
}

func (t *RedisTracker) IsVisible(ctx context.Context, connID string) bool {
	val, err := t.client.Get(ctx, presenceKey(connID)).Result()
	if err != nil {
		// Missing key or Redis error both read as hidden.
		return false
	}
	return val == "visible"
}

func (t *RedisTracker) Forget(ctx context.Context, connID string) {
	if err := t.client.Del(ctx, presenceKey(connID)).Err(); err != nil {
		log.Printf("presence del failed: %v", err)
	}
}
