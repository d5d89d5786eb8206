package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mutex is a short-TTL per-conversation lock used to keep two concurrent
// requests from double-processing the same conversation. The TTL bounds how
// long a crashed holder can wedge a conversation.
type Mutex struct {
	client *redis.Client
}

// NewMutex creates a Mutex on the given Redis client.
func NewMutex(client *redis.Client) *Mutex {
	return &Mutex{client: client}
}

func lockKey(conversationID string) string {
	return "lock:conv:" + conversationID
}

// Acquire attempts to take the lock via SET NX EX. It returns true iff this
// caller now exclusively holds the lock.
func (m *Mutex) Acquire(ctx context.Context, conversationID string, ttl time.Duration) (bool, error) {
	// Any non-empty value works; the conversation id is convenient for debugging.
	ok, err := m.client.SetNX(ctx, lockKey(conversationID), conversationID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: acquire lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock. Releasing a non-held or already-expired lock is a
// no-op.
func (m *Mutex) Release(ctx context.Context, conversationID string) error {
	if err := m.client.Del(ctx, lockKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("cache: release lock: %w", err)
	}
	return nil
}
