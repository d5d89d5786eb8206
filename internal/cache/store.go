// Package cache holds the volatile, Redis-backed side of conversation state:
// per-conversation metadata, the sliding window of recent messages, the
// short-lived reply cache for retry deduplication, and the per-conversation
// lock. The durable log in the repository package remains the source of
// truth; everything here is evictable and rebuildable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"debate-agent/internal/domain"
)

// Store wraps a Redis client and exposes the window-cache operations needed
// by the conversation coordinator. The store does not own the client's
// lifecycle; the caller is responsible for creation and shutdown.
type Store struct {
	client  *redis.Client
	skipped atomic.Uint64
}

// NewStore creates a Store on the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Key builders.

func metaKey(conversationID string) string {
	return "conv:" + conversationID + ":meta"
}

func windowKey(conversationID string) string {
	return "conv:" + conversationID + ":history"
}

// replyCacheKey hashes the user payload so keys stay short and raw user
// content never lands in the key space.
func replyCacheKey(conversationID, userText string) string {
	digest := sha256.Sum256([]byte(userText))
	return "resp_cache:" + conversationID + ":" + hex.EncodeToString(digest[:])
}

// SetMeta stores conversation metadata (topic, stance, created_at,
// turn_count) as a Redis hash of strings.
func (s *Store) SetMeta(ctx context.Context, conversationID string, meta map[string]string) error {
	if err := s.client.HSet(ctx, metaKey(conversationID), meta).Err(); err != nil {
		return fmt.Errorf("cache: set meta: %w", err)
	}
	return nil
}

// GetMeta returns conversation metadata. A missing key yields an empty map,
// not an error.
func (s *Store) GetMeta(ctx context.Context, conversationID string) (map[string]string, error) {
	data, err := s.client.HGetAll(ctx, metaKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: get meta: %w", err)
	}
	if data == nil {
		return map[string]string{}, nil
	}
	return data, nil
}

// ExpireMeta sets the TTL on the metadata hash.
func (s *Store) ExpireMeta(ctx context.Context, conversationID string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, metaKey(conversationID), ttl).Err(); err != nil {
		return fmt.Errorf("cache: expire meta: %w", err)
	}
	return nil
}

// AppendToWindow appends one entry at the tail of the conversation window.
// Capacity is not enforced here; callers follow up with TrimWindow.
func (s *Store) AppendToWindow(ctx context.Context, conversationID, role, text string) error {
	raw, err := json.Marshal(domain.WindowEntry{Role: role, Message: text})
	if err != nil {
		return fmt.Errorf("cache: marshal window entry: %w", err)
	}
	if err := s.client.RPush(ctx, windowKey(conversationID), raw).Err(); err != nil {
		return fmt.Errorf("cache: append to window: %w", err)
	}
	return nil
}

// GetWindow returns the window oldest-first. When lastN > 0, only the most
// recent lastN entries are fetched. Entries that fail to decode are skipped
// rather than surfaced: a corrupt cache line must never fail a request.
func (s *Store) GetWindow(ctx context.Context, conversationID string, lastN int) ([]domain.WindowEntry, error) {
	key := windowKey(conversationID)

	var raw []string
	var err error
	if lastN > 0 {
		raw, err = s.client.LRange(ctx, key, int64(-lastN), -1).Result()
	} else {
		raw, err = s.client.LRange(ctx, key, 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get window: %w", err)
	}

	entries, skipped := decodeEntries(raw)
	if skipped > 0 {
		n := s.skipped.Add(uint64(skipped))
		slog.Warn("skipped malformed window entries",
			"conversation_id", conversationID, "skipped", skipped, "total_skipped", n)
	}
	return entries, nil
}

// decodeEntries parses stored window lines, dropping any that fail to
// decode, and reports how many were dropped.
func decodeEntries(raw []string) ([]domain.WindowEntry, int) {
	entries := make([]domain.WindowEntry, 0, len(raw))
	skipped := 0
	for _, item := range raw {
		var entry domain.WindowEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	return entries, skipped
}

// TrimWindow keeps only the most recent keepLastN entries, dropping from the
// head.
func (s *Store) TrimWindow(ctx context.Context, conversationID string, keepLastN int) error {
	if err := s.client.LTrim(ctx, windowKey(conversationID), int64(-keepLastN), -1).Err(); err != nil {
		return fmt.Errorf("cache: trim window: %w", err)
	}
	return nil
}

// ExpireWindow sets the TTL on the window list.
func (s *Store) ExpireWindow(ctx context.Context, conversationID string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, windowKey(conversationID), ttl).Err(); err != nil {
		return fmt.Errorf("cache: expire window: %w", err)
	}
	return nil
}

// GetCachedReply returns the bot reply previously cached for this exact user
// text, if still present. The second return reports presence.
func (s *Store) GetCachedReply(ctx context.Context, conversationID, userText string) (string, bool, error) {
	val, err := s.client.Get(ctx, replyCacheKey(conversationID, userText)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get cached reply: %w", err)
	}
	return val, true, nil
}

// SetCachedReply caches the bot reply for a short period to deduplicate
// immediate retries of the same user text.
func (s *Store) SetCachedReply(ctx context.Context, conversationID, userText, reply string, ttl time.Duration) error {
	if err := s.client.Set(ctx, replyCacheKey(conversationID, userText), reply, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set cached reply: %w", err)
	}
	return nil
}

// SkippedEntries reports how many malformed window entries this store has
// dropped since construction.
func (s *Store) SkippedEntries() uint64 {
	return s.skipped.Load()
}
