package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"debate-agent/internal/domain"
)

func TestKeyBuilders(t *testing.T) {
	require.Equal(t, "conv:abc:meta", metaKey("abc"))
	require.Equal(t, "conv:abc:history", windowKey("abc"))
	require.Equal(t, "lock:conv:abc", lockKey("abc"))
}

func TestReplyCacheKey_HashesUserText(t *testing.T) {
	userText := "some very private user message"
	key := replyCacheKey("abc", userText)

	digest := sha256.Sum256([]byte(userText))
	require.Equal(t, "resp_cache:abc:"+hex.EncodeToString(digest[:]), key)
	// Raw user content must never appear in the key space.
	require.NotContains(t, key, "private")
}

func TestReplyCacheKey_BoundedLength(t *testing.T) {
	short := replyCacheKey("abc", "hi")
	long := replyCacheKey("abc", strings.Repeat("x", 4000))
	require.Equal(t, len(short), len(long))
}

func TestReplyCacheKey_DistinctPerTextAndConversation(t *testing.T) {
	require.NotEqual(t, replyCacheKey("abc", "one"), replyCacheKey("abc", "two"))
	require.NotEqual(t, replyCacheKey("abc", "one"), replyCacheKey("def", "one"))
	require.Equal(t, replyCacheKey("abc", "one"), replyCacheKey("abc", "one"))
}

func TestDecodeEntries_SkipsMalformed(t *testing.T) {
	raw := []string{
		`{"role":"user","message":"first"}`,
		`not json at all`,
		`{"role":"bot","message":"second"}`,
		`{"role":`,
	}

	entries, skipped := decodeEntries(raw)
	require.Equal(t, 2, skipped)
	require.Equal(t, []domain.WindowEntry{
		{Role: "user", Message: "first"},
		{Role: "bot", Message: "second"},
	}, entries)
}

func TestDecodeEntries_Empty(t *testing.T) {
	entries, skipped := decodeEntries(nil)
	require.Empty(t, entries)
	require.Zero(t, skipped)
}

func TestStore_SkippedEntriesStartsAtZero(t *testing.T) {
	s := NewStore(nil)
	require.Zero(t, s.SkippedEntries())
}
