package usecase

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Stance applied when the first message carries no explicit marker; the
// topic falls back to the whole message instead.
const defaultStance = "Choose a clear position implied by the initial instruction and defend it consistently."

var (
	conversationIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)
	topicRe          = regexp.MustCompile(`(?i)(?:^|\b)topic\s*[:=]\s*(.*?)(?:;|\||$)`)
	stanceRe         = regexp.MustCompile(`(?i)(?:^|\b)stance\s*[:=]\s*(.*?)(?:;|\||$)`)
)

// newConversationID returns a fresh identifier: 128 random bits rendered as
// 32 lowercase hex characters. Overridable in tests.
var newConversationID = func() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidConversationID reports whether s has the exact identifier shape
// accepted and emitted by this service.
func ValidConversationID(s string) bool {
	return conversationIDRe.MatchString(s)
}

// extractTopicAndStance pulls the debate parameters from the first user
// message. Each marker captures up to a ';', '|' or end of line; a missing
// topic falls back to the whole message, a missing stance to the generic
// defend-a-position instruction.
func extractTopicAndStance(firstMessage string) (topic, stance string) {
	text := strings.TrimSpace(firstMessage)

	if m := topicRe.FindStringSubmatch(text); m != nil {
		topic = strings.TrimSpace(m[1])
	}
	if m := stanceRe.FindStringSubmatch(text); m != nil {
		stance = strings.TrimSpace(m[1])
	}
	if topic == "" {
		topic = text
	}
	if stance == "" {
		stance = defaultStance
	}
	return topic, stance
}
