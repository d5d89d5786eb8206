package domain

// Message roles as stored in the durable log and returned to clients.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Message is a single persisted conversation utterance. The SK carries the
// sequence marker that totally orders messages within a conversation.
type Message struct {
	PK             string
	SK             string
	ConversationID string
	Role           string
	Text           string
	TTL            int64
}

// WindowEntry is one item of the sliding window: the minimal role/text pair
// kept in the cache and echoed back in responses.
type WindowEntry struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}
