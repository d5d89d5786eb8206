package domain

// ChatMessage is the provider-agnostic chat message shape passed to the
// LLM integration.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
