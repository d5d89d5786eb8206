package usecase

import (
	"fmt"
	"strings"

	"debate-agent/internal/domain"
)

// buildSystemPrompt renders the debate persona: hold the assigned stance on
// the topic, answer in the user's current language, stay civil and bounded.
func buildSystemPrompt(topic, stance string) string {
	return strings.Join([]string{
		"You are a debate assistant.",
		"Your objective is to firmly defend your assigned position and persuade the other side.",
		"Stay on topic, be coherent, avoid fallacies, and do not switch sides unless explicitly instructed.",
		"Use concise, well-structured arguments, anticipate counterpoints, and remain civil.",
		"",
		fmt.Sprintf("Topic: %s", topic),
		fmt.Sprintf("Your stance: %s", stance),
		"",
		"Global requirements:",
		"- Always reply in the user's language, detected from the latest user message. If the user switches languages, switch accordingly.",
		"- Maintain the same stance throughout the conversation. Acknowledge concerns without conceding the core position.",
		"- Be persuasive; provide reasons, short evidence summaries, and analogies when helpful.",
		"- Keep responses within a few paragraphs; avoid excessive verbosity.",
	}, "\n")
}

// buildUserPrompt renders the compact transcript context, oldest first, and
// the new user line.
func buildUserPrompt(latestUserMessage string, recent []domain.WindowEntry) string {
	lines := make([]string, 0, len(recent))
	for _, entry := range recent {
		msg := strings.TrimSpace(entry.Message)
		if msg == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(entry.Role)) {
		case domain.RoleUser:
			lines = append(lines, "User: "+msg)
		case domain.RoleBot:
			lines = append(lines, "Assistant: "+msg)
		default:
			// Unknown role; include as-is to preserve context.
			lines = append(lines, entry.Role+": "+msg)
		}
	}

	historyBlock := "(no prior context)"
	if len(lines) > 0 {
		historyBlock = strings.Join(lines, "\n")
	}

	return fmt.Sprintf(
		"Conversation so far (oldest first):\n%s\n\nNew message from user:\n%s\n\n"+
			"Using the conversation history above and maintaining your stance, provide a persuasive reply.",
		historyBlock, latestUserMessage,
	)
}
