package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"debate-agent/internal/domain"
)

func TestBuildSystemPrompt(t *testing.T) {
	prompt := buildSystemPrompt("school uniforms", "firmly against")
	require.Contains(t, prompt, "Topic: school uniforms")
	require.Contains(t, prompt, "Your stance: firmly against")
	require.Contains(t, prompt, "reply in the user's language")
	require.Contains(t, prompt, "remain civil")
}

func TestBuildUserPrompt_RendersTranscriptOldestFirst(t *testing.T) {
	recent := []domain.WindowEntry{
		{Role: "user", Message: "opening argument"},
		{Role: "bot", Message: "counter argument"},
		{Role: "user", Message: "rebuttal"},
	}
	prompt := buildUserPrompt("closing statement", recent)

	require.Contains(t, prompt, "User: opening argument")
	require.Contains(t, prompt, "Assistant: counter argument")
	require.Contains(t, prompt, "User: rebuttal")
	require.Contains(t, prompt, "New message from user:\nclosing statement")
	require.Less(t,
		strings.Index(prompt, "opening argument"),
		strings.Index(prompt, "counter argument"),
		"transcript must be oldest first")
}

func TestBuildUserPrompt_EmptyHistory(t *testing.T) {
	prompt := buildUserPrompt("first message", nil)
	require.Contains(t, prompt, "(no prior context)")
	require.Contains(t, prompt, "first message")
}

func TestBuildUserPrompt_SkipsBlankAndKeepsUnknownRoles(t *testing.T) {
	recent := []domain.WindowEntry{
		{Role: "user", Message: "   "},
		{Role: "moderator", Message: "keep it civil"},
	}
	prompt := buildUserPrompt("next", recent)
	require.NotContains(t, prompt, "User:")
	require.Contains(t, prompt, "moderator: keep it civil")
}
