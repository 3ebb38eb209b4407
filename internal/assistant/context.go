package assistant

import "hackhub-backend/internal/models"

const summaryPrefix = "Previous conversation summary: "

// ConversationState is the per-session view owned by a Controller.
// SummaryCoversUpTo is -1 when no summary has been produced.
type ConversationState struct {
	Messages          []models.Message
	RollingSummary    string
	SummaryCoversUpTo int
	ContextWindowSize int
}

func (s ConversationState) window() int {
	if s.ContextWindowSize < 1 {
		return 1
	}
	return s.ContextWindowSize
}

// BuildContext assembles the messages sent to the completion API: system
// prompts, the rolling summary when history no longer fits the window, the
// last window of raw messages and finally the pending user text.
func BuildContext(state ConversationState, systemPrompts []string, pendingUserText string) []models.ChatMessage {
	window := state.window()

	out := make([]models.ChatMessage, 0, len(systemPrompts)+window+2)
	for _, p := range systemPrompts {
		out = append(out, models.ChatMessage{Role: string(models.RoleSystem), Content: p})
	}

	if state.RollingSummary != "" && len(state.Messages) > window {
		out = append(out, models.ChatMessage{
			Role:    string(models.RoleSystem),
			Content: summaryPrefix + state.RollingSummary,
		})
	}

	recent := state.Messages
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	for _, m := range recent {
		role := models.RoleUser
		if m.Role == models.RoleAssistant {
			role = models.RoleAssistant
		}
		out = append(out, models.ChatMessage{Role: string(role), Content: m.Text})
	}

	return append(out, models.ChatMessage{Role: string(models.RoleUser), Content: pendingUserText})
}
