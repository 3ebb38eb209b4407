package models

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one rendered entry of a conversation. Local marks an optimistic
// copy that has not been persisted yet.
type Message struct {
	ID           string     `json:"id"`
	SessionID    uuid.UUID  `json:"session_id"`
	Role         Role       `json:"role"`
	Text         string     `json:"text"`
	AuthorUserID *uuid.UUID `json:"author_user_id"`
	AuthorName   string     `json:"author_name,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ModelTag     *string    `json:"model_tag"`
	Local        bool       `json:"local,omitempty"`
}

// ChatRecord is the durable unit of the message store: one prompt and the
// assistant reply it produced.
type ChatRecord struct {
	ID           uuid.UUID `json:"id"`
	SessionID    uuid.UUID `json:"session_id"`
	AuthorUserID uuid.UUID `json:"author_user_id"`
	AuthorName   string    `json:"author_name"`
	Prompt       string    `json:"prompt"`
	Response     string    `json:"response"`
	ModelTag     string    `json:"model_tag"`
	CreatedAt    time.Time `json:"created_at"`
}

func PromptMessageID(recordID uuid.UUID) string { return recordID.String() + ":prompt" }
func ResponseMessageID(recordID uuid.UUID) string { return recordID.String() + ":response" }

// Messages expands the record into its user and assistant messages.
func (r *ChatRecord) Messages() []Message {
	author := r.AuthorUserID
	tag := r.ModelTag
	return []Message{
		{
			ID:           PromptMessageID(r.ID),
			SessionID:    r.SessionID,
			Role:         RoleUser,
			Text:         r.Prompt,
			AuthorUserID: &author,
			AuthorName:   r.AuthorName,
			CreatedAt:    r.CreatedAt,
		},
		{
			ID:        ResponseMessageID(r.ID),
			SessionID: r.SessionID,
			Role:      RoleAssistant,
			Text:      r.Response,
			CreatedAt: r.CreatedAt,
			ModelTag:  &tag,
		},
	}
}

// InsertEvent is pushed to every subscriber of a session when a record lands.
type InsertEvent struct {
	RecordID     uuid.UUID `json:"record_id"`
	SessionID    uuid.UUID `json:"session_id"`
	AuthorUserID uuid.UUID `json:"author_user_id"`
}

// CachedSummary is the rolling summary of a session kept outside the process.
type CachedSummary struct {
	Summary    string    `json:"summary"`
	CoversUpTo int       `json:"covers_up_to"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChatMessage represents a single entry sent to the completion API.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user" or "assistant"
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// CompletionResponse is {response} on success and a flat {error, code} on
// failure, so plain completion clients can read the message.
type CompletionResponse struct {
	Response  string            `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
	Code      string            `json:"code,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

type SummarizeRequest struct {
	Model     string `json:"model"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
}

// SummarizeResponse is always returned with HTTP 200.
type SummarizeResponse struct {
	Summary string `json:"summary"`
	Error   string `json:"error,omitempty"`
}
