package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"hackhub-backend/internal/models"
)

type chatHistory interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID, since time.Time) ([]*models.ChatRecord, error)
}

type ChatHandler struct {
	history chatHistory
}

func NewChatHandler(history chatHistory) *ChatHandler {
	return &ChatHandler{history: history}
}

// ListMessages returns the persisted conversation of a session as messages,
// oldest first. ?since=RFC3339 limits it to newer records.
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid session ID", r))
		return
	}

	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		since, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "since must be an RFC3339 timestamp", r))
			return
		}
	}

	records, err := h.history.ListBySession(r.Context(), sessionID, since)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load messages", r))
		return
	}

	messages := make([]models.Message, 0, len(records)*2)
	for _, rec := range records {
		messages = append(messages, rec.Messages()...)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
	})
}
