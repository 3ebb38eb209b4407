package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"hackhub-backend/internal/assistant"
	"hackhub-backend/internal/models"
)

// Shared helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			Fields:    fields,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}

// completionFailure maps provider failures onto HTTP statuses.
func completionFailure(err error) (status int, code, message string) {
	var cerr *assistant.CompletionError
	if errors.As(err, &cerr) {
		switch cerr.Kind {
		case assistant.Unconfigured:
			return http.StatusServiceUnavailable, "AI_UNCONFIGURED", "AI assistant is not configured"
		case assistant.Malformed:
			return http.StatusBadGateway, "AI_MALFORMED", "AI provider returned an invalid response"
		}
	}
	return http.StatusBadGateway, "AI_ERROR", "Failed to get AI response"
}

func handleCompletionError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := completionFailure(err)
	writeJSON(w, status, errorResp(code, message, r))
}

// writeCompletionError answers the completion route, whose failures carry the
// message as a plain string in "error".
func writeCompletionError(w http.ResponseWriter, r *http.Request, status int, code, message string, fields map[string]string) {
	writeJSON(w, status, models.CompletionResponse{
		Error:     message,
		Code:      code,
		Fields:    fields,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}
