package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"hackhub-backend/internal/models"
)

type completionBackend interface {
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
}

type summaryBackend interface {
	Summarize(ctx context.Context, req models.SummarizeRequest) (string, error)
}

type ideaAnalyzer interface {
	AnalyzeIdea(ctx context.Context, model, title, description string) (*models.IdeaAnalysis, error)
}

type profileCatalog interface {
	Resolve(id string) (models.ModelProfile, bool)
	Default() models.ModelProfile
	List() []models.ModelProfile
}

// AIHandlerConfig wires the provider behind the AI routes. Leave a backend
// nil (untyped) when the deployment has no credential for it.
type AIHandlerConfig struct {
	Completer  completionBackend
	Summarizer summaryBackend
	Ideas      ideaAnalyzer
	Catalog    profileCatalog
	Timeout    time.Duration
	Logger     *zap.Logger
}

type AIHandler struct {
	completer  completionBackend
	summarizer summaryBackend
	ideas      ideaAnalyzer
	catalog    profileCatalog
	timeout    time.Duration
	log        *zap.Logger
}

func NewAIHandler(cfg AIHandlerConfig) *AIHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &AIHandler{
		completer:  cfg.Completer,
		summarizer: cfg.Summarizer,
		ideas:      cfg.Ideas,
		catalog:    cfg.Catalog,
		timeout:    cfg.Timeout,
		log:        cfg.Logger,
	}
}

var validRoles = map[string]bool{
	string(models.RoleSystem):    true,
	string(models.RoleUser):      true,
	string(models.RoleAssistant): true,
}

// Chat is the completion endpoint: {model, messages, temperature?, max_tokens?} → {response}.
func (h *AIHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCompletionError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
		return
	}

	fields := map[string]string{}
	if len(req.Messages) == 0 {
		fields["messages"] = "At least one message is required"
	}
	for _, m := range req.Messages {
		if !validRoles[m.Role] {
			fields["messages"] = "Role must be system, user or assistant"
			break
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		fields["temperature"] = "Must be between 0 and 2"
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		fields["max_tokens"] = "Must be positive"
	}
	profile, ok := h.catalog.Resolve(req.Model)
	if !ok {
		fields["model"] = "Unknown model"
	}
	if len(fields) > 0 {
		writeCompletionError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", fields)
		return
	}

	if h.completer == nil {
		h.log.Error("completion requested but no provider is configured")
		writeCompletionError(w, r, http.StatusServiceUnavailable, "AI_UNCONFIGURED", "AI assistant is not configured", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	req.Model = profile.BackingModel
	reply, err := h.completer.Complete(ctx, req)
	if err != nil {
		h.log.Warn("completion proxy failed", zap.String("model", req.Model), zap.Error(err))
		status, code, message := completionFailure(err)
		writeCompletionError(w, r, status, code, message, nil)
		return
	}
	if strings.TrimSpace(reply) == "" {
		writeCompletionError(w, r, http.StatusBadGateway, "AI_MALFORMED", "AI provider returned an invalid response", nil)
		return
	}

	writeJSON(w, http.StatusOK, models.CompletionResponse{Response: reply})
}

// Summarize is the summarization endpoint. It always answers 200; failures
// travel in the error field so callers can degrade quietly.
func (h *AIHandler) Summarize(w http.ResponseWriter, r *http.Request) {
	var req models.SummarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, models.SummarizeResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusOK, models.SummarizeResponse{Error: "content is required"})
		return
	}
	if h.summarizer == nil {
		writeJSON(w, http.StatusOK, models.SummarizeResponse{Error: "summarization is not configured"})
		return
	}

	if profile, ok := h.catalog.Resolve(req.Model); ok && req.Model != "" {
		req.Model = profile.BackingModel
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	summary, err := h.summarizer.Summarize(ctx, req)
	if err != nil {
		h.log.Warn("summarization failed", zap.String("session_id", req.SessionID), zap.Error(err))
		writeJSON(w, http.StatusOK, models.SummarizeResponse{Error: "summarization failed"})
		return
	}

	writeJSON(w, http.StatusOK, models.SummarizeResponse{Summary: summary})
}

// SummarizeRateLimited rejects a throttled summarize call the way the route
// reports every other failure.
func (h *AIHandler) SummarizeRateLimited(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.SummarizeResponse{Error: "rate limited"})
}

func (h *AIHandler) AnalyzeIdea(w http.ResponseWriter, r *http.Request) {
	var req models.AnalyzeIdeaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	fields := map[string]string{}
	if strings.TrimSpace(req.Title) == "" {
		fields["title"] = "Title is required"
	}
	if strings.TrimSpace(req.Description) == "" {
		fields["description"] = "Description is required"
	}
	profile, ok := h.catalog.Resolve(req.Model)
	if !ok {
		fields["model"] = "Unknown model"
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fields, r))
		return
	}

	if h.ideas == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResp("AI_UNCONFIGURED", "AI assistant is not configured", r))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	analysis, err := h.ideas.AnalyzeIdea(ctx, profile.BackingModel, req.Title, req.Description)
	if err != nil {
		h.log.Warn("idea analysis failed", zap.Error(err))
		handleCompletionError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

func (h *AIHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":     h.catalog.List(),
		"default":    h.catalog.Default().ID,
		"configured": h.completer != nil,
	})
}
