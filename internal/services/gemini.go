package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"hackhub-backend/internal/assistant"
	"hackhub-backend/internal/models"
)

const (
	defaultChatTemperature    = 0.7
	defaultSummaryTemperature = 0.3
)

var errMissingAPIKey = errors.New("Gemini API key is empty")

type GeminiService struct {
	client       *genai.Client
	summaryModel string
	log          *zap.Logger
	rateChan     chan struct{} // Token bucket
}

func NewGeminiService(apiKey string, concurrentReqs int, summaryModel string, log *zap.Logger) (*GeminiService, error) {
	if apiKey == "" {
		return nil, errMissingAPIKey
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	if concurrentReqs < 1 {
		concurrentReqs = 1
	}

	// Token bucket for rate limiting
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}

	return &GeminiService{
		client:       client,
		summaryModel: summaryModel,
		log:          log,
		rateChan:     rateChan,
	}, nil
}

func (s *GeminiService) Close() {
	s.client.Close()
}

// acquireRate blocks until a rate slot is available
func (s *GeminiService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Minute):
		return fmt.Errorf("timeout waiting for Gemini rate slot")
	}
}

func (s *GeminiService) releaseRate() {
	s.rateChan <- struct{}{}
}

// Complete runs a multi-turn chat: system entries become the system
// instruction, the last entry is sent as the new turn and everything before
// it becomes chat history.
func (s *GeminiService) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", &assistant.CompletionError{Kind: assistant.Malformed, Err: errors.New("no messages to send")}
	}
	if err := s.acquireRate(ctx); err != nil {
		return "", err
	}
	defer s.releaseRate()

	model := s.client.GenerativeModel(req.Model)
	model.SetTemperature(defaultChatTemperature)
	if req.Temperature != nil {
		model.SetTemperature(*req.Temperature)
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(*req.MaxTokens))
	}

	last := req.Messages[len(req.Messages)-1]
	system, history := splitHistory(req.Messages[:len(req.Messages)-1])
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))},
		}
	}

	cs := model.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}
	s.logCandidates(resp, req.Model)

	text := extractText(resp)
	if strings.TrimSpace(text) == "" {
		return "", &assistant.CompletionError{Kind: assistant.Malformed, Err: errors.New("Gemini returned empty text")}
	}
	return text, nil
}

// Summarize compresses a serialized transcript.
func (s *GeminiService) Summarize(ctx context.Context, req models.SummarizeRequest) (string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return "", nil
	}
	if err := s.acquireRate(ctx); err != nil {
		return "", err
	}
	defer s.releaseRate()

	name := req.Model
	if name == "" {
		name = s.summaryModel
	}
	model := s.client.GenerativeModel(name)
	model.SetTemperature(defaultSummaryTemperature)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(summarizeInstruction)}}

	resp, err := model.GenerateContent(ctx, genai.Text(buildSummarizePrompt(req.Content)))
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}
	s.logCandidates(resp, name)

	return strings.TrimSpace(extractText(resp)), nil
}

// AnalyzeIdea reviews a hackathon idea and splits the answer into labeled sections.
func (s *GeminiService) AnalyzeIdea(ctx context.Context, modelName, title, description string) (*models.IdeaAnalysis, error) {
	if err := s.acquireRate(ctx); err != nil {
		return nil, err
	}
	defer s.releaseRate()

	model := s.client.GenerativeModel(modelName)
	model.SetTemperature(defaultSummaryTemperature)

	resp, err := model.GenerateContent(ctx, genai.Text(buildIdeaPrompt(title, description)))
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}
	s.logCandidates(resp, modelName)

	sections := assistant.ParseSections(extractText(resp), assistant.IdeaSections)
	return &models.IdeaAnalysis{
		Summary:   sections["SUMMARY"],
		Strengths: sections["STRENGTHS"],
		Risks:     sections["RISKS"],
		NextSteps: sections["NEXT STEPS"],
		ModelTag:  modelName,
	}, nil
}

func (s *GeminiService) logCandidates(resp *genai.GenerateContentResponse, model string) {
	for i, cand := range resp.Candidates {
		if cand.FinishReason != genai.FinishReasonStop {
			s.log.Warn("Gemini stopped early",
				zap.String("model", model),
				zap.Int("candidate", i),
				zap.String("finish_reason", cand.FinishReason.String()),
				zap.Int32("token_count", cand.TokenCount))
		}
	}
}

// Helper functions

// splitHistory separates system entries from the chat turns and converts the
// turns to Gemini contents. Consecutive turns of one role are merged, and a
// history that opens with a model turn gets a placeholder user turn first.
func splitHistory(messages []models.ChatMessage) ([]string, []*genai.Content) {
	var system []string
	var history []*genai.Content

	for _, m := range messages {
		role := "user"
		switch m.Role {
		case string(models.RoleSystem):
			system = append(system, m.Content)
			continue
		case string(models.RoleAssistant):
			role = "model"
		}

		if n := len(history); n > 0 && history[n-1].Role == role {
			history[n-1].Parts = append(history[n-1].Parts, genai.Text(m.Content))
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}

	if len(history) > 0 && history[0].Role == "model" {
		opener := &genai.Content{Role: "user", Parts: []genai.Part{genai.Text("(continuing our conversation)")}}
		history = append([]*genai.Content{opener}, history...)
	}
	return system, history
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}

const summarizeInstruction = "You compress hackathon team chats with an AI assistant. Preserve decisions, open questions, requirements, names of tools and APIs, and anything the team committed to. Omit greetings and filler."

func buildSummarizePrompt(transcript string) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation in at most 200 words. Return plain text only.\n\n")
	b.WriteString("---CONVERSATION START---\n")
	b.WriteString(transcript)
	b.WriteString("\n---CONVERSATION END---\n")
	return b.String()
}

func buildIdeaPrompt(title, description string) string {
	var b strings.Builder

	// Layer 1: Role
	b.WriteString("You are an experienced hackathon mentor. Review the project idea below.\n\n")

	// Layer 2: Format
	b.WriteString("Format: plain text with these exact section headers, in this order:\n")
	for _, h := range assistant.IdeaSections {
		b.WriteString("[" + h + "]\n")
	}
	b.WriteString("Keep each section under 120 words. Do NOT use markdown tables or HTML.\n\n")

	// Layer 3: Idea
	b.WriteString("---IDEA START---\n")
	b.WriteString("Title: " + strings.TrimSpace(title) + "\n")
	b.WriteString(strings.TrimSpace(description))
	b.WriteString("\n---IDEA END---\n")

	return b.String()
}
