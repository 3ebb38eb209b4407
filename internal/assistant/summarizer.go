package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"hackhub-backend/internal/models"
)

const (
	truncationMarker = "\n[...truncated...]\n"

	DefaultSummaryCharLimit = 12000
	DefaultCallTimeout      = 30 * time.Second
)

var (
	errNoSummaryBackend = errors.New("no summary backend configured")
	errEmptySummary     = errors.New("summary backend returned an empty summary")
)

// SummaryBackend turns a serialized transcript into a summary.
type SummaryBackend interface {
	Summarize(ctx context.Context, req models.SummarizeRequest) (string, error)
}

type SummarizerConfig struct {
	Model     string
	CharLimit int
	Timeout   time.Duration
}

// Summarizer compresses history older than the context window. It is an
// optimization only: every failure is reported as a *SoftError together with
// an empty summary.
type Summarizer struct {
	backend   SummaryBackend
	model     string
	charLimit int
	timeout   time.Duration
	group     singleflight.Group
	log       *zap.Logger
}

func NewSummarizer(backend SummaryBackend, cfg SummarizerConfig, log *zap.Logger) *Summarizer {
	if cfg.CharLimit <= 0 {
		cfg.CharLimit = DefaultSummaryCharLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Summarizer{
		backend:   backend,
		model:     cfg.Model,
		charLimit: cfg.CharLimit,
		timeout:   cfg.Timeout,
		log:       log,
	}
}

func (s *Summarizer) Summarize(ctx context.Context, sessionID uuid.UUID, messages []models.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	if s.backend == nil {
		return "", &SoftError{Op: "summarize", Err: errNoSummaryBackend}
	}

	req := models.SummarizeRequest{
		Model:     s.model,
		Content:   TruncateMiddle(SerializeTranscript(messages), s.charLimit),
		SessionID: sessionID.String(),
	}

	// Views racing on the same session and coverage share one call. The call
	// outlives any single caller, so one view closing does not cancel it for
	// the others; its own timeout still bounds it.
	key := fmt.Sprintf("%s:%d", sessionID, len(messages))
	ch := s.group.DoChan(key, func() (summary interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("summary backend panicked: %v", r)
			}
		}()

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.backend.Summarize(callCtx, req)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", &SoftError{Op: "summarize", Err: ctx.Err()}
	}
	v, err := res.Val, res.Err
	if err != nil {
		s.log.Warn("summarization failed",
			zap.String("session_id", sessionID.String()),
			zap.Int("messages", len(messages)),
			zap.Error(err))
		return "", &SoftError{Op: "summarize", Err: err}
	}

	summary, _ := v.(string)
	summary = strings.TrimSpace(summary)
	if summary == "" {
		s.log.Warn("summarization returned nothing", zap.String("session_id", sessionID.String()))
		return "", &SoftError{Op: "summarize", Err: errEmptySummary}
	}
	return summary, nil
}

// SerializeTranscript renders one "speaker: text" line per message, where the
// speaker is the author's display name when known and the role otherwise.
func SerializeTranscript(messages []models.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		speaker := m.AuthorName
		if speaker == "" {
			speaker = string(m.Role)
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return b.String()
}

// TruncateMiddle keeps a prefix and a suffix of roughly equal size when text
// is longer than limit runes, joined by an explicit truncation marker.
func TruncateMiddle(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}

	keep := limit - len([]rune(truncationMarker))
	if keep < 2 {
		keep = 2
	}
	head := keep / 2
	tail := keep - head
	return string(runes[:head]) + truncationMarker + string(runes[len(runes)-tail:])
}
