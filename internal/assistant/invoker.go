package assistant

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"hackhub-backend/internal/models"
)

var (
	errNoCompletionBackend = errors.New("no completion provider credential configured")
	errEmptyCompletion     = errors.New("completion provider returned an empty reply")
)

// Completer sends an assembled context to a chat-completion provider and
// returns the raw reply text.
type Completer interface {
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
}

type InvokerConfig struct {
	Timeout     time.Duration
	Temperature *float32
	MaxTokens   *int
}

// Invoker calls the completion provider and formats its reply. Every error it
// returns is a *CompletionError.
type Invoker struct {
	backend     Completer
	timeout     time.Duration
	temperature *float32
	maxTokens   *int
	log         *zap.Logger
}

// NewInvoker builds an Invoker. A nil backend yields an Invoker that fails
// every call with an Unconfigured error without touching the network.
func NewInvoker(backend Completer, cfg InvokerConfig, log *zap.Logger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCallTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Invoker{
		backend:     backend,
		timeout:     cfg.Timeout,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		log:         log,
	}
}

func (i *Invoker) Invoke(ctx context.Context, messages []models.ChatMessage, profile models.ModelProfile) (string, error) {
	if i.backend == nil {
		return "", &CompletionError{Kind: Unconfigured, Err: errNoCompletionBackend}
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	raw, err := i.backend.Complete(callCtx, models.CompletionRequest{
		Model:       profile.BackingModel,
		Messages:    messages,
		Temperature: i.temperature,
		MaxTokens:   i.maxTokens,
	})
	if err != nil {
		cerr := classifyCompletionError(err)
		i.log.Warn("completion failed",
			zap.String("model", profile.BackingModel),
			zap.String("kind", cerr.Kind.String()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", cerr
	}
	if strings.TrimSpace(raw) == "" {
		return "", &CompletionError{Kind: Malformed, Err: errEmptyCompletion}
	}

	i.log.Debug("completion succeeded",
		zap.String("model", profile.BackingModel),
		zap.Int("context_messages", len(messages)),
		zap.Duration("elapsed", time.Since(start)))

	return FormatResponse(raw, profile), nil
}

// classifyCompletionError keeps provider classifications and treats anything
// else, timeouts included, as an upstream failure.
func classifyCompletionError(err error) *CompletionError {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce
	}
	return &CompletionError{Kind: Upstream, Err: err}
}
