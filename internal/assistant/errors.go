package assistant

import (
	"errors"
	"fmt"
)

const (
	// FallbackReply is the single bubble shown when the completion call fails.
	FallbackReply = "Sorry, I encountered an error. Please try again later."

	// SetupReply is shown instead of FallbackReply when no provider credential exists.
	SetupReply = "The AI assistant is not configured for this deployment yet. Please contact the organizers."
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrTurnInProgress = errors.New("a reply is already being generated")
	ErrSessionClosed  = errors.New("session is closed")
)

type CompletionErrorKind int

const (
	// Unconfigured means no credential is available; nothing was sent.
	Unconfigured CompletionErrorKind = iota + 1
	// Upstream covers non-2xx answers, transport failures and timeouts.
	Upstream
	// Malformed means the provider answered with an unexpected shape.
	Malformed
)

func (k CompletionErrorKind) String() string {
	switch k {
	case Unconfigured:
		return "unconfigured"
	case Upstream:
		return "upstream"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type CompletionError struct {
	Kind       CompletionErrorKind
	StatusCode int
	Err        error
}

func (e *CompletionError) Error() string {
	msg := "completion " + e.Kind.String()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompletionError) Unwrap() error { return e.Err }

// UserMessage is the text rendered in the chat for this failure.
func (e *CompletionError) UserMessage() string {
	if e.Kind == Unconfigured {
		return SetupReply
	}
	return FallbackReply
}

// IsConfigurationError reports whether err means the deployment has no
// provider credential, as opposed to a transient upstream failure.
func IsConfigurationError(err error) bool {
	var ce *CompletionError
	return errors.As(err, &ce) && ce.Kind == Unconfigured
}

// SoftError wraps failures that must never reach the user.
type SoftError struct {
	Op  string
	Err error
}

func (e *SoftError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *SoftError) Unwrap() error { return e.Err }
