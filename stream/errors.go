package stream

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSuperseded is the cancellation cause of a stream evicted by a newer
	// registration for the same session.
	ErrSuperseded = errors.New("stream: superseded by a newer stream")

	// ErrDuplicateStream is returned when registering an id that is already live.
	ErrDuplicateStream = errors.New("stream: duplicate stream id")

	// ErrInvalidEntry is returned for entries without an id or session.
	ErrInvalidEntry = errors.New("stream: entry requires id and session id")

	// ErrRegistryClosed is returned by Register after Shutdown.
	ErrRegistryClosed = errors.New("stream: registry closed")
)

// Cancellation reasons recorded on CancelledError.
const (
	ReasonUser               = "user"
	ReasonClientDisconnected = "client_disconnected"
	ReasonIdle               = "idle"
	ReasonShutdown           = "shutdown"
)

// CancelledError is the cancellation cause of an explicitly cancelled stream.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "stream: cancelled"
	}
	return fmt.Sprintf("stream: cancelled: %s", e.Reason)
}

// Terminal error classifications carried in agent.stream.error payloads.
const (
	ErrorTypeSuperseded         = "StreamSuperseded"
	ErrorTypeCancelled          = "StreamCancelled"
	ErrorTypeClientDisconnected = "ClientDisconnected"
	ErrorTypeTimeout            = "Timeout"
	ErrorTypeProvider           = "ProviderError"
)

// Classify maps a cancellation cause to the error_type of the terminal event.
func Classify(cause error) string {
	var ce *CancelledError
	switch {
	case errors.Is(cause, ErrSuperseded):
		return ErrorTypeSuperseded
	case errors.As(cause, &ce) && ce.Reason == ReasonClientDisconnected:
		return ErrorTypeClientDisconnected
	case errors.Is(cause, context.DeadlineExceeded):
		return ErrorTypeTimeout
	default:
		return ErrorTypeCancelled
	}
}

// Reason returns the human-readable reason behind a cancellation cause.
func Reason(cause error) string {
	var ce *CancelledError
	switch {
	case errors.Is(cause, ErrSuperseded):
		return "superseded"
	case errors.As(cause, &ce):
		return ce.Reason
	case errors.Is(cause, context.DeadlineExceeded):
		return "timeout"
	case cause == nil:
		return ""
	default:
		return cause.Error()
	}
}
