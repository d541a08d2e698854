// Package runtime defines the event model of the jarvis streaming core and
// the Runner that executes one streaming chat turn per request.
package runtime

import (
	"strings"
	"time"
)

// EventType identifies the type of an event published on the bus.
type EventType string

// Wildcard subscribes to every event type.
const Wildcard EventType = "*"

const (
	// EventChatStart is emitted when a chat request begins.
	EventChatStart EventType = "chat.start"

	// EventChatToken mirrors each streamed delta with a small payload.
	EventChatToken EventType = "chat.token"

	// EventChatError is emitted when a chat request ends with an error.
	EventChatError EventType = "chat.error"

	// EventChatEnd is emitted exactly once when a chat request ends.
	EventChatEnd EventType = "chat.end"

	// EventAgentStart is emitted when the agent starts working on a prompt.
	EventAgentStart EventType = "agent.start"

	// EventAgentToken carries each raw provider token of a stream.
	EventAgentToken EventType = "agent.token"

	// EventAgentError is emitted when the generation provider failed.
	EventAgentError EventType = "agent.error"

	// EventAgentDone is emitted when the agent finished successfully.
	EventAgentDone EventType = "agent.done"

	// EventStreamStart opens the assistant message of a stream.
	EventStreamStart EventType = "agent.stream.start"

	// EventStreamDelta carries one text chunk with a per-stream sequence.
	EventStreamDelta EventType = "agent.stream.delta"

	// EventStreamStatus reports progress such as "thinking" or "using_tool".
	EventStreamStatus EventType = "agent.stream.status"

	// EventStreamFinal closes a stream that completed normally.
	EventStreamFinal EventType = "agent.stream.final"

	// EventStreamError closes a stream that was cancelled or failed.
	EventStreamError EventType = "agent.stream.error"

	// EventSessionSwitch is emitted when a client switches to another session.
	EventSessionSwitch EventType = "session.switch"
)

// String returns the string representation of the EventType.
func (t EventType) String() string {
	return string(t)
}

// HasPrefix reports whether the type starts with any of the given prefixes.
// An empty prefix list matches every type.
func (t EventType) HasPrefix(prefixes ...string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(string(t), p) {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the type closes a stream.
func (t EventType) IsTerminal() bool {
	return t == EventStreamFinal || t == EventStreamError
}

// Event is an immutable record of something that happened. Events are
// created by producers, get their Seq from the bus at publish time and are
// retained only inside bounded windows.
//
// The bus copies Payload once at publish. The copy is then shared by the
// backlog, the stores and every subscriber, so handlers must treat it as
// read-only and use WithPayload or WithFields to derive a changed event.
type Event struct {
	// Type identifies the event.
	Type EventType `json:"type"`

	// Time is when the event was published. The bus re-stamps it so that
	// time never decreases in sequence order.
	Time time.Time `json:"ts"`

	// SessionID scopes the event to a session. Empty means global.
	SessionID string `json:"session_id,omitempty"`

	// Payload contains event-specific data. Keep it small.
	Payload map[string]any `json:"payload"`

	// Seq is unique and strictly increasing across the process lifetime.
	// It doubles as the long-poll offset.
	Seq uint64 `json:"id"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, sessionID string) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Time:      time.Now(),
		Payload:   make(map[string]any),
	}
}

// WithPayload returns a copy of the event with key set in the payload.
// The original payload map is never mutated.
func (e Event) WithPayload(key string, value any) Event {
	payload := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload[key] = value
	e.Payload = payload
	return e
}

// WithFields returns a copy of the event with all fields merged into the payload.
func (e Event) WithFields(fields map[string]any) Event {
	payload := make(map[string]any, len(e.Payload)+len(fields))
	for k, v := range e.Payload {
		payload[k] = v
	}
	for k, v := range fields {
		payload[k] = v
	}
	e.Payload = payload
	return e
}

// PayloadString reads a string field from the payload.
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadInt reads an integer field from the payload, accepting the numeric types
// produced by Go code and by JSON decoding.
func (e Event) PayloadInt(key string) (int, bool) {
	switch v := e.Payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventPublisher can publish events to subscribers. It is satisfied by
// bus.EventBus, so the runtime does not import the bus package.
type EventPublisher interface {
	Publish(event Event) Event
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)
