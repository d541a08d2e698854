// Package bus provides the in-process event distribution of the jarvis
// streaming core. Producers publish events on an EventBus; the bus assigns
// sequence numbers, keeps a bounded backlog and fans events out to
// subscribers synchronously. An EventStore keeps an ordered, queryable log
// of published events for offset-based and long-poll readers.
package bus

import "github.com/petal-labs/jarvis/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish assigns the next sequence number, records the event in the
	// backlog and delivers it to every matching subscriber. It returns the
	// published event. Subscriber failures never reach the publisher.
	Publish(event runtime.Event) runtime.Event

	// Subscribe registers a global handler for one event type or for
	// runtime.Wildcard.
	Subscribe(eventType runtime.EventType, handler runtime.EventHandler) Subscription

	// SubscribeSession registers a handler that only receives events of the
	// given type (or runtime.Wildcard) scoped to sessionID.
	SubscribeSession(sessionID string, eventType runtime.EventType, handler runtime.EventHandler) Subscription

	// Backlog returns the retained window filtered by f, in sequence order.
	Backlog(f Filter) []runtime.Event

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription is a handle to a registered handler.
type Subscription interface {
	// Unsubscribe removes the handler. It is safe to call more than once.
	Unsubscribe()
}

// Filter selects backlog events. Empty fields match everything.
type Filter struct {
	Type      runtime.EventType
	SessionID string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e runtime.Event) bool {
	if f.Type != "" && f.Type != runtime.Wildcard && e.Type != f.Type {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	return true
}
