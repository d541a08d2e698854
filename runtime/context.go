package runtime

import "context"

// emitterKey is an unexported type used as the context key for EventEmitter.
type emitterKey struct{}

// turnKey is the context key for TurnInfo.
type turnKey struct{}

// ContextWithEmitter attaches an event emitter to the context. Generators use
// it to report progress such as tool use on the turn's stream.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext retrieves the event emitter from the context.
// Returns a no-op emitter if none is set.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok && emit != nil {
		return emit
	}
	return func(Event) {}
}

// TurnInfo identifies the turn a context belongs to.
type TurnInfo struct {
	StreamID  string
	SessionID string
	TraceID   string
	RequestID string
}

// ContextWithTurn attaches turn identifiers to the context.
func ContextWithTurn(ctx context.Context, info TurnInfo) context.Context {
	return context.WithValue(ctx, turnKey{}, info)
}

// TurnFromContext returns the turn identifiers stored in ctx.
func TurnFromContext(ctx context.Context) (TurnInfo, bool) {
	info, ok := ctx.Value(turnKey{}).(TurnInfo)
	return info, ok
}
