package sockauth

import (
	"context"

	"github.com/MrEthical07/sockauth/session"
)

type stateContextKey struct{}
type connIDContextKey struct{}

// WithState attaches a bound session state to ctx. Transports call it after a
// Proceed outcome so downstream handlers can evaluate predicates.
func WithState(ctx context.Context, state *session.State) context.Context {
	ctx = context.WithValue(ctx, stateContextKey{}, state)
	if state != nil {
		ctx = WithConnID(ctx, state.ConnID())
	}
	return ctx
}

// StateFromContext returns the state attached by WithState.
func StateFromContext(ctx context.Context) (*session.State, bool) {
	if ctx == nil {
		return nil, false
	}
	state, ok := ctx.Value(stateContextKey{}).(*session.State)
	return state, ok && state != nil
}

// WithConnID attaches a connection identifier to ctx for log correlation.
func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connIDContextKey{}, connID)
}

// ConnIDFromContext returns the connection identifier, empty when unset.
func ConnIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(connIDContextKey{}).(string)
	return id
}
