package domain

import "context"

// sessionIDKey is an unexported key type so values stored here can never
// collide with another package's context values.
type sessionIDKey struct{}

// ContextWithSessionID stamps ctx with the owning session's ID. The
// orchestrator does this once per request; downstream consumers (bus
// publishes, adapters) read it back instead of threading the ID through
// every call signature.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

// SessionIDFromContext returns the session ID stamped on ctx, or "" when
// the context does not belong to a session request.
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}
