package ctx

import (
	"context"
)

// ID of a proxied flow, used to tag log records belonging to the same session.
type ID uint32

type ctxKey int

const idKey ctxKey = 0

// ContextWithID returns a new context with the given flow ID.
func ContextWithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// IDFromContext returns the flow ID attached to this context, or 0 if there is none.
func IDFromContext(ctx context.Context) ID {
	if id, ok := ctx.Value(idKey).(ID); ok {
		return id
	}
	return 0
}
