package medorder

import "context"

type contextKey string

const (
	actorKey       contextKey = "medorder_actor"
	correlationKey contextKey = "medorder_correlation"
)

// WithRequestInfo attaches the acting user and the request correlation id
// that are stamped on emitted events.
func WithRequestInfo(ctx context.Context, actor, correlationID string) context.Context {
	ctx = context.WithValue(ctx, actorKey, actor)
	return context.WithValue(ctx, correlationKey, correlationID)
}

// ActorFromContext returns the acting user, if any
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ""
}

func correlationFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}
