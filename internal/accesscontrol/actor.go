package accesscontrol

import "context"

// DefaultActor is recorded when a request carries no operator identity.
const DefaultActor = "agent"

type actorKey struct{}

// WithActor attaches the operator identity used for audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the operator identity carried by ctx.
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultActor
}
