package sqgraph

import (
	"context"

	"github.com/liliang-cn/sqgraph/pkg/events"
)

type actorKey struct{}

// WithActor returns a context whose mutations are recorded under actor
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor of ctx, "system" when none was set
func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return events.DefaultActor
}
