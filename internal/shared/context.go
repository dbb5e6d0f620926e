package shared

import "context"

// Actor identifies the authenticated principal for the current request.
type Actor struct {
	ID   string
	Role Role
}

// ClientMeta carries request client metadata captured for audit records.
type ClientMeta struct {
	Address   string
	UserAgent string
}

type actorContextKey struct{}

type clientContextKey struct{}

// ContextWithActor stores the authenticated actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the authenticated actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || actor.ID == "" {
		return Actor{}, false
	}
	return actor, true
}

// ContextWithClient stores client address and agent for audit capture.
func ContextWithClient(ctx context.Context, meta ClientMeta) context.Context {
	return context.WithValue(ctx, clientContextKey{}, meta)
}

// ClientFromContext extracts client metadata if capture is enabled.
func ClientFromContext(ctx context.Context) (ClientMeta, bool) {
	meta, ok := ctx.Value(clientContextKey{}).(ClientMeta)
	return meta, ok
}
