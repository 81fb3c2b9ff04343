package store

import "context"

// The engine stamps the external user and the raw sender of the current
// turn onto the run context; tools and spawned subagents read them back
// for per-user scoping.
type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeySenderID
)

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func WithSenderID(ctx context.Context, senderID string) context.Context {
	return context.WithValue(ctx, ctxKeySenderID, senderID)
}

func SenderIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeySenderID).(string)
	return id
}
