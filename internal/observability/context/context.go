package context

import (
	stdctx "context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	accountIDKey
	actorTypeKey
	actorIDKey
)

func WithRequestID(ctx stdctx.Context, requestID string) stdctx.Context {
	return stdctx.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx stdctx.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithAccountID(ctx stdctx.Context, accountID string) stdctx.Context {
	return stdctx.WithValue(ctx, accountIDKey, strings.TrimSpace(accountID))
}

func AccountIDFromContext(ctx stdctx.Context) string {
	return stringValue(ctx, accountIDKey)
}

// WithActor records who initiated the work, e.g. ("user", id) or ("system", "scheduler").
func WithActor(ctx stdctx.Context, actorType, actorID string) stdctx.Context {
	ctx = stdctx.WithValue(ctx, actorTypeKey, strings.TrimSpace(actorType))
	return stdctx.WithValue(ctx, actorIDKey, strings.TrimSpace(actorID))
}

func ActorFromContext(ctx stdctx.Context) (string, string) {
	return stringValue(ctx, actorTypeKey), stringValue(ctx, actorIDKey)
}

func stringValue(ctx stdctx.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
