package context

import (
	stdcontext "context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	orderIDKey   ctxKey = "order_id"
	actorTypeKey ctxKey = "actor_type"
	actorIDKey   ctxKey = "actor_id"
)

// WithRequestID stores the correlation id for the current request.
func WithRequestID(ctx stdcontext.Context, requestID string) stdcontext.Context {
	return withString(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx stdcontext.Context) string {
	return stringFrom(ctx, requestIDKey)
}

// WithOrderID tags the context with the order being paid or settled.
func WithOrderID(ctx stdcontext.Context, orderID string) stdcontext.Context {
	return withString(ctx, orderIDKey, orderID)
}

func OrderIDFromContext(ctx stdcontext.Context) string {
	return stringFrom(ctx, orderIDKey)
}

func WithActor(ctx stdcontext.Context, actorType, actorID string) stdcontext.Context {
	ctx = withString(ctx, actorTypeKey, actorType)
	return withString(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx stdcontext.Context) (string, string) {
	return stringFrom(ctx, actorTypeKey), stringFrom(ctx, actorIDKey)
}

func withString(ctx stdcontext.Context, key ctxKey, value string) stdcontext.Context {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return stdcontext.WithValue(ctx, key, value)
}

func stringFrom(ctx stdcontext.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
