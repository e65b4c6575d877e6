package logger

import "context"

type requestIDKey struct{}

// ContextWithRequestID stores id for later log lines.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID stored in ctx, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// FromContext returns log annotated with the request ID carried by ctx.
func FromContext(ctx context.Context, log Logger) Logger {
	if id := RequestID(ctx); id != "" {
		return log.WithFields(map[string]interface{}{"requestId": id})
	}
	return log
}
