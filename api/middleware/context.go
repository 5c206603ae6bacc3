package middleware

import "context"

type contextKey string

const (
	ctxRequestID contextKey = "request_id"
	ctxOperator  contextKey = "operator"
)

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		return v
	}
	return ""
}

// OperatorFromContext returns the operator label attached by AdminAuth.
func OperatorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxOperator).(string); ok {
		return v
	}
	return ""
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func withOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, ctxOperator, operator)
}
