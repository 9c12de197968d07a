package security

import "context"

func withOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, OperatorKey, operator)
}

// OperatorFromContext returns the authenticated operator identity, if any.
func OperatorFromContext(ctx context.Context) (string, bool) {
	operator, ok := ctx.Value(OperatorKey).(string)
	return operator, ok
}
