package log

import "context"

type ctxKey struct{}

// WithContext returns a context carrying l. Request middleware stores an
// enriched logger here so handlers and the gate log with request_id and
// enduser attributes.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger stored in ctx, or Nop.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}
