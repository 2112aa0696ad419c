package session

import "context"

type ctxKey struct{}

// WithRecord attaches a validated session record to the context so
// downstream handlers (the upstream proxy, local endpoints) can read the
// caller's identity without re-opening the cookie.
func WithRecord(ctx context.Context, rec *Record) context.Context {
	return context.WithValue(ctx, ctxKey{}, rec)
}

// RecordFromContext returns the attached record, or nil when the request
// carried no valid session.
func RecordFromContext(ctx context.Context) *Record {
	rec, _ := ctx.Value(ctxKey{}).(*Record)
	return rec
}
