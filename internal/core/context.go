package core

import "context"

type contextKey string

const ctxKeyClient contextKey = "audit_client"

// ClientInfo describes the caller of an operation for the audit trail. A
// transport embedding the engine sets it per request.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// ContextWithClient attaches caller details to ctx.
func ContextWithClient(ctx context.Context, c ClientInfo) context.Context {
	return context.WithValue(ctx, ctxKeyClient, c)
}

// ClientFromContext returns the caller details, or the zero value.
func ClientFromContext(ctx context.Context) ClientInfo {
	c, _ := ctx.Value(ctxKeyClient).(ClientInfo)
	return c
}
