// Package context carries correlation identifiers across request and worker boundaries.
package context

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	tenantIDKey
	eventIDKey
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, strings.TrimSpace(tenantID))
}

func TenantIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(tenantIDKey).(string)
	return value
}

// WithWebhookEventID tags work executed on behalf of a webhook event.
func WithWebhookEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, eventIDKey, strings.TrimSpace(eventID))
}

func WebhookEventIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(eventIDKey).(string)
	return value
}
