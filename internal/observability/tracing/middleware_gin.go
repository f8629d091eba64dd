package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/orderledger/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	surfaceWebhook  = "webhook"
	surfaceInternal = "internal"
	surfaceOps      = "ops"
)

// GinMiddleware opens one server span per request. Provider callbacks and bot
// calls are told apart by the surface attribute.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("orderledger/http")
	return func(c *gin.Context) {
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+c.Request.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		span.SetName(c.Request.Method + " " + route)
		span.SetAttributes(SafeAttributes(append(routeAttributes(c, route),
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
		)...)...)

		status := c.Writer.Status()
		switch {
		case status >= http.StatusInternalServerError:
			if lastErr := c.Errors.Last(); lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, "request failed")
		case status == http.StatusUnauthorized && strings.HasPrefix(route, "/webhooks/"):
			span.AddEvent("webhook.rejected")
		}
	}
}

func routeAttributes(c *gin.Context, route string) []attribute.KeyValue {
	switch {
	case strings.HasPrefix(route, "/webhooks/"):
		return []attribute.KeyValue{
			attribute.String("surface", surfaceWebhook),
			attribute.String("webhook.provider", strings.ToLower(c.Param("provider"))),
		}
	case strings.HasPrefix(route, "/internal/order-sessions/"):
		return []attribute.KeyValue{
			attribute.String("surface", surfaceInternal),
			attribute.String("order_session.id", c.Param("id")),
		}
	case strings.HasPrefix(route, "/internal/webhook-events/"):
		return []attribute.KeyValue{
			attribute.String("surface", surfaceInternal),
			attribute.String("webhook_event.id", c.Param("id")),
			attribute.String("tenant.id", c.Query("tenant_id")),
		}
	case strings.HasPrefix(route, "/internal/"):
		return []attribute.KeyValue{attribute.String("surface", surfaceInternal)}
	default:
		return []attribute.KeyValue{attribute.String("surface", surfaceOps)}
	}
}
