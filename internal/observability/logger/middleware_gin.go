package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/orderledger/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const headerRequestID = "X-Request-Id"

// MiddlewareConfig controls request logging.
type MiddlewareConfig struct {
	// Logger defaults to the global logger.
	Logger          *zap.Logger
	Debug           bool
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware logs one line per request. Webhook keys are never logged.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := requestIDFor(c)
		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		if tenantID := strings.TrimSpace(c.Query("tenant_id")); tenantID != "" {
			ctx = obscontext.WithTenantID(ctx, tenantID)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Int64("bytes_in", max(c.Request.ContentLength, 0)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		fields = append(fields, routeFields(c, route)...)

		if lastErr := c.Errors.Last(); lastErr != nil && cfg.ErrorClassifier != nil {
			errorType, errorCode := cfg.ErrorClassifier(lastErr.Err)
			fields = append(fields, zap.String("error_type", errorType), zap.String("error_code", errorCode))
			if cfg.Debug && status >= http.StatusInternalServerError {
				fields = append(fields, zap.Stack("stack"))
			}
		}

		base := cfg.Logger
		if base == nil {
			base = zap.L()
		}
		if ce := WithContext(c.Request.Context(), base).Check(levelFor(route, status), "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func requestIDFor(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader(headerRequestID))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(headerRequestID, requestID)
	return requestID
}

func routeFields(c *gin.Context, route string) []zap.Field {
	switch {
	case strings.HasPrefix(route, "/webhooks/"):
		return []zap.Field{zap.String("provider", strings.ToLower(c.Param("provider")))}
	case strings.HasPrefix(route, "/internal/order-sessions/"):
		return []zap.Field{zap.String("order_session_id", c.Param("id"))}
	case strings.HasPrefix(route, "/internal/webhook-events/"):
		return []zap.Field{zap.String("webhook_event_id", c.Param("id"))}
	default:
		return nil
	}
}

// levelFor keeps health checks quiet and rejected provider signatures at warn, since
// providers redeliver on every failure.
func levelFor(route string, status int) zapcore.Level {
	switch {
	case route == "/health" || route == "/metrics":
		return zapcore.DebugLevel
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case strings.HasPrefix(route, "/webhooks/") && status == http.StatusUnauthorized:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
