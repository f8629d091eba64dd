package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedEngine(t *testing.T) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		Logger: zap.New(core),
		ErrorClassifier: func(err error) (string, string) {
			return "internal_error", "boom"
		},
	}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/webhooks/:provider/:webhookKey", func(c *gin.Context) { c.Status(http.StatusUnauthorized) })
	r.GET("/internal/order-sessions/:id", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
		c.Status(http.StatusInternalServerError)
	})
	return r, logs
}

func TestGinMiddlewareLevels(t *testing.T) {
	r, logs := newObservedEngine(t)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodPost, "/webhooks/WooCommerce/secret-key", nil),
		httptest.NewRequest(http.MethodGet, "/internal/order-sessions/42?tenant_id=7", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)

	webhook := entries[1].ContextMap()
	assert.Equal(t, "woocommerce", webhook["provider"])
	assert.Equal(t, "/webhooks/:provider/:webhookKey", webhook["route"])
	assert.NotContains(t, webhook, "webhookKey")

	session := entries[2].ContextMap()
	assert.Equal(t, "42", session["order_session_id"])
	assert.Equal(t, "7", session["tenant_id"])
	assert.Equal(t, "internal_error", session["error_type"])
	assert.Equal(t, int64(500), session["status"])
}

func TestGinMiddlewareRequestID(t *testing.T) {
	r, logs := newObservedEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(headerRequestID, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(headerRequestID))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "req-123", logs.All()[0].ContextMap()["request_id"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}
