package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/orderledger/internal/webhook/domain"
)

type webhookEventResponse struct {
	ID             snowflake.ID         `json:"id"`
	TenantID       snowflake.ID         `json:"tenant_id"`
	Provider       string               `json:"provider"`
	Topic          string               `json:"topic"`
	SignatureValid bool                 `json:"signature_valid"`
	Status         webhookdomain.Status `json:"status"`
	AttemptCount   int                  `json:"attempt_count"`
	FailureReason  string               `json:"failure_reason,omitempty"`
	NextRetryAt    *time.Time           `json:"next_retry_at,omitempty"`
	ReceivedAt     time.Time            `json:"received_at"`
	ProcessedAt    *time.Time           `json:"processed_at,omitempty"`
}

func newWebhookEventResponse(event *webhookdomain.Event) webhookEventResponse {
	return webhookEventResponse{
		ID:             event.ID,
		TenantID:       event.TenantID,
		Provider:       event.Provider,
		Topic:          event.Topic,
		SignatureValid: event.SignatureValid,
		Status:         event.Status,
		AttemptCount:   event.AttemptCount,
		FailureReason:  event.FailureReason,
		NextRetryAt:    event.NextRetryAt,
		ReceivedAt:     event.ReceivedAt,
		ProcessedAt:    event.ProcessedAt,
	}
}

// eventScope reads the tenant owning the event from the tenant_id query
// parameter.
func eventScope(c *gin.Context) (tenantID, eventID snowflake.ID, err error) {
	eventID, err = parseSnowflakeID(c.Param("id"))
	if err != nil {
		return 0, 0, err
	}
	tenantID, err = parseSnowflakeID(c.Query("tenant_id"))
	if err != nil {
		return 0, 0, newValidationError("tenant_id", "invalid_tenant_id", "tenant_id is required")
	}
	return tenantID, eventID, nil
}

func (s *Server) GetWebhookEvent(c *gin.Context) {
	tenantID, eventID, err := eventScope(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := s.webhooks.GetEvent(c.Request.Context(), tenantID, eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newWebhookEventResponse(event))
}

func (s *Server) RetryWebhookEvent(c *gin.Context) {
	tenantID, eventID, err := eventScope(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	event, err := s.webhooks.RetryFailedEvent(c.Request.Context(), tenantID, eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, newWebhookEventResponse(event))
}
