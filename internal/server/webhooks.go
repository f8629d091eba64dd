package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/orderledger/internal/webhook/domain"
)

const maxWebhookBody = 1 << 20

// HandleProviderWebhook accepts a provider callback. Duplicates answer 200 so
// providers stop redelivering.
func (s *Server) HandleProviderWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	webhookKey := strings.TrimSpace(c.Param("webhookKey"))

	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, newValidationError("body", "payload_too_large", "payload too large"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhooks.HandleCallback(c.Request.Context(), provider, webhookKey, webhookInbound(c, payload))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func webhookInbound(c *gin.Context, body []byte) webhookdomain.Inbound {
	return webhookdomain.Inbound{
		Headers: c.Request.Header.Clone(),
		Query:   c.Request.URL.Query(),
		Body:    body,
	}
}
