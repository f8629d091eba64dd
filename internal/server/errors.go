package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/orderledger/internal/ordersession/domain"
	pointsdomain "github.com/smallbiznis/orderledger/internal/points/domain"
	referraldomain "github.com/smallbiznis/orderledger/internal/referral/domain"
	tenantdomain "github.com/smallbiznis/orderledger/internal/tenant/domain"
	webhookdomain "github.com/smallbiznis/orderledger/internal/webhook/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, webhookdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, pointsdomain.ErrPointsInsufficient):
		return http.StatusConflict, errorPayload{
			Type:    "points_insufficient",
			Message: "not enough available points",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, pointsdomain.ErrConcurrentUpdate),
		errors.Is(err, webhookdomain.ErrEventNotRetryable):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, tenantdomain.ErrEncryptionKeyMissing):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the envelope type and a stable code for
// request logs.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, errInvalidSnowflakeID),
		errors.Is(err, orderdomain.ErrInvalidRequest),
		errors.Is(err, orderdomain.ErrInvalidEmail),
		errors.Is(err, orderdomain.ErrEmptyBasket),
		errors.Is(err, orderdomain.ErrCurrencyMismatch),
		errors.Is(err, orderdomain.ErrInvalidReleaseCause),
		errors.Is(err, pointsdomain.ErrInvalidAccountKey),
		errors.Is(err, pointsdomain.ErrInvalidPoints),
		errors.Is(err, referraldomain.ErrInvalidClaim),
		errors.Is(err, referraldomain.ErrInvalidRequest),
		errors.Is(err, webhookdomain.ErrInvalidProvider),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrMissingCorrelation):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, orderdomain.ErrSessionNotFound),
		errors.Is(err, orderdomain.ErrNoPendingSession),
		errors.Is(err, pointsdomain.ErrAccountNotFound),
		errors.Is(err, tenantdomain.ErrGuildConfigNotFound),
		errors.Is(err, tenantdomain.ErrProductNotFound),
		errors.Is(err, tenantdomain.ErrVariantNotFound),
		errors.Is(err, tenantdomain.ErrIntegrationNotFound),
		errors.Is(err, webhookdomain.ErrProviderNotFound),
		errors.Is(err, webhookdomain.ErrEventNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, errInvalidSnowflakeID):
		return errInvalidSnowflakeID.Error()
	default:
		for _, sentinel := range validationSentinels {
			if errors.Is(err, sentinel) {
				return sentinel.Error()
			}
		}
		return err.Error()
	}
}

var validationSentinels = []error{
	orderdomain.ErrInvalidRequest,
	orderdomain.ErrInvalidEmail,
	orderdomain.ErrEmptyBasket,
	orderdomain.ErrCurrencyMismatch,
	orderdomain.ErrInvalidReleaseCause,
	pointsdomain.ErrInvalidAccountKey,
	pointsdomain.ErrInvalidPoints,
	referraldomain.ErrInvalidClaim,
	referraldomain.ErrInvalidRequest,
	webhookdomain.ErrInvalidProvider,
	webhookdomain.ErrInvalidPayload,
	webhookdomain.ErrMissingCorrelation,
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
