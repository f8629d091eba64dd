package domain

import "errors"

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	// ErrMissingCorrelation means the payload does not name an order session.
	ErrMissingCorrelation = errors.New("missing_order_session_id")
	ErrEventNotFound      = errors.New("webhook_event_not_found")
	ErrEventNotRetryable  = errors.New("webhook_event_not_retryable")
)
