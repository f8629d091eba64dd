package domain

import (
	"errors"

	"github.com/cenkalti/backoff/v5"
)

var (
	ErrNoPaidLogChannel      = errors.New("paid_log_channel_not_configured")
	ErrInvalidCorrelation    = errors.New("invalid_order_session_id")
	ErrSessionTenantMismatch = errors.New("order_session_tenant_mismatch")
	ErrEventNotProcessable   = errors.New("webhook_event_not_processable")
)

// Permanent wraps err so the retry queue fails the event without retrying.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return backoff.Permanent(err)
}

func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
