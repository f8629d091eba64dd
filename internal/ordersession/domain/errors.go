package domain

import "errors"

var (
	ErrInvalidRequest      = errors.New("invalid_order_session_request")
	ErrInvalidEmail        = errors.New("invalid_customer_email")
	ErrEmptyBasket         = errors.New("empty_basket")
	ErrCurrencyMismatch    = errors.New("basket_currency_mismatch")
	ErrSessionNotFound     = errors.New("order_session_not_found")
	ErrNoPendingSession    = errors.New("no_pending_order_session")
	ErrInvalidReleaseCause = errors.New("invalid_release_reason")
)
