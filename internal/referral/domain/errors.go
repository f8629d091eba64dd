package domain

import "errors"

var (
	ErrInvalidClaim   = errors.New("invalid_referral_claim")
	ErrInvalidRequest = errors.New("invalid_referral_request")
)
