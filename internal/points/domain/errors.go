package domain

import "errors"

var (
	ErrInvalidAccountKey = errors.New("invalid_account_key")
	ErrInvalidPoints     = errors.New("invalid_points")
	ErrAccountNotFound   = errors.New("points_account_not_found")
	// ErrPointsInsufficient is a retryable conflict: another reservation won the race.
	ErrPointsInsufficient = errors.New("POINTS_INSUFFICIENT")
	ErrConcurrentUpdate   = errors.New("points_concurrent_update")
)
