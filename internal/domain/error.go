package domain

import "errors"

var (
	// ErrDuplicateToken is returned when a token value is already taken,
	// either by a stored token or by a retired one.
	ErrDuplicateToken = errors.New("duplicate token value")

	// ErrTokenSpaceExhausted is returned when no unique token value could be
	// drawn within the attempt budget.
	ErrTokenSpaceExhausted = errors.New("token space exhausted")

	// ErrStorageUnavailable wraps persistence failures other than duplicates.
	ErrStorageUnavailable = errors.New("token storage unavailable")
)
