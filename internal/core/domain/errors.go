package domain

import "errors"

var (
	// ErrValidation marks malformed input; retrying without fixing the input will fail again.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown product or reservation identifier.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock means fewer units are available than requested.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidState means the reservation is not in a state that allows the transition.
	ErrInvalidState = errors.New("invalid reservation state")
	// ErrExpired means the reservation TTL passed; the caller must reserve again.
	ErrExpired = errors.New("reservation expired")
	// ErrDuplicateRequest means an earlier call with the same request id has not finished yet.
	ErrDuplicateRequest = errors.New("request already in progress")
)
