package domain

import "errors"

var (
	ErrNotFound          = errors.New("booking not found")
	ErrListingNotFound   = errors.New("listing not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid booking transition")
	ErrForbidden         = errors.New("actor not allowed")
)
