package auth

import "errors"

// Sentinel errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrNotConfigured      = errors.New("operator login is not configured")
)
