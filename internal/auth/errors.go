package auth

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrTokenExpired wraps ErrInvalidToken so either sentinel matches.
	ErrTokenExpired = fmt.Errorf("%w: expired", ErrInvalidToken)
)
