// Package domain errors.go contains sentinel errors
package domain

import (
	"errors"
	"fmt"
)

// Sentinel domain-level errors reused by higher layers. Callers match them
// with errors.Is; adapters wrap them with context.
var (
	ErrPlatformUnsupported  = errors.New("platform lacks secure storage capability")
	ErrUnavailable          = errors.New("authentication hardware unavailable")
	ErrNoneEnrolled         = errors.New("no authentication credential enrolled")
	ErrAlreadyInProgress    = errors.New("authentication already in progress")
	ErrMalformedEnvelope    = errors.New("malformed envelope")
	ErrKeyInvalidated       = errors.New("key invalidated by enrollment change")
	ErrKeyNotFound          = errors.New("key not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAuthenticationError  = errors.New("authentication error")
	ErrCanceled             = errors.New("authentication canceled")
	ErrCipherFailure        = errors.New("cipher failure")
	ErrInvalidKeyName       = errors.New("invalid key name")
)

// AuthError is a hard authentication error reported by the host with its
// native error code. It matches ErrAuthenticationError.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication error (code %d)", e.Code)
	}
	return fmt.Sprintf("authentication error (code %d): %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrAuthenticationError) succeed for any AuthError.
func (e *AuthError) Is(target error) bool { return target == ErrAuthenticationError }
