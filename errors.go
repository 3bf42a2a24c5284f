package oauth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrOAuthDenied            = errors.New("authorization denied")
	ErrOAuthMalformedCallback = errors.New("callback missing needed parameters")
	ErrStateMismatch          = errors.New("session state does not match response state")
	ErrTokenExchange          = errors.New("token exchange failed")
	ErrTokenVerification      = errors.New("token verification failed")
	ErrTokenRefresh           = errors.New("token refresh failed")
	ErrIdentityLookup         = errors.New("identity lookup failed")
)

// StatusError is returned when an upstream endpoint answers with a non-2xx
// status. It unwraps to Kind.
type StatusError struct {
	Kind       error
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: received %d response (%s)", e.Kind, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s: received %d response", e.Kind, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.Kind
}
