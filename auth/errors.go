package auth

import (
	"errors"
	"fmt"
)

// Outcomes of a sign-in attempt. Callers classify with errors.Is.
var (
	// ErrConfiguration means the client registration or server setup is
	// wrong. Retrying will not help.
	ErrConfiguration = errors.New("auth: configuration error")
	// ErrStateMismatch means the callback's state did not match the pending
	// login. It is treated as a possible forgery.
	ErrStateMismatch = errors.New("auth: state mismatch")
	// ErrInvalidGrant means the code was rejected, already used, expired,
	// or there was no pending login to complete.
	ErrInvalidGrant = errors.New("auth: invalid grant")
	// ErrNetwork means the identity provider could not be reached in time.
	ErrNetwork = errors.New("auth: identity provider unavailable")
)

// ProviderError is an OAuth error code returned by the identity provider,
// either on the callback or from the token endpoint.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}
