package oauthflow

import (
	"errors"
	"fmt"
)

// ErrStateIntegrity is the parent of every flow-state rejection. Callers
// restart the login flow when they see it.
var ErrStateIntegrity = errors.New("oauth state rejected")

var (
	// ErrInvalidState covers malformed, forged, replayed and future-dated states.
	ErrInvalidState = fmt.Errorf("%w: invalid", ErrStateIntegrity)
	// ErrExpiredState means the state verified but is older than the TTL.
	ErrExpiredState = fmt.Errorf("%w: expired", ErrStateIntegrity)
)

// ValidationError reports a bad caller-supplied parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AuthenticationError means the user must sign in again.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication required: %s: %v", e.Reason, e.Err)
	}
	return "authentication required: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// UpstreamError is a transport or server failure talking to the provider.
type UpstreamError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream failure: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// TokenExchangeError is a non-success response from the token endpoint.
type TokenExchangeError struct {
	StatusCode  int
	ErrorCode   string
	Description string
}

func (e *TokenExchangeError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token exchange failed (%d): %s: %s", e.StatusCode, e.ErrorCode, e.Description)
	}
	return fmt.Sprintf("token exchange failed (%d): %s", e.StatusCode, e.ErrorCode)
}
