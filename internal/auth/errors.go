package auth

import (
	"errors"
	"fmt"
	"time"
)

// ConfigurationError indicates that a provider or authenticator was
// constructed with incomplete configuration (e.g., a missing client ID).
// It is fatal: re-running the command without fixing the configuration
// cannot succeed.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("oauth configuration (%s): %s", e.Provider, e.Reason)
	}
	return "oauth configuration: " + e.Reason
}

// PortUnavailableError indicates that the local callback server could not
// bind any port in the scanned range.
type PortUnavailableError struct {
	Start    int
	Attempts int
}

func (e *PortUnavailableError) Error() string {
	return fmt.Sprintf(
		"no available callback port in range %d-%d; free a port and retry",
		e.Start, e.Start+e.Attempts-1,
	)
}

// CallbackError indicates that the provider redirect was malformed or
// carried an explicit error (e.g., the user denied consent).
type CallbackError struct {
	Code        string
	Description string
}

func (e *CallbackError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth callback error: %s (%s)", e.Code, e.Description)
	}
	return "oauth callback error: " + e.Code
}

// TimeoutError indicates that the browser authorization step was not
// completed within the flow timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for browser authorization; re-run the auth command", e.After)
}

// StateMismatchError indicates that the state echoed back by the provider
// does not match the value generated for this flow. This is the CSRF check
// failing; it is never retried and never silently accepted.
type StateMismatchError struct{}

func (e *StateMismatchError) Error() string {
	return "oauth state mismatch: callback does not belong to this authorization attempt"
}

// TokenExchangeError indicates that exchanging the authorization code for
// tokens failed.
type TokenExchangeError struct {
	Provider string
	Err      error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange (%s) failed: %v", e.Provider, e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenRefreshError indicates a transient failure refreshing an access
// token (network error, 5xx, undecodable response). It is retry-worthy,
// unlike AuthExpiredError.
type TokenRefreshError struct {
	Provider string
	Err      error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh (%s) failed: %v", e.Provider, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// AuthExpiredError indicates that the stored authorization is no longer
// usable (missing or rejected refresh token). The only remedy is a full
// interactive re-authentication; it must not be retried as if transient.
type AuthExpiredError struct {
	Account string
	Reason  string
}

func (e *AuthExpiredError) Error() string {
	if e.Account != "" {
		return fmt.Sprintf("authorization expired for %s: %s; re-run the auth command", e.Account, e.Reason)
	}
	return "authorization expired: " + e.Reason
}

// AuthenticationError indicates that the IMAP server rejected the
// credential or token at protocol level. The message names the account,
// never the secret.
type AuthenticationError struct {
	Account string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Account, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ValidationError indicates that a token record failed local validation
// before persistence (e.g., empty access token, unsafe account name).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid token record: %s %s", e.Field, e.Reason)
}

// IsAuthExpired reports whether err (or any error in its chain) requires a
// full interactive re-authentication.
func IsAuthExpired(err error) bool {
	var expired *AuthExpiredError
	return errors.As(err, &expired)
}

// IsStateMismatch reports whether err is a failed CSRF state check.
func IsStateMismatch(err error) bool {
	var mismatch *StateMismatchError
	return errors.As(err, &mismatch)
}
