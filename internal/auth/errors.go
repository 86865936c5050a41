package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthDenied is returned when the user declined consent.
	ErrAuthDenied = errors.New("authorization denied")
	// ErrAuthCancelled is returned when the user agent closed without a redirect.
	ErrAuthCancelled = errors.New("authorization cancelled")
	// ErrExchangeFailed is returned when the code exchange failed. Restart the
	// whole flow; the code cannot be reused.
	ErrExchangeFailed = errors.New("authorization code exchange failed")
	// ErrCodeReplayed is returned when an authorization code is exchanged twice.
	ErrCodeReplayed = errors.New("authorization code already used")
	// ErrStateMismatch is returned when the redirect carries an unexpected state.
	ErrStateMismatch = errors.New("authorization state mismatch")
	// ErrInvalidFlowState is returned when a flow step is called out of order.
	ErrInvalidFlowState = errors.New("invalid authorization flow state")
	// ErrInvalidRedirect is returned for a redirect that is not for our
	// redirect URI or carries neither code nor error.
	ErrInvalidRedirect = errors.New("invalid authorization redirect")

	ErrRefreshRevoked   = errors.New("refresh token revoked")
	ErrRefreshTransient = errors.New("refresh temporarily unavailable")
	ErrRefreshUnknown   = errors.New("refresh failed")

	// ErrNotConnected is returned when no token set is stored.
	ErrNotConnected = errors.New("calendar not connected")
	// ErrReauthRequired is returned when the stored token expired and cannot be
	// refreshed.
	ErrReauthRequired = errors.New("interactive re-authorization required")
)

// RefreshErrorKind classifies refresh failures.
type RefreshErrorKind int

const (
	RefreshUnknown RefreshErrorKind = iota
	RefreshRevoked
	RefreshTransient
)

func (k RefreshErrorKind) String() string {
	switch k {
	case RefreshRevoked:
		return "Revoked"
	case RefreshTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// RefreshError describes a failed refresh-token grant.
type RefreshError struct {
	Kind RefreshErrorKind
	// Status is the HTTP status, 0 for network failures.
	Status int
	// Code is the OAuth error code from the response body, if any.
	Code string
	Err  error
}

func (e *RefreshError) Error() string {
	msg := fmt.Sprintf("token refresh failed (%s)", e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" with status %d", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RefreshError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case RefreshRevoked:
		sentinel = ErrRefreshRevoked
	case RefreshTransient:
		sentinel = ErrRefreshTransient
	default:
		sentinel = ErrRefreshUnknown
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// ExchangeError preserves the token endpoint response of a failed code
// exchange for diagnostics.
type ExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("token exchange failed: %v", e.Err)
	}
	return fmt.Sprintf("token exchange failed with status %d: %s", e.Status, e.Body)
}

func (e *ExchangeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExchangeFailed}
	}
	return []error{ErrExchangeFailed, e.Err}
}

// NeedsReauth reports whether err should surface a "sign in again" prompt.
// Every other failure is retried or logged without interrupting the user.
func NeedsReauth(err error) bool {
	return errors.Is(err, ErrAuthDenied) ||
		errors.Is(err, ErrRefreshRevoked) ||
		errors.Is(err, ErrReauthRequired)
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Kind != RefreshRevoked
	}
	return false
}
