package auth

import "time"

// DefaultRefreshSkew is how long before expiry a token is refreshed proactively.
const DefaultRefreshSkew = 60 * time.Second

// Validity is the outcome of validating a token set at an instant.
type Validity int

const (
	Unauthenticated Validity = iota
	Authenticated
	// ExpiringSoon means the token is still usable but inside the refresh skew.
	ExpiringSoon
	Expired
)

func (v Validity) String() string {
	switch v {
	case Unauthenticated:
		return "Unauthenticated"
	case Authenticated:
		return "Authenticated"
	case ExpiringSoon:
		return "ExpiringSoon"
	case Expired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// Usable reports whether the access token can still be sent.
func (v Validity) Usable() bool {
	return v == Authenticated || v == ExpiringSoon
}

// NeedsRefresh reports whether a refresh should be attempted.
func (v Validity) NeedsRefresh() bool {
	return v == ExpiringSoon || v == Expired
}

// Validate decides whether ts is usable at now. It has no side effects.
func Validate(ts *TokenSet, now time.Time, skew time.Duration) Validity {
	if ts == nil || ts.AccessToken == "" {
		return Unauthenticated
	}
	if now.After(ts.ExpiresAt) {
		return Expired
	}
	if ts.ExpiresAt.Sub(now) < skew {
		return ExpiringSoon
	}
	return Authenticated
}
