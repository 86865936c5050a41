// Package auth implements Google OAuth2 authorization for calendar access.
// It covers:
//  1. Token validation against the current time
//  2. The authorization-code flow with PKCE
//  3. Refresh-token grants with at most one refresh in flight per token
package auth

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// TokenSet is the unit of authorization state.
type TokenSet struct {
	AccessToken string `json:"access_token"`
	// RefreshToken is nil when the authorization server withheld it.
	RefreshToken *string   `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        []string  `json:"scope,omitempty"`
}

// Profile is the cached user profile of the connected account.
type Profile struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// TokenStore is the persistence the flow controller and refresher write
// through. It is implemented by storage.TokenStore.
type TokenStore interface {
	Read(ctx context.Context) (*TokenSet, error)
	Write(ctx context.Context, ts TokenSet) error
	Clear(ctx context.Context) error
	SaveProfile(ctx context.Context, p Profile) error
}

// HasRefreshToken reports whether a non-empty refresh token is present.
func (t *TokenSet) HasRefreshToken() bool {
	return t != nil && t.RefreshToken != nil && *t.RefreshToken != ""
}

// RefreshTokenValue returns the refresh token or "" when absent.
func (t *TokenSet) RefreshTokenValue() string {
	if !t.HasRefreshToken() {
		return ""
	}
	return *t.RefreshToken
}

// Merge returns next with the refresh token of t carried over when next has
// none. Used when a refresh response does not rotate the refresh token.
func (t *TokenSet) Merge(next TokenSet) TokenSet {
	if !next.HasRefreshToken() && t.HasRefreshToken() {
		rt := *t.RefreshToken
		next.RefreshToken = &rt
	}
	if len(next.Scope) == 0 && t != nil {
		next.Scope = append([]string(nil), t.Scope...)
	}
	return next
}

// OAuth2Token converts the set for use with golang.org/x/oauth2 clients.
func (t TokenSet) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: t.RefreshTokenValue(),
		Expiry:       t.ExpiresAt,
	}
}

// StringPtr returns a pointer to s, or nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ParseScope splits a space-delimited scope string.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}
