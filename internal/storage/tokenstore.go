package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raine/calendar-connect/internal/auth"
)

// DefaultAccount is used when no account name is configured.
const DefaultAccount = "default"

// Verification reports which slots hold a value.
type Verification struct {
	AccessTokenStored  bool
	RefreshTokenStored bool
	ExpiryStored       bool
	AllStored          bool
}

// TokenStore persists one account's token set. It implements auth.TokenStore.
type TokenStore struct {
	backend Backend
	account string

	// Serializes write + read-back so a writer observes its own data.
	mu sync.Mutex
}

var _ auth.TokenStore = (*TokenStore)(nil)

func NewTokenStore(backend Backend, account string) *TokenStore {
	if account == "" {
		account = DefaultAccount
	}
	return &TokenStore{backend: backend, account: account}
}

// Account returns the account namespace of the store.
func (s *TokenStore) Account() string {
	return s.account
}

func (s *TokenStore) key(slot string) string {
	return s.account + ":" + slot
}

// Write persists ts. A nil refresh token keeps the stored one. The written
// data is read back and compared before returning.
func (s *TokenStore) Write(ctx context.Context, ts auth.TokenSet) error {
	if ts.AccessToken == "" {
		return fmt.Errorf("%w: token set has no access token", ErrStorageFailure)
	}
	if ts.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: token set has no expiry", ErrStorageFailure)
	}

	values := map[string]string{
		s.key(SlotAccessToken): ts.AccessToken,
		s.key(SlotExpiresAt):   ts.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
	if ts.HasRefreshToken() {
		values[s.key(SlotRefreshToken)] = *ts.RefreshToken
	}
	if len(ts.Scope) > 0 {
		values[s.key(SlotScope)] = strings.Join(ts.Scope, " ")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.SetMulti(ctx, values); err != nil {
		return fmt.Errorf("%w: write: %w", ErrStorageFailure, err)
	}

	stored, err := s.read(ctx)
	if err != nil {
		return fmt.Errorf("verify write: %w", err)
	}
	if !matches(stored, ts) {
		return fmt.Errorf("%w: stored token set does not match written one", ErrStorageFailure)
	}

	log.Debug().Str("account", s.account).Time("expiresAt", ts.ExpiresAt).Bool("refreshToken", stored.HasRefreshToken()).Msg("token set stored")
	return nil
}

func matches(stored *auth.TokenSet, written auth.TokenSet) bool {
	if stored == nil {
		return false
	}
	if stored.AccessToken != written.AccessToken || !stored.ExpiresAt.Equal(written.ExpiresAt) {
		return false
	}
	if written.HasRefreshToken() && stored.RefreshTokenValue() != written.RefreshTokenValue() {
		return false
	}
	return true
}

// Read returns the stored token set, or nil, nil when nothing is stored.
func (s *TokenStore) Read(ctx context.Context) (*auth.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(ctx)
}

func (s *TokenStore) read(ctx context.Context) (*auth.TokenSet, error) {
	access, ok, err := s.backend.Get(ctx, s.key(SlotAccessToken))
	if err != nil {
		return nil, fmt.Errorf("%w: read access token: %w", ErrStorageFailure, err)
	}
	if !ok || access == "" {
		return nil, nil
	}

	expires, ok, err := s.backend.Get(ctx, s.key(SlotExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("%w: read expiry: %w", ErrStorageFailure, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: access token stored without expiry", ErrStorageFailure)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, expires)
	if err != nil {
		return nil, fmt.Errorf("%w: parse expiry: %w", ErrStorageFailure, err)
	}

	refresh, _, err := s.backend.Get(ctx, s.key(SlotRefreshToken))
	if err != nil {
		return nil, fmt.Errorf("%w: read refresh token: %w", ErrStorageFailure, err)
	}
	scope, _, err := s.backend.Get(ctx, s.key(SlotScope))
	if err != nil {
		return nil, fmt.Errorf("%w: read scope: %w", ErrStorageFailure, err)
	}

	return &auth.TokenSet{
		AccessToken:  access,
		RefreshToken: auth.StringPtr(refresh),
		ExpiresAt:    expiresAt,
		Scope:        auth.ParseScope(scope),
	}, nil
}

// Clear removes every slot of the account, including the cached profile.
func (s *TokenStore) Clear(ctx context.Context) error {
	keys := make([]string, len(allSlots))
	for i, slot := range allSlots {
		keys[i] = s.key(slot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.DeleteMulti(ctx, keys...); err != nil {
		return fmt.Errorf("%w: clear: %w", ErrStorageFailure, err)
	}
	log.Info().Str("account", s.account).Msg("stored tokens cleared")
	return nil
}

// Verify reports which token slots are populated.
func (s *TokenStore) Verify(ctx context.Context) (Verification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v Verification
	for slot, dst := range map[string]*bool{
		SlotAccessToken:  &v.AccessTokenStored,
		SlotRefreshToken: &v.RefreshTokenStored,
		SlotExpiresAt:    &v.ExpiryStored,
	} {
		value, ok, err := s.backend.Get(ctx, s.key(slot))
		if err != nil {
			return Verification{}, fmt.Errorf("%w: verify %s: %w", ErrStorageFailure, slot, err)
		}
		*dst = ok && value != ""
	}
	v.AllStored = v.AccessTokenStored && v.RefreshTokenStored && v.ExpiryStored
	return v, nil
}

// SaveProfile caches the connected account's profile.
func (s *TokenStore) SaveProfile(ctx context.Context, p auth.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := s.backend.SetMulti(ctx, map[string]string{s.key(SlotProfile): string(data)}); err != nil {
		return fmt.Errorf("%w: save profile: %w", ErrStorageFailure, err)
	}
	return nil
}

// Profile returns the cached profile, or nil, nil if there is none.
func (s *TokenStore) Profile(ctx context.Context) (*auth.Profile, error) {
	data, ok, err := s.backend.Get(ctx, s.key(SlotProfile))
	if err != nil {
		return nil, fmt.Errorf("%w: read profile: %w", ErrStorageFailure, err)
	}
	if !ok {
		return nil, nil
	}
	var p auth.Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("%w: unmarshal profile: %w", ErrStorageFailure, err)
	}
	return &p, nil
}
