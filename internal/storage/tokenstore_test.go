package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/calendar-connect/internal/auth"
)

var expiry = time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)

func ptr(s string) *string {
	return &s
}

// backends returns each backend implementation to run the store tests on.
func backends(t *testing.T) map[string]Backend {
	t.Helper()

	sqlite, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	encrypted, err := NewEncryptedBackend(NewMemoryBackend(), DeriveKey("passphrase", []byte("salt")))
	require.NoError(t, err)

	return map[string]Backend{
		"memory":    NewMemoryBackend(),
		"sqlite":    sqlite,
		"encrypted": encrypted,
	}
}

func TestTokenStore_RoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewTokenStore(b, "alice")

			ts := auth.TokenSet{
				AccessToken:  "a1",
				RefreshToken: ptr("r1"),
				ExpiresAt:    expiry,
				Scope:        []string{"openid", auth.CalendarScope},
			}
			require.NoError(t, s.Write(ctx, ts))

			got, err := s.Read(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "a1", got.AccessToken)
			assert.Equal(t, "r1", got.RefreshTokenValue())
			assert.True(t, expiry.Equal(got.ExpiresAt))
			assert.Equal(t, ts.Scope, got.Scope)
		})
	}
}

func TestTokenStore_WriteWithoutRefreshTokenKeepsPrevious(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewTokenStore(b, "alice")

			require.NoError(t, s.Write(ctx, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: expiry}))
			require.NoError(t, s.Write(ctx, auth.TokenSet{AccessToken: "a2", ExpiresAt: expiry.Add(time.Hour)}))

			got, err := s.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, "a2", got.AccessToken)
			assert.Equal(t, "r1", got.RefreshTokenValue())
			assert.True(t, expiry.Add(time.Hour).Equal(got.ExpiresAt))
		})
	}
}

func TestTokenStore_ClearLeavesNoResidue(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := NewTokenStore(b, "alice")

			require.NoError(t, s.Write(ctx, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: expiry, Scope: []string{"openid"}}))
			require.NoError(t, s.SaveProfile(ctx, auth.Profile{Subject: "1", Email: "alice@example.com"}))
			require.NoError(t, s.Clear(ctx))

			got, err := s.Read(ctx)
			require.NoError(t, err)
			assert.Nil(t, got)

			for _, slot := range allSlots {
				_, ok, err := b.Get(ctx, "alice:"+slot)
				require.NoError(t, err)
				assert.False(t, ok, "slot %s survived clear", slot)
			}

			v, err := s.Verify(ctx)
			require.NoError(t, err)
			assert.Equal(t, Verification{}, v)

			p, err := s.Profile(ctx)
			require.NoError(t, err)
			assert.Nil(t, p)
		})
	}
}

func TestTokenStore_ReadEmpty(t *testing.T) {
	s := NewTokenStore(NewMemoryBackend(), "")
	got, err := s.Read(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, DefaultAccount, s.Account())
}

func TestTokenStore_Verify(t *testing.T) {
	ctx := context.Background()
	s := NewTokenStore(NewMemoryBackend(), "alice")

	require.NoError(t, s.Write(ctx, auth.TokenSet{AccessToken: "a1", ExpiresAt: expiry}))
	v, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, Verification{AccessTokenStored: true, ExpiryStored: true}, v)

	require.NoError(t, s.Write(ctx, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: expiry}))
	v, err = s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, v.AllStored)
}

func TestTokenStore_RejectsIncompleteSet(t *testing.T) {
	ctx := context.Background()
	s := NewTokenStore(NewMemoryBackend(), "alice")

	assert.ErrorIs(t, s.Write(ctx, auth.TokenSet{ExpiresAt: expiry}), ErrStorageFailure)
	assert.ErrorIs(t, s.Write(ctx, auth.TokenSet{AccessToken: "a1"}), ErrStorageFailure)
}

func TestTokenStore_AccessTokenWithoutExpiryIsCorrupt(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.SetMulti(ctx, map[string]string{"alice:" + SlotAccessToken: "a1"}))

	_, err := NewTokenStore(b, "alice").Read(ctx)
	assert.ErrorIs(t, err, ErrStorageFailure)
}

func TestTokenStore_AccountsAreIsolated(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	alice := NewTokenStore(b, "alice")
	bob := NewTokenStore(b, "bob")

	require.NoError(t, alice.Write(ctx, auth.TokenSet{AccessToken: "a1", ExpiresAt: expiry}))

	got, err := bob.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, bob.Clear(ctx))
	got, err = alice.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AccessToken)
}

func TestTokenStore_Profile(t *testing.T) {
	ctx := context.Background()
	s := NewTokenStore(NewMemoryBackend(), "alice")

	want := auth.Profile{Subject: "1", Email: "alice@example.com", Name: "Alice"}
	require.NoError(t, s.SaveProfile(ctx, want))

	got, err := s.Profile(ctx)
	require.NoError(t, err)
	assert.Equal(t, &want, got)
}

// lossyBackend acknowledges writes without applying them.
type lossyBackend struct {
	*MemoryBackend
}

func (lossyBackend) SetMulti(ctx context.Context, values map[string]string) error {
	return nil
}

type failingBackend struct {
	*MemoryBackend
}

func (failingBackend) SetMulti(ctx context.Context, values map[string]string) error {
	return errors.New("disk full")
}

func TestTokenStore_WriteVerification(t *testing.T) {
	ctx := context.Background()
	ts := auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: expiry}

	err := NewTokenStore(lossyBackend{NewMemoryBackend()}, "alice").Write(ctx, ts)
	assert.ErrorIs(t, err, ErrStorageFailure)

	err = NewTokenStore(failingBackend{NewMemoryBackend()}, "alice").Write(ctx, ts)
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.ErrorContains(t, err, "disk full")
}
