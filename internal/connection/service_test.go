package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raine/calendar-connect/internal/auth"
	"github.com/raine/calendar-connect/internal/storage"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(s string) *string {
	return &s
}

type fixture struct {
	clock   *clockwork.FakeClock
	store   *storage.TokenStore
	service *Service
	hits    *atomic.Int32
}

// newFixture wires a service to a stub token endpoint answering with status
// and body.
func newFixture(t *testing.T, status int, body string) *fixture {
	t.Helper()
	hits := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	clock := clockwork.NewFakeClockAt(epoch)
	store := storage.NewTokenStore(storage.NewMemoryBackend(), "test")
	client := auth.NewClient(auth.ClientOpts{
		Config: auth.ClientConfig{ClientID: "client-id", TokenURL: srv.URL},
		Clock:  clock,
	})
	refresher := auth.NewRefresher(auth.RefresherOpts{
		Client:  client,
		Store:   store,
		Clock:   clock,
		Account: "test",
	})
	return &fixture{
		clock:   clock,
		store:   store,
		service: NewService(ServiceOpts{Store: store, Refresher: refresher, Clock: clock}),
		hits:    hits,
	}
}

func (f *fixture) seed(t *testing.T, ts auth.TokenSet) {
	t.Helper()
	require.NoError(t, f.store.Write(context.Background(), ts))
}

func TestStatus_ExpiredTokenIsRefreshed(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(-10 * time.Second)})

	st := f.service.Status(context.Background())

	assert.Equal(t, Authenticated, st.State)
	assert.True(t, st.HasTokens)
	assert.True(t, st.HasValidToken)
	assert.False(t, st.IsExpired)
	assert.Equal(t, int32(1), f.hits.Load())

	stored, err := f.store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", stored.AccessToken)
	assert.Equal(t, "r1", stored.RefreshTokenValue())
	assert.True(t, epoch.Add(3600*time.Second).Equal(stored.ExpiresAt))
}

func TestStatus_InvalidGrantClearsTokens(t *testing.T) {
	f := newFixture(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(-10 * time.Second)})

	st := f.service.Status(context.Background())
	assert.Equal(t, Unauthenticated, st.State)
	assert.False(t, st.HasTokens)

	stored, err := f.store.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stored)

	v, err := f.store.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, v.AccessTokenStored || v.RefreshTokenStored || v.ExpiryStored)
}

func TestStatus_ValidTokenDoesNotRefresh(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(time.Hour)})

	st := f.service.Status(context.Background())
	assert.Equal(t, Authenticated, st.State)
	assert.True(t, epoch.Add(time.Hour).Equal(st.ExpiresAt))
	assert.Equal(t, int32(0), f.hits.Load())
}

func TestStatus_NoTokens(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{}`)

	st := f.service.Status(context.Background())
	assert.Equal(t, Status{State: Unauthenticated}, st)

	_, err := f.service.GetValidAccessToken(context.Background())
	assert.ErrorIs(t, err, auth.ErrNotConnected)
}

func TestStatus_ExpiredWithoutRefreshToken(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", ExpiresAt: epoch.Add(-time.Minute)})

	st := f.service.Status(context.Background())
	assert.Equal(t, Expired, st.State)
	assert.True(t, st.HasTokens)
	assert.True(t, st.IsExpired)
	assert.False(t, st.HasValidToken)
	assert.Equal(t, int32(0), f.hits.Load())

	_, err := f.service.GetValidAccessToken(context.Background())
	assert.ErrorIs(t, err, auth.ErrReauthRequired)
}

func TestStatus_ServerErrorKeepsTokens(t *testing.T) {
	f := newFixture(t, http.StatusServiceUnavailable, `{"error":"backend_error"}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(-time.Minute)})

	st := f.service.Status(context.Background())
	assert.Equal(t, Expired, st.State)
	assert.Error(t, st.Err)

	stored, err := f.store.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a1", stored.AccessToken)
}

func TestStatus_ExpiringSoonFallsBackToCurrentToken(t *testing.T) {
	f := newFixture(t, http.StatusServiceUnavailable, `{"error":"backend_error"}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(30 * time.Second)})

	token, err := f.service.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a1", token)
	assert.Equal(t, int32(1), f.hits.Load())
}

type brokenStore struct{}

func (brokenStore) Read(ctx context.Context) (*auth.TokenSet, error) {
	return nil, storage.ErrStorageFailure
}
func (brokenStore) Write(ctx context.Context, ts auth.TokenSet) error { return storage.ErrStorageFailure }
func (brokenStore) Clear(ctx context.Context) error                   { return storage.ErrStorageFailure }
func (brokenStore) SaveProfile(ctx context.Context, p auth.Profile) error {
	return storage.ErrStorageFailure
}

func TestStatus_StorageFailureIsNotUnauthenticated(t *testing.T) {
	svc := NewService(ServiceOpts{Store: brokenStore{}, Clock: clockwork.NewFakeClockAt(epoch)})

	st := svc.Status(context.Background())
	assert.Equal(t, Error, st.State)
	assert.ErrorIs(t, st.Err, storage.ErrStorageFailure)

	_, err := svc.GetValidAccessToken(context.Background())
	assert.ErrorIs(t, err, storage.ErrStorageFailure)
	assert.False(t, auth.NeedsReauth(err))
}

func TestGetValidAccessToken_Refreshes(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(-time.Second)})

	token, err := f.service.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", token)

	token, err = f.service.GetValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", token)
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(time.Hour)})
	require.NoError(t, f.store.SaveProfile(context.Background(), auth.Profile{Subject: "1"}))

	require.NoError(t, f.service.Disconnect(context.Background()))

	assert.Equal(t, Unauthenticated, f.service.Status(context.Background()).State)
	p, err := f.store.Profile(context.Background())
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(-time.Second)})

	events, unsubscribe := f.service.Subscribe(10)
	defer unsubscribe()

	f.service.Status(context.Background())
	f.service.Status(context.Background())

	var states []State
	for len(events) > 0 {
		states = append(states, (<-events).State)
	}
	assert.Equal(t, []State{Refreshing, Authenticated}, states)

	unsubscribe()
	_, open := <-events
	assert.False(t, open)
}

func TestTokenSource(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(-time.Second)})

	tok, err := f.service.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)

	empty := newFixture(t, http.StatusOK, `{}`)
	_, err = empty.service.TokenSource(context.Background()).Token()
	assert.ErrorIs(t, err, auth.ErrNotConnected)
}

func TestTokenSource_DisconnectDropsCachedToken(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{}`)
	// The reuse cache checks expiry against the wall clock.
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: time.Now().Add(24 * time.Hour)})

	src := f.service.TokenSource(context.Background())
	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)

	require.NoError(t, f.service.Disconnect(context.Background()))

	_, err = src.Token()
	assert.ErrorIs(t, err, auth.ErrNotConnected)
	assert.Equal(t, int32(0), f.hits.Load())
}

func TestReconnect(t *testing.T) {
	var synced syncRequest
	var authHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&synced)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()
	syncer := NewHTTPSyncer(HTTPSyncerOpts{URL: backend.URL, Credential: "user-jwt"})

	t.Run("reuses valid token", func(t *testing.T) {
		f := newFixture(t, http.StatusOK, `{}`)
		f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(time.Hour)})

		res, err := NewCoordinator(f.service, syncer).Reconnect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ActionReused, res.Action)
		assert.True(t, res.Synced)
		assert.NoError(t, res.SyncErr)
		assert.Equal(t, "Bearer user-jwt", authHeader)
		assert.Equal(t, "a1", synced.AccessToken)
		assert.Equal(t, "r1", synced.RefreshToken)
		assert.True(t, epoch.Add(time.Hour).Equal(synced.ExpiresAt))
	})

	t.Run("refreshes expired token", func(t *testing.T) {
		f := newFixture(t, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
		f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(-time.Hour)})

		res, err := NewCoordinator(f.service, nil).Reconnect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ActionRefreshed, res.Action)
		assert.False(t, res.Synced)
	})

	t.Run("no tokens requires interaction", func(t *testing.T) {
		f := newFixture(t, http.StatusOK, `{}`)

		res, err := NewCoordinator(f.service, syncer).Reconnect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ActionInteractiveRequired, res.Action)
		assert.Equal(t, int32(0), f.hits.Load())
	})

	t.Run("revoked requires interaction", func(t *testing.T) {
		f := newFixture(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)
		f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(-time.Hour)})

		res, err := NewCoordinator(f.service, syncer).Reconnect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ActionInteractiveRequired, res.Action)
	})

	t.Run("transient failure is an error", func(t *testing.T) {
		f := newFixture(t, http.StatusServiceUnavailable, `{"error":"backend_error"}`)
		f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(-time.Hour)})

		_, err := NewCoordinator(f.service, syncer).Reconnect(context.Background())
		assert.ErrorIs(t, err, auth.ErrRefreshUnknown)
	})
}

type failingSyncer struct{}

func (failingSyncer) Sync(ctx context.Context, ts auth.TokenSet) error {
	return errors.New("backend unavailable")
}

func TestReconnect_SyncFailureIsDistinct(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(time.Hour)})

	res, err := NewCoordinator(f.service, failingSyncer{}).Reconnect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActionReused, res.Action)
	assert.False(t, res.Synced)
	assert.ErrorIs(t, res.SyncErr, ErrSyncFailed)
}

func TestHTTPSyncer_ErrorStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer backend.Close()

	err := NewHTTPSyncer(HTTPSyncerOpts{URL: backend.URL}).Sync(context.Background(), auth.TokenSet{AccessToken: "a1", ExpiresAt: epoch})
	assert.Error(t, err)
}

func TestKeepAlive_RefreshesInsideSkew(t *testing.T) {
	f := newFixture(t, http.StatusOK, `{"access_token":"a2","expires_in":3600}`)
	f.seed(t, auth.TokenSet{AccessToken: "a1", RefreshToken: ptr("r1"), ExpiresAt: epoch.Add(30 * time.Minute)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.service.KeepAlive(ctx, 10*time.Minute) }()

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, int32(0), f.hits.Load())

	f.clock.Advance(29*time.Minute + 30*time.Second)
	assert.Eventually(t, func() bool { return f.hits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
