// Package connection reports and maintains the calendar connection state on
// top of the token store and refresher.
package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/raine/calendar-connect/internal/auth"
	"github.com/raine/calendar-connect/internal/storage"
)

// State is the connection state shown to the user.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	Expired
	Refreshing
	Error
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "Unauthenticated"
	case Authenticated:
		return "Authenticated"
	case Expired:
		return "Expired"
	case Refreshing:
		return "Refreshing"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Status is derived on every query and never persisted.
type Status struct {
	HasTokens     bool
	IsExpired     bool
	HasValidToken bool
	State         State
	ExpiresAt     time.Time
	// Err is set in the Error state, and in Expired when a refresh failed.
	Err error
}

func (s Status) same(o Status) bool {
	return s.State == o.State &&
		s.HasTokens == o.HasTokens &&
		s.IsExpired == o.IsExpired &&
		s.HasValidToken == o.HasValidToken &&
		s.ExpiresAt.Equal(o.ExpiresAt)
}

type ServiceOpts struct {
	Store     auth.TokenStore
	Refresher *auth.Refresher
	Clock     clockwork.Clock
	Skew      time.Duration
}

// Service answers "is the calendar connected" and hands out valid access
// tokens, refreshing at most once per call.
type Service struct {
	store     auth.TokenStore
	refresher *auth.Refresher
	clock     clockwork.Clock
	skew      time.Duration
	events    *broadcaster

	// generation is bumped on Disconnect so cached token sources drop their
	// tokens.
	generation atomic.Uint64
}

func NewService(opts ServiceOpts) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	skew := opts.Skew
	if skew == 0 {
		skew = auth.DefaultRefreshSkew
	}
	return &Service{
		store:     opts.Store,
		refresher: opts.Refresher,
		clock:     clock,
		skew:      skew,
		events:    newBroadcaster(),
	}
}

// Subscribe returns a channel of status changes and a function that ends the
// subscription. Events are dropped for a subscriber whose buffer is full.
func (s *Service) Subscribe(buffer int) (<-chan Status, func()) {
	return s.events.subscribe(buffer)
}

// Status reads and validates the stored token set. An expired or expiring
// token with a refresh token is refreshed once before answering.
func (s *Service) Status(ctx context.Context) Status {
	return s.resolve(ctx).status
}

// GetValidAccessToken returns an access token that is valid now. It fails
// with auth.ErrNotConnected, auth.ErrReauthRequired, a refresh error, or a
// storage error.
func (s *Service) GetValidAccessToken(ctx context.Context) (string, error) {
	res := s.resolve(ctx)
	if res.err != nil {
		return "", res.err
	}
	return res.tokens.AccessToken, nil
}

// Disconnect removes the stored tokens and cached profile.
func (s *Service) Disconnect(ctx context.Context) error {
	s.generation.Add(1)
	if err := s.store.Clear(ctx); err != nil {
		s.events.publish(Status{State: Error, Err: err})
		return err
	}
	log.Info().Msg("calendar disconnected")
	s.events.publish(Status{State: Unauthenticated})
	return nil
}

type resolution struct {
	status Status
	// tokens is the usable token set, nil when err is set.
	tokens    *auth.TokenSet
	refreshed bool
	err       error
}

func (s *Service) resolve(ctx context.Context) resolution {
	res := s.evaluate(ctx)
	s.events.publish(res.status)
	return res
}

func (s *Service) evaluate(ctx context.Context) resolution {
	ts, err := s.store.Read(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read stored tokens")
		return resolution{status: Status{State: Error, Err: err}, err: err}
	}

	validity := auth.Validate(ts, s.clock.Now(), s.skew)
	switch validity {
	case auth.Unauthenticated:
		return resolution{status: Status{State: Unauthenticated}, err: auth.ErrNotConnected}
	case auth.Authenticated:
		return resolution{status: authenticated(ts), tokens: ts}
	}

	if !ts.HasRefreshToken() || s.refresher == nil {
		if validity == auth.ExpiringSoon {
			return resolution{status: authenticated(ts), tokens: ts}
		}
		return resolution{status: expired(ts, nil), err: auth.ErrReauthRequired}
	}

	s.events.publish(Status{
		HasTokens:     true,
		IsExpired:     validity == auth.Expired,
		HasValidToken: validity.Usable(),
		State:         Refreshing,
		ExpiresAt:     ts.ExpiresAt,
	})

	next, err := s.refresher.Refresh(ctx, ts.RefreshTokenValue())
	switch {
	case err == nil:
		return resolution{status: authenticated(&next), tokens: &next, refreshed: true}
	case errors.Is(err, auth.ErrRefreshRevoked):
		return resolution{status: Status{State: Unauthenticated}, err: err}
	case errors.Is(err, storage.ErrStorageFailure):
		return resolution{status: Status{State: Error, Err: err}, err: err}
	case validity == auth.ExpiringSoon:
		log.Warn().Err(err).Msg("proactive refresh failed, using current access token")
		return resolution{status: authenticated(ts), tokens: ts}
	default:
		return resolution{status: expired(ts, err), err: err}
	}
}

func authenticated(ts *auth.TokenSet) Status {
	return Status{
		HasTokens:     true,
		HasValidToken: true,
		State:         Authenticated,
		ExpiresAt:     ts.ExpiresAt,
	}
}

func expired(ts *auth.TokenSet, err error) Status {
	return Status{
		HasTokens: true,
		IsExpired: true,
		State:     Expired,
		ExpiresAt: ts.ExpiresAt,
		Err:       err,
	}
}
