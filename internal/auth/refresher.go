package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshTimeout bounds one shared refresh-token grant.
const DefaultRefreshTimeout = 15 * time.Second

type RefresherOpts struct {
	Client *Client
	Store  TokenStore
	Clock  clockwork.Clock
	// Account namespaces the single-flight key.
	Account string
	Skew    time.Duration
	Timeout time.Duration
}

// Refresher exchanges refresh tokens for new access tokens and writes the
// result back through the token store. At most one refresh per refresh token
// is in flight; concurrent callers share its result.
type Refresher struct {
	client  *Client
	store   TokenStore
	clock   clockwork.Clock
	account string
	skew    time.Duration
	timeout time.Duration

	group singleflight.Group
}

func NewRefresher(opts RefresherOpts) *Refresher {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	skew := opts.Skew
	if skew == 0 {
		skew = DefaultRefreshSkew
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultRefreshTimeout
	}
	return &Refresher{
		client:  opts.Client,
		store:   opts.Store,
		clock:   clock,
		account: opts.Account,
		skew:    skew,
		timeout: timeout,
	}
}

// Refresh returns a fresh token set obtained with refreshToken.
//
// The shared grant runs detached from ctx so one caller giving up does not
// fail the others; a caller whose ctx ends first gets a Transient error.
// On Revoked the stored token set is cleared.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if refreshToken == "" {
		return TokenSet{}, ErrReauthRequired
	}

	ch := r.group.DoChan(r.account+"\x00"+refreshToken, func() (any, error) {
		return r.refresh(refreshToken)
	})

	select {
	case res := <-ch:
		ts, _ := res.Val.(TokenSet)
		return ts, res.Err
	case <-ctx.Done():
		return TokenSet{}, &RefreshError{Kind: RefreshTransient, Err: ctx.Err()}
	}
}

func (r *Refresher) refresh(refreshToken string) (TokenSet, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	current, err := r.store.Read(ctx)
	if err != nil {
		return TokenSet{}, fmt.Errorf("read stored tokens: %w", err)
	}

	// A late caller may hold a refresh token another flight already used.
	if current != nil && r.alreadyRefreshed(current) {
		log.Debug().Str("account", r.account).Msg("token already refreshed, reusing stored set")
		return *current, nil
	}

	log.Info().Str("account", r.account).Msg("refreshing access token")

	grant, err := r.client.Refresh(ctx, refreshToken)
	if err != nil {
		var re *RefreshError
		if errors.As(err, &re) && re.Kind == RefreshRevoked {
			r.clearRevoked(ctx, refreshToken)
		} else {
			log.Warn().Err(err).Str("account", r.account).Msg("token refresh failed, keeping stored tokens")
		}
		return TokenSet{}, err
	}

	base := &TokenSet{RefreshToken: StringPtr(refreshToken)}
	if current != nil {
		base.Scope = current.Scope
	}
	next := base.Merge(grant.Tokens)

	if err := r.store.Write(ctx, next); err != nil {
		log.Error().Err(err).Str("account", r.account).Msg("failed to persist refreshed tokens")
		return next, fmt.Errorf("persist refreshed tokens: %w", err)
	}

	log.Info().Str("account", r.account).Time("expiresAt", next.ExpiresAt).Msg("token refresh successful")
	return next, nil
}

// alreadyRefreshed reports whether the stored set is fresh beyond the skew,
// which happens when another flight rotated or refreshed it in the meantime.
func (r *Refresher) alreadyRefreshed(current *TokenSet) bool {
	return Validate(current, r.clock.Now(), r.skew) == Authenticated
}

// clearRevoked removes the stored set unless a newer sign-in replaced it.
func (r *Refresher) clearRevoked(ctx context.Context, refreshToken string) {
	current, err := r.store.Read(ctx)
	if err != nil {
		log.Error().Err(err).Str("account", r.account).Msg("failed to read tokens before clearing revoked set")
	}
	if current != nil && current.HasRefreshToken() && current.RefreshTokenValue() != refreshToken {
		log.Info().Str("account", r.account).Msg("refresh token revoked but a newer token set is stored, keeping it")
		return
	}

	log.Warn().Str("account", r.account).Msg("refresh token revoked, clearing stored tokens")
	if err := r.store.Clear(ctx); err != nil {
		log.Error().Err(err).Str("account", r.account).Msg("failed to clear revoked tokens")
	}
}
