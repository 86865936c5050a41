package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/raine/calendar-connect/internal/pkce"
)

// usedCodeRetention is how long consumed authorization codes are remembered.
// Google codes are only valid for a few minutes.
const usedCodeRetention = 15 * time.Minute

// FlowState is the state of one interactive authorization attempt.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowAwaitingUserAgent
	FlowExchangingCode
	FlowComplete
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "Idle"
	case FlowAwaitingUserAgent:
		return "AwaitingUserAgent"
	case FlowExchangingCode:
		return "ExchangingCode"
	case FlowComplete:
		return "Complete"
	case FlowFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Session is the transient PKCE state of one flow. It is consumed by the
// code exchange and discarded whatever the outcome.
type Session struct {
	CodeVerifier    string
	CodeChallenge   string
	ChallengeMethod pkce.Method
	RedirectURI     string
	State           string
	CreatedAt       time.Time
}

// Flow tracks one authorization attempt. A failed flow is never resumed; start
// a new one.
type Flow struct {
	ID string

	mu          sync.Mutex
	state       FlowState
	session     *Session
	authURL     string
	redirectURI string
	err         error
}

func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// AuthURL is the URL to hand to the user agent.
func (f *Flow) AuthURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authURL
}

func (f *Flow) RedirectURI() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.redirectURI
}

// Err returns why the flow failed, if it did.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

type FlowControllerOpts struct {
	Client *Client
	Store  TokenStore
	PKCE   *pkce.Generator
	Clock  clockwork.Clock
}

// FlowController drives the authorization-code flow with PKCE.
type FlowController struct {
	client *Client
	store  TokenStore
	pkce   *pkce.Generator
	clock  clockwork.Clock

	mu        sync.Mutex
	usedCodes map[string]time.Time
}

func NewFlowController(opts FlowControllerOpts) *FlowController {
	gen := opts.PKCE
	if gen == nil {
		gen = pkce.NewGenerator()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FlowController{
		client:    opts.Client,
		store:     opts.Store,
		pkce:      gen,
		clock:     clock,
		usedCodes: make(map[string]time.Time),
	}
}

// Begin starts a flow: it generates the PKCE pair and state and builds the
// authorization URL. The flow is then awaiting the user agent.
func (c *FlowController) Begin(ctx context.Context) (*Flow, error) {
	pair, err := c.pkce.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pkce pair: %w", err)
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	cfg := c.client.Config()
	session := &Session{
		CodeVerifier:    pair.Verifier,
		CodeChallenge:   pair.Challenge,
		ChallengeMethod: pair.Method,
		RedirectURI:     cfg.RedirectURI,
		State:           state,
		CreatedAt:       c.clock.Now(),
	}

	f := &Flow{
		ID:          uuid.NewString(),
		state:       FlowAwaitingUserAgent,
		session:     session,
		authURL:     c.client.AuthCodeURL(state, pair),
		redirectURI: cfg.RedirectURI,
	}

	log.Info().Str("flowId", f.ID).Str("challengeMethod", string(pair.Method)).Msg("authorization flow started")
	return f, nil
}

// Run performs a complete interactive flow through agent. It blocks until the
// user agent returns. Cancelling ctx fails the flow with ErrAuthCancelled; any
// other agent error fails it as is.
func (c *FlowController) Run(ctx context.Context, agent UserAgent) (TokenSet, error) {
	f, err := c.Begin(ctx)
	if err != nil {
		return TokenSet{}, err
	}

	redirect, err := agent.Open(ctx, f.AuthURL(), f.RedirectURI())
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrAuthCancelled) {
			err = fmt.Errorf("%w: %w", ErrAuthCancelled, err)
		}
		return TokenSet{}, c.fail(f, err)
	}

	return c.HandleRedirect(ctx, f, redirect)
}

// Cancel fails a flow that is still waiting for the user agent.
func (c *FlowController) Cancel(f *Flow) {
	f.mu.Lock()
	waiting := f.state == FlowAwaitingUserAgent
	f.mu.Unlock()
	if waiting {
		_ = c.fail(f, ErrAuthCancelled)
	}
}

// HandleRedirect completes a flow from the redirect the user agent returned.
// Only the first call on a flow consumes its session; later calls fail. The
// state is verified before anything else in the query is trusted. An error
// parameter fails the flow without calling the token endpoint. A code is
// exchanged, the profile fetched, and the token set written to the store.
func (c *FlowController) HandleRedirect(ctx context.Context, f *Flow, redirect *url.URL) (TokenSet, error) {
	if redirect == nil {
		return TokenSet{}, c.fail(f, ErrInvalidRedirect)
	}
	query := redirect.Query()
	code := query.Get("code")

	f.mu.Lock()
	if f.state != FlowAwaitingUserAgent {
		f.mu.Unlock()
		if code != "" && c.codeUsed(code) {
			return TokenSet{}, ErrCodeReplayed
		}
		return TokenSet{}, fmt.Errorf("%w: flow is %s", ErrInvalidFlowState, f.State())
	}
	session := f.session
	// The verifier is consumed here whatever happens next.
	f.session = nil
	f.state = FlowExchangingCode
	f.mu.Unlock()

	if !sameRedirectURI(redirect, session.RedirectURI) {
		return TokenSet{}, c.fail(f, fmt.Errorf("%w: unexpected redirect target", ErrInvalidRedirect))
	}
	if query.Get("state") != session.State {
		return TokenSet{}, c.fail(f, ErrStateMismatch)
	}

	if e := query.Get("error"); e != "" {
		if desc := query.Get("error_description"); desc != "" {
			e += ": " + desc
		}
		return TokenSet{}, c.fail(f, fmt.Errorf("%w: %s", ErrAuthDenied, e))
	}

	if code == "" {
		return TokenSet{}, c.fail(f, fmt.Errorf("%w: missing code", ErrInvalidRedirect))
	}
	if !c.markCodeUsed(code) {
		return TokenSet{}, c.fail(f, ErrCodeReplayed)
	}

	grant, err := c.client.Exchange(ctx, code, session.CodeVerifier)
	if err != nil {
		return TokenSet{}, c.fail(f, err)
	}

	profile, haveProfile := c.fetchProfile(ctx, f, grant)

	if err := c.store.Write(ctx, grant.Tokens); err != nil {
		return TokenSet{}, c.fail(f, fmt.Errorf("store tokens: %w", err))
	}
	if haveProfile {
		if err := c.store.SaveProfile(ctx, profile); err != nil {
			log.Warn().Err(err).Str("flowId", f.ID).Msg("failed to cache profile")
		}
	}

	f.mu.Lock()
	f.state = FlowComplete
	f.mu.Unlock()

	log.Info().Str("flowId", f.ID).Str("email", profile.Email).Msg("calendar connected")
	return grant.Tokens, nil
}

// fetchProfile loads the userinfo profile, falling back to id_token claims.
// A missing profile does not fail the flow; the tokens are still valid.
func (c *FlowController) fetchProfile(ctx context.Context, f *Flow, grant Grant) (Profile, bool) {
	profile, err := c.client.UserInfo(ctx, grant.Tokens.AccessToken)
	if err == nil {
		return profile, true
	}
	log.Warn().Err(err).Str("flowId", f.ID).Msg("userinfo fetch failed")

	if p, ok := ProfileFromIDToken(grant.IDToken); ok {
		return p, true
	}
	return Profile{}, false
}

func (c *FlowController) fail(f *Flow, err error) error {
	f.mu.Lock()
	f.state = FlowFailed
	f.session = nil
	f.err = err
	f.mu.Unlock()

	log.Warn().Err(err).Str("flowId", f.ID).Msg("authorization flow failed")
	return err
}

// markCodeUsed records code and reports whether it was unused.
func (c *FlowController) markCodeUsed(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for k, at := range c.usedCodes {
		if now.Sub(at) > usedCodeRetention {
			delete(c.usedCodes, k)
		}
	}
	if _, used := c.usedCodes[code]; used {
		return false
	}
	c.usedCodes[code] = now
	return true
}

func (c *FlowController) codeUsed(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, used := c.usedCodes[code]
	return used
}

// sameRedirectURI compares the redirect target, ignoring its query.
func sameRedirectURI(redirect *url.URL, expected string) bool {
	got := *redirect
	got.RawQuery = ""
	got.Fragment = ""
	return got.String() == strings.SplitN(expected, "?", 2)[0]
}

func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
