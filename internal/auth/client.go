package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/raine/calendar-connect/internal/pkce"
)

// Google endpoints used when the configuration leaves them empty.
const (
	GoogleAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenURL    = "https://oauth2.googleapis.com/token"
	GoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

	// CalendarScope grants read/write access to the user's calendars.
	CalendarScope = "https://www.googleapis.com/auth/calendar"

	// defaultExpiresIn is assumed when a token response omits expires_in, so
	// that no access token is ever stored without an expiry.
	defaultExpiresIn = 3600

	errorInvalidGrant = "invalid_grant"
)

// DefaultScopes are requested when no scopes are configured.
var DefaultScopes = []string{CalendarScope, "openid", "email", "profile"}

// ClientConfig describes the registered OAuth client and provider endpoints.
type ClientConfig struct {
	ClientID string
	// ClientSecret is sent only when non-empty (confidential clients).
	ClientSecret string
	// RedirectURI must match byte-for-byte between authorize and exchange.
	RedirectURI string
	Scopes      []string
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

type ClientOpts struct {
	Config     ClientConfig
	HTTPClient *http.Client
	Clock      clockwork.Clock
	Timeout    time.Duration
}

// Client talks to the authorization server's token and userinfo endpoints.
type Client struct {
	cfg        ClientConfig
	httpClient *resty.Client
	clock      clockwork.Clock
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	IDToken      string `json:"id_token"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Grant is a successful token endpoint response.
type Grant struct {
	Tokens  TokenSet
	IDToken string
}

func NewClient(opts ClientOpts) *Client {
	cfg := opts.Config
	if cfg.AuthURL == "" {
		cfg.AuthURL = GoogleAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = GoogleTokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = GoogleUserInfoURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rc.SetDebug(false).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{cfg: cfg, httpClient: rc, clock: clock}
}

// Config returns the effective client configuration.
func (c *Client) Config() ClientConfig {
	return c.cfg
}

// AuthCodeURL builds the authorization URL for one PKCE pair and state.
func (c *Client) AuthCodeURL(state string, pair pkce.Pair) string {
	conf := &oauth2.Config{
		ClientID:    c.cfg.ClientID,
		RedirectURL: c.cfg.RedirectURI,
		Scopes:      c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.AuthURL,
			TokenURL:  c.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", string(pair.Method)),
	)
}

// Exchange trades an authorization code for tokens. Failures are
// *ExchangeError carrying the HTTP status and body.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (Grant, error) {
	form := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"code_verifier": verifier,
		"redirect_uri":  c.cfg.RedirectURI,
		"client_id":     c.cfg.ClientID,
	}
	if c.cfg.ClientSecret != "" {
		form["client_secret"] = c.cfg.ClientSecret
	}

	var result tokenResponse
	res, err := c.httpClient.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&result).
		Post(c.cfg.TokenURL)
	if err != nil {
		if res != nil && res.RawResponse != nil {
			return Grant{}, &ExchangeError{Status: res.StatusCode(), Body: res.String(), Err: err}
		}
		return Grant{}, &ExchangeError{Err: err}
	}
	if res.IsError() {
		return Grant{}, &ExchangeError{Status: res.StatusCode(), Body: res.String()}
	}

	grant, err := c.grantFromResponse(result)
	if err != nil {
		return Grant{}, &ExchangeError{Status: res.StatusCode(), Body: res.String(), Err: err}
	}
	return grant, nil
}

// Refresh performs a refresh-token grant. Failures are *RefreshError.
// The returned set carries a refresh token only if the server rotated it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	form := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     c.cfg.ClientID,
	}
	if c.cfg.ClientSecret != "" {
		form["client_secret"] = c.cfg.ClientSecret
	}

	var result tokenResponse
	var failure errorResponse
	res, err := c.httpClient.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&result).
		SetError(&failure).
		Post(c.cfg.TokenURL)
	if err != nil {
		if res != nil && res.RawResponse != nil {
			// The server answered but the body could not be parsed.
			return Grant{}, &RefreshError{Kind: RefreshUnknown, Status: res.StatusCode(), Err: err}
		}
		return Grant{}, &RefreshError{Kind: RefreshTransient, Err: err}
	}
	if res.IsError() {
		kind := RefreshUnknown
		if failure.Error == errorInvalidGrant {
			kind = RefreshRevoked
		}
		return Grant{}, &RefreshError{Kind: kind, Status: res.StatusCode(), Code: failure.Error}
	}

	grant, err := c.grantFromResponse(result)
	if err != nil {
		return Grant{}, &RefreshError{Kind: RefreshUnknown, Status: res.StatusCode(), Err: err}
	}
	return grant, nil
}

// UserInfo fetches the profile of the token's owner.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (Profile, error) {
	var profile Profile
	_, err := handleError(c.httpClient.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetResult(&profile).
		Get(c.cfg.UserInfoURL))
	if err != nil {
		return Profile{}, fmt.Errorf("userinfo: %w", err)
	}
	return profile, nil
}

func (c *Client) grantFromResponse(r tokenResponse) (Grant, error) {
	if r.AccessToken == "" {
		return Grant{}, errors.New("token response is missing access_token")
	}
	expiresIn := r.ExpiresIn
	if expiresIn <= 0 {
		log.Warn().Int64("expiresIn", r.ExpiresIn).Msg("token response without usable expires_in, assuming default")
		expiresIn = defaultExpiresIn
	}
	return Grant{
		Tokens: TokenSet{
			AccessToken:  r.AccessToken,
			RefreshToken: StringPtr(r.RefreshToken),
			ExpiresAt:    c.clock.Now().Add(time.Duration(expiresIn) * time.Second),
			Scope:        ParseScope(r.Scope),
		},
		IDToken: r.IDToken,
	}, nil
}

// ProfileFromIDToken reads profile claims from an id_token without verifying
// its signature. It is only used as a fallback for display purposes.
func ProfileFromIDToken(idToken string) (Profile, bool) {
	if idToken == "" {
		return Profile{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return Profile{}, false
	}
	str := func(key string) string {
		v, _ := claims[key].(string)
		return v
	}
	p := Profile{
		Subject: str("sub"),
		Email:   str("email"),
		Name:    str("name"),
		Picture: str("picture"),
	}
	return p, p.Subject != ""
}

// handleError turns failing responses (>399 status code) into errors.
// Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, fmt.Errorf("request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}
	return res, nil
}
