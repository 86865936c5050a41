package connection

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/raine/calendar-connect/internal/auth"
)

type tokenSource struct {
	ctx     context.Context
	service *Service
}

func (t *tokenSource) Token() (*oauth2.Token, error) {
	res := t.service.resolve(t.ctx)
	if res.err != nil {
		return nil, res.err
	}
	return res.tokens.OAuth2Token(), nil
}

// cachedTokenSource reuses tokens until they near expiry and drops its cache
// when the service is disconnected.
type cachedTokenSource struct {
	ctx     context.Context
	service *Service

	mu  sync.Mutex
	gen uint64
	src oauth2.TokenSource
}

func (c *cachedTokenSource) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gen := c.service.generation.Load()
	if c.src == nil || gen != c.gen {
		c.src = oauth2.ReuseTokenSource(nil, &tokenSource{ctx: c.ctx, service: c.service})
		c.gen = gen
	}
	tok, err := c.src.Token()
	if err != nil {
		return nil, err
	}
	if c.service.generation.Load() != gen {
		// Disconnected while resolving.
		c.src = nil
		return nil, auth.ErrNotConnected
	}
	return tok, nil
}

// TokenSource returns an oauth2.TokenSource backed by the service, for use
// with Google API clients. Tokens are reused until they near expiry; after
// Disconnect the source stops serving its cached token.
func (s *Service) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &cachedTokenSource{ctx: ctx, service: s}
}

// HTTPClient returns an HTTP client that authorizes requests with a valid
// access token.
func (s *Service) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, s.TokenSource(ctx))
}
