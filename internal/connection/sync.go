package connection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/raine/calendar-connect/internal/auth"
)

// Syncer mirrors the token set to a server-side record.
type Syncer interface {
	Sync(ctx context.Context, ts auth.TokenSet) error
}

type HTTPSyncerOpts struct {
	URL string
	// Credential identifies the local user to the backend.
	Credential string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// HTTPSyncer posts the token set as JSON with a bearer credential.
type HTTPSyncer struct {
	url        string
	credential string
	httpClient *resty.Client
}

type syncRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func NewHTTPSyncer(opts HTTPSyncerOpts) *HTTPSyncer {
	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	rc.SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &HTTPSyncer{url: opts.URL, credential: opts.Credential, httpClient: rc}
}

func (s *HTTPSyncer) Sync(ctx context.Context, ts auth.TokenSet) error {
	res, err := s.httpClient.R().
		SetContext(ctx).
		SetAuthToken(s.credential).
		SetBody(syncRequest{
			AccessToken:  ts.AccessToken,
			RefreshToken: ts.RefreshTokenValue(),
			ExpiresAt:    ts.ExpiresAt.UTC(),
		}).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("sync request: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("sync request failed: %s %s (status: %d)", res.Request.Method, res.Request.URL, res.StatusCode())
	}
	return nil
}
