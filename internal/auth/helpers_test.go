package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	ts      *TokenSet
	profile *Profile
	writes  int
	clears  int
}

func (s *memStore) Read(ctx context.Context) (*TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ts == nil {
		return nil, nil
	}
	cp := *s.ts
	return &cp, nil
}

func (s *memStore) Write(ctx context.Context, ts TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.ts
	next := prev.Merge(ts)
	s.ts = &next
	s.writes++
	return nil
}

func (s *memStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ts = nil
	s.profile = nil
	s.clears++
	return nil
}

func (s *memStore) SaveProfile(ctx context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = &p
	return nil
}

func (s *memStore) current() *TokenSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts
}

func newTestClient(t *testing.T, h http.Handler, clock clockwork.Clock) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientOpts{
		Config: ClientConfig{
			ClientID:    "client-id",
			RedirectURI: "com.example.app:/oauth2redirect",
			AuthURL:     srv.URL + "/auth",
			TokenURL:    srv.URL + "/token",
			UserInfoURL: srv.URL + "/userinfo",
		},
		Clock:   clock,
		Timeout: 5 * time.Second,
	})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func ptr(s string) *string {
	return &s
}
