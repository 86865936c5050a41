package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// UserAgent presents the authorization URL to the user and returns the
// redirect the provider sent back. The host platform decides which
// implementation is active.
type UserAgent interface {
	// Open blocks until the provider redirects to redirectURI. It returns an
	// error wrapping ErrAuthCancelled when the user gave up.
	Open(ctx context.Context, authURL, redirectURI string) (*url.URL, error)
}

const callbackPage = `<html>
	<body>
		<h1>Calendar connected</h1>
		<p>You can now close this window and return to the application.</p>
		<script>window.close();</script>
	</body>
</html>`

// BrowserAgent opens the system browser and receives the redirect on a
// loopback HTTP listener bound to the redirect URI's host.
type BrowserAgent struct {
	// Launch opens url in a browser. Defaults to the platform opener.
	Launch func(url string) error
	// Out receives the URL when the browser cannot be opened.
	Out io.Writer
}

func (a *BrowserAgent) Open(ctx context.Context, authURL, redirectURI string) (*url.URL, error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect uri: %w", err)
	}
	if target.Scheme != "http" || !isLoopback(target.Hostname()) {
		return nil, fmt.Errorf("browser agent needs a loopback http redirect uri, got %q", redirectURI)
	}

	ln, err := net.Listen("tcp", target.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for callback: %w", err)
	}

	results := make(chan *url.URL, 1)
	path := target.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		got := *target
		got.RawQuery = r.URL.RawQuery
		select {
		case results <- &got:
		default:
		}
		w.Header().Set("Content-Type", "text/html")
		if _, err := io.WriteString(w, callbackPage); err != nil {
			log.Error().Err(err).Msg("error writing callback response")
		}
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("callback server error")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	launch := a.Launch
	if launch == nil {
		launch = openBrowser
	}
	if err := launch(authURL); err != nil {
		log.Warn().Err(err).Msg("failed to open browser")
		if a.Out != nil {
			fmt.Fprintf(a.Out, "Open the following URL in your browser:\n\n%s\n\n", authURL)
		}
	}

	select {
	case redirect := <-results:
		return redirect, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAuthCancelled, ctx.Err())
	}
}

// ManualAgent prints the authorization URL and reads the redirected URL the
// user pastes back. Used for custom-scheme redirects and headless hosts.
//
// A read cannot be interrupted. If In is an io.Closer it is closed when ctx
// ends, which releases the reading goroutine; otherwise that goroutine stays
// blocked until In yields a line or EOF.
type ManualAgent struct {
	In  io.Reader
	Out io.Writer
}

func (a *ManualAgent) Open(ctx context.Context, authURL, redirectURI string) (*url.URL, error) {
	fmt.Fprintf(a.Out, "Open the following URL, approve access, then paste the URL you were redirected to (%s...):\n\n%s\n\n> ",
		redirectURI, authURL)

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(a.In)
		scanner.Buffer(make([]byte, 0, 4096), 64*1024)
		if scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
			return
		}
		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.EOF
	}()

	select {
	case line := <-lines:
		if line == "" {
			return nil, ErrAuthCancelled
		}
		u, err := url.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRedirect, err)
		}
		return u, nil
	case err := <-errs:
		return nil, fmt.Errorf("%w: %w", ErrAuthCancelled, err)
	case <-ctx.Done():
		if c, ok := a.In.(io.Closer); ok {
			if err := c.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close redirect input")
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrAuthCancelled, ctx.Err())
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// openBrowser opens the default browser to the specified URL.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "linux":
		return exec.Command("xdg-open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	case "darwin":
		return exec.Command("open", url).Start()
	default:
		return errors.New("unsupported platform")
	}
}
