package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/raine/calendar-connect/config"
	"github.com/raine/calendar-connect/internal/auth"
	"github.com/raine/calendar-connect/internal/connection"
)

func knownCommand(command string) bool {
	switch command {
	case "connect", "status", "token", "reconnect", "disconnect", "watch":
		return true
	}
	return false
}

func run(ctx context.Context, cfg config.Config, command string, args []string) error {
	if !knownCommand(command) {
		fmt.Fprintln(os.Stderr, formatText(usage, configPath()))
		return fmt.Errorf("unknown command: %s", command)
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	manual := fs.Bool("manual", false, "Paste the redirect URL instead of using a local callback server (connect)")
	interval := fs.Duration("interval", cfg.KeepAliveInterval, "How often to check the token (watch)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	out := os.Stdout
	switch command {
	case "connect":
		return a.connect(ctx, out, *manual)
	case "status":
		return a.status(ctx, out)
	case "token":
		return a.token(ctx, out)
	case "reconnect":
		return a.reconnect(ctx, out)
	case "disconnect":
		return a.disconnect(ctx, out)
	default:
		return a.watch(ctx, out, *interval)
	}
}

func (a *app) connect(ctx context.Context, out io.Writer, manual bool) error {
	var agent auth.UserAgent = &auth.BrowserAgent{Out: out}
	if manual {
		agent = &auth.ManualAgent{In: os.Stdin, Out: out}
	}

	ts, err := a.flows.Run(ctx, agent)
	if err != nil {
		return err
	}

	who := "Google account"
	if p, err := a.store.Profile(ctx); err == nil && p != nil && p.Email != "" {
		who = p.Email
	}
	fmt.Fprintln(out, formatText(`
		Connected %s.
		Access token expires at %s.
	`, who, ts.ExpiresAt.Local().Format(time.RFC1123)))
	if !ts.HasRefreshToken() {
		fmt.Fprintln(out, "No refresh token was issued; you will need to connect again when it expires.")
	}
	return nil
}

func (a *app) status(ctx context.Context, out io.Writer) error {
	st := a.service.Status(ctx)

	account := "-"
	if p, err := a.store.Profile(ctx); err == nil && p != nil {
		account = p.Email
	}
	expires := "-"
	if !st.ExpiresAt.IsZero() {
		expires = st.ExpiresAt.Local().Format(time.RFC1123)
	}

	fmt.Fprintln(out, formatText(`
		Account:      %s (%s)
		State:        %s
		Has tokens:   %t
		Valid token:  %t
		Expires at:   %s
	`, a.store.Account(), account, st.State, st.HasTokens, st.HasValidToken, expires))

	if st.State == connection.Error {
		return st.Err
	}
	return nil
}

func (a *app) token(ctx context.Context, out io.Writer) error {
	token, err := a.service.GetValidAccessToken(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNotConnected) || auth.NeedsReauth(err) {
			return fmt.Errorf("%w; run `calendar-connect connect`", err)
		}
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func (a *app) reconnect(ctx context.Context, out io.Writer) error {
	res, err := a.coordinator.Reconnect(ctx)
	if err != nil {
		return err
	}

	switch res.Action {
	case connection.ActionInteractiveRequired:
		fmt.Fprintln(out, "Sign-in required; run `calendar-connect connect`.")
	case connection.ActionRefreshed:
		fmt.Fprintln(out, "Connection restored with a refreshed token.")
	default:
		fmt.Fprintln(out, "Connection is healthy.")
	}
	if res.SyncErr != nil {
		fmt.Fprintf(out, "Backend sync failed: %v\n", res.SyncErr)
	}
	return nil
}

func (a *app) disconnect(ctx context.Context, out io.Writer) error {
	if err := a.service.Disconnect(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Disconnected.")
	return nil
}

func (a *app) watch(ctx context.Context, out io.Writer, interval time.Duration) error {
	events, unsubscribe := a.service.Subscribe(16)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.service.KeepAlive(ctx, interval)
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case st, ok := <-events:
				if !ok {
					return nil
				}
				fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), describe(st))
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("watch stopped")
	return nil
}

func describe(st connection.Status) string {
	switch st.State {
	case connection.Authenticated:
		return fmt.Sprintf("connected, token valid until %s", st.ExpiresAt.Local().Format(time.TimeOnly))
	case connection.Refreshing:
		return "refreshing access token"
	case connection.Expired:
		if st.Err != nil {
			return fmt.Sprintf("token expired, refresh failed: %v", st.Err)
		}
		return "token expired, sign in again"
	case connection.Error:
		return fmt.Sprintf("storage error: %v", st.Err)
	default:
		return "not connected"
	}
}
