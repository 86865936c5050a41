package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/raine/calendar-connect/internal/auth"
)

// ErrSyncFailed is wrapped by Result.SyncErr when the backend mirror could
// not be updated. The provider connection itself is still healthy.
var ErrSyncFailed = errors.New("backend token sync failed")

// Action is what Reconnect did, or what the caller has to do.
type Action int

const (
	ActionReused Action = iota
	ActionRefreshed
	// ActionInteractiveRequired means the caller must run the interactive
	// authorization flow. Reconnect never starts it.
	ActionInteractiveRequired
)

func (a Action) String() string {
	switch a {
	case ActionReused:
		return "Reused"
	case ActionRefreshed:
		return "Refreshed"
	case ActionInteractiveRequired:
		return "InteractiveRequired"
	default:
		return "Unknown"
	}
}

type Result struct {
	Action Action
	// Synced is true when the token set was mirrored to the backend.
	Synced bool
	// SyncErr wraps ErrSyncFailed.
	SyncErr error
}

// Coordinator restores a connection without user interaction when possible.
type Coordinator struct {
	service *Service
	syncer  Syncer
}

// NewCoordinator creates a coordinator. syncer may be nil.
func NewCoordinator(service *Service, syncer Syncer) *Coordinator {
	return &Coordinator{service: service, syncer: syncer}
}

// Reconnect reuses or refreshes the stored token set and mirrors it to the
// backend. Transient refresh and storage failures are returned as errors.
func (c *Coordinator) Reconnect(ctx context.Context) (Result, error) {
	res := c.service.resolve(ctx)
	if res.err != nil {
		if interactiveRequired(res.err) {
			log.Info().Err(res.err).Msg("reconnect requires interactive authorization")
			return Result{Action: ActionInteractiveRequired}, nil
		}
		return Result{}, res.err
	}

	result := Result{Action: ActionReused}
	if res.refreshed {
		result.Action = ActionRefreshed
	}

	if c.syncer != nil {
		if err := c.syncer.Sync(ctx, *res.tokens); err != nil {
			log.Warn().Err(err).Msg("failed to sync tokens to backend")
			result.SyncErr = fmt.Errorf("%w: %w", ErrSyncFailed, err)
		} else {
			result.Synced = true
		}
	}

	log.Info().Str("action", result.Action.String()).Bool("synced", result.Synced).Msg("reconnected")
	return result, nil
}

func interactiveRequired(err error) bool {
	return errors.Is(err, auth.ErrNotConnected) || auth.NeedsReauth(err)
}
