// Package storage persists token sets in named slots on a pluggable backend.
package storage

import (
	"context"
	"errors"
)

// Slot names. The first four are read by collaborators; scope is internal.
const (
	SlotAccessToken  = "access_token"
	SlotRefreshToken = "refresh_token"
	SlotExpiresAt    = "expires_at"
	SlotProfile      = "profile"
	SlotScope        = "scope"
)

var allSlots = []string{SlotAccessToken, SlotRefreshToken, SlotExpiresAt, SlotProfile, SlotScope}

// ErrStorageFailure is returned when a read, write or verification of the
// persisted token set fails. It is never used for "not connected".
var ErrStorageFailure = errors.New("token storage failure")

// Backend is a string key-value store. SetMulti and DeleteMulti must apply
// all keys or none.
type Backend interface {
	// Get returns ok=false when key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	SetMulti(ctx context.Context, values map[string]string) error
	DeleteMulti(ctx context.Context, keys ...string) error
	Close() error
}
