package storage

import (
	"fmt"
	"strings"
)

// StoreType represents the type of slot backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeRedis  StoreType = "redis"
)

// Config contains configuration for creating a backend.
type Config struct {
	Type       StoreType
	SQLitePath string
	Redis      RedisOptions
	// Passphrase enables at-rest encryption of slot values when set.
	Passphrase string
	// Salt for key derivation. Changing it makes existing values unreadable.
	Salt string
}

// NewBackend creates the backend described by cfg.
func NewBackend(cfg Config) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Type {
	case StoreTypeMemory:
		b = NewMemoryBackend()
	case StoreTypeSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite store requires a database path")
		}
		b, err = NewSQLiteBackend(cfg.SQLitePath)
	case StoreTypeRedis:
		b, err = NewRedisBackendFromOptions(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Passphrase == "" {
		return b, nil
	}
	enc, err := NewEncryptedBackend(b, DeriveKey(cfg.Passphrase, []byte(cfg.Salt)))
	if err != nil {
		b.Close()
		return nil, err
	}
	return enc, nil
}

// ParseStoreType parses a string into a StoreType. An empty string selects
// SQLite.
func ParseStoreType(s string) (StoreType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite":
		return StoreTypeSQLite, nil
	case "memory":
		return StoreTypeMemory, nil
	case "redis":
		return StoreTypeRedis, nil
	default:
		return "", fmt.Errorf("unsupported store type: %q", s)
	}
}

func (t StoreType) String() string {
	return string(t)
}
