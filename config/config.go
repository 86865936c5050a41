package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	AppName     = "calendar-connect"
	EnvFileName = "config.env"
	DBFileName  = "tokens.db"
)

// Config is the runtime configuration, read from the environment.
type Config struct {
	ClientID     string   `env:"GOOGLE_CLIENT_ID"`
	ClientSecret string   `env:"GOOGLE_CLIENT_SECRET"`
	RedirectURI  string   `env:"GOOGLE_REDIRECT_URI" envDefault:"http://127.0.0.1:8085/callback"`
	Scopes       []string `env:"GOOGLE_SCOPES" envSeparator:","`

	// Endpoint overrides, empty means Google's.
	AuthURL     string `env:"OAUTH_AUTH_URL"`
	TokenURL    string `env:"OAUTH_TOKEN_URL"`
	UserInfoURL string `env:"OAUTH_USERINFO_URL"`

	RefreshSkew       time.Duration `env:"REFRESH_SKEW" envDefault:"60s"`
	RefreshTimeout    time.Duration `env:"REFRESH_TIMEOUT" envDefault:"15s"`
	KeepAliveInterval time.Duration `env:"KEEPALIVE_INTERVAL" envDefault:"5m"`

	Account string `env:"ACCOUNT" envDefault:"default"`

	StoreType     string `env:"STORE_TYPE" envDefault:"sqlite"`
	SQLitePath    string `env:"SQLITE_PATH"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	// TokenPassphrase enables encryption of stored tokens.
	TokenPassphrase string `env:"TOKEN_PASSPHRASE"`
	TokenSalt       string `env:"TOKEN_SALT" envDefault:"calendar-connect"`

	SyncURL        string `env:"SYNC_URL"`
	SyncCredential string `env:"SYNC_CREDENTIAL"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`
}

// LoadEnvFile loads environment variables from the config file in the user's
// config directory. Errors are ignored since the file may not exist.
func LoadEnvFile() {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return
	}
	configPath := filepath.Join(configBase, AppName, EnvFileName)
	_ = godotenv.Load(configPath)
}

// Load parses the environment into a Config and fills derived defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.SQLitePath == "" {
		path, err := DefaultDBPath()
		if err != nil {
			return Config{}, err
		}
		cfg.SQLitePath = path
	}

	return cfg, nil
}

// Validate checks the settings needed to talk to the authorization server.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("GOOGLE_CLIENT_ID is required")
	}
	if c.RedirectURI == "" {
		return errors.New("GOOGLE_REDIRECT_URI is required")
	}
	if c.RefreshSkew < 0 {
		return errors.New("REFRESH_SKEW must not be negative")
	}
	return nil
}

// DefaultDBPath returns the token database path in the user's config
// directory, creating the directory if needed.
func DefaultDBPath() (string, error) {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config dir: %w", err)
	}
	dir := filepath.Join(configBase, AppName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	return filepath.Join(dir, DBFileName), nil
}
