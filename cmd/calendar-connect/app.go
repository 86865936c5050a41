package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/rs/zerolog/log"

	"github.com/raine/calendar-connect/config"
	"github.com/raine/calendar-connect/internal/auth"
	"github.com/raine/calendar-connect/internal/connection"
	"github.com/raine/calendar-connect/internal/storage"
)

// app holds the wired services for one account.
type app struct {
	cfg         config.Config
	backend     storage.Backend
	store       *storage.TokenStore
	client      *auth.Client
	flows       *auth.FlowController
	service     *connection.Service
	coordinator *connection.Coordinator
}

func newApp(cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	storeType, err := storage.ParseStoreType(cfg.StoreType)
	if err != nil {
		return nil, fmt.Errorf("invalid STORE_TYPE: %w", err)
	}
	backend, err := storage.NewBackend(storage.Config{
		Type:       storeType,
		SQLitePath: cfg.SQLitePath,
		Redis: storage.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		Passphrase: cfg.TokenPassphrase,
		Salt:       cfg.TokenSalt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token storage: %w", err)
	}
	log.Debug().Str("store", storeType.String()).Bool("encrypted", cfg.TokenPassphrase != "").Msg("token storage initialized")

	store := storage.NewTokenStore(backend, cfg.Account)
	client := auth.NewClient(auth.ClientOpts{
		Config: auth.ClientConfig{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURI:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			AuthURL:      cfg.AuthURL,
			TokenURL:     cfg.TokenURL,
			UserInfoURL:  cfg.UserInfoURL,
		},
	})
	refresher := auth.NewRefresher(auth.RefresherOpts{
		Client:  client,
		Store:   store,
		Account: store.Account(),
		Skew:    cfg.RefreshSkew,
		Timeout: cfg.RefreshTimeout,
	})
	service := connection.NewService(connection.ServiceOpts{
		Store:     store,
		Refresher: refresher,
		Skew:      cfg.RefreshSkew,
	})

	var syncer connection.Syncer
	if cfg.SyncURL != "" {
		syncer = connection.NewHTTPSyncer(connection.HTTPSyncerOpts{
			URL:        cfg.SyncURL,
			Credential: cfg.SyncCredential,
		})
	}

	return &app{
		cfg:         cfg,
		backend:     backend,
		store:       store,
		client:      client,
		flows:       auth.NewFlowController(auth.FlowControllerOpts{Client: client, Store: store}),
		service:     service,
		coordinator: connection.NewCoordinator(service, syncer),
	}, nil
}

func (a *app) Close() {
	if err := a.backend.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close token storage")
	}
}

func formatText(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

func configPath() string {
	configBase, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("~", ".config", config.AppName, config.EnvFileName)
	}
	return filepath.Join(configBase, config.AppName, config.EnvFileName)
}
