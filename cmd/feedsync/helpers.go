package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pulsefeed/feedsync"
)

// app is the engine stack one command runs against.
type app struct {
	cfg     *Config
	client  *feedsync.Client
	storage *feedsync.SQLStorage
	queue   *feedsync.OfflineQueue
	manager *feedsync.OfflineManager
	prefs   *feedsync.Preferences
}

func clientOptions(cfg *Config) []feedsync.ClientOption {
	var opts []feedsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, feedsync.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, feedsync.WithEnvironment(feedsync.Environment(cfg.Default.Environment)))
	}
	if cfg.Auth.AccessToken != "" {
		opts = append(opts, feedsync.WithAccessToken(cfg.Auth.AccessToken))
	}
	return opts
}

func storagePath(cfg *Config) (string, error) {
	if cfg.Storage.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return "", fmt.Errorf("cannot create storage directory: %w", err)
		}
		return cfg.Storage.Path, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "feedsync.db"), nil
}

// openApp wires the client, the SQLite-backed queue and the offline manager.
// The manager starts offline; call goOnline to apply --offline.
func openApp() (*app, error) {
	cfg, err := resolvedConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	path, err := storagePath(cfg)
	if err != nil {
		return nil, err
	}
	storage, err := feedsync.OpenSQLiteStorage(path)
	if err != nil {
		return nil, err
	}

	client := feedsync.NewClient(cfg.Default.AnonKey, clientOptions(cfg)...)
	queue := feedsync.NewOfflineQueue(storage, &feedsync.QueueOptions{Logger: logger})
	manager := feedsync.NewOfflineManager(queue, client, nil, &feedsync.OfflineOptions{
		PageSize: cfg.Feed.PageSize,
		Logger:   logger,
	})

	return &app{
		cfg:     cfg,
		client:  client,
		storage: storage,
		queue:   queue,
		manager: manager,
		prefs:   feedsync.NewPreferences(storage, logger),
	}, nil
}

// requireRemote fails early when the service cannot be addressed at all.
func (a *app) requireRemote() error {
	if a.cfg.Default.AnonKey == "" {
		return fmt.Errorf("no anon key configured; run 'feedsync init <anon-key>' first")
	}
	return nil
}

// goOnline applies the --offline flag as the network signal. Going online
// drains writes left over from earlier offline runs; goOnline returns once
// that drain has finished.
func (a *app) goOnline() {
	a.manager.Init(feedsync.NewManualSignal(!flagOffline))
	a.manager.Wait()
}

func (a *app) Close() {
	a.manager.Destroy()
	a.manager.Wait()
	if err := a.storage.Close(); err != nil {
		logger.Warn("closing storage", "error", err)
	}
}
