package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.feedsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" json:"default" yaml:"default"`
	Auth    ConfigAuth    `toml:"auth" json:"auth" yaml:"auth"`
	Storage ConfigStorage `toml:"storage" json:"storage" yaml:"storage"`
	Feed    ConfigFeed    `toml:"feed" json:"feed" yaml:"feed"`
}

// ConfigDefault holds the project connection settings.
type ConfigDefault struct {
	AnonKey     string `toml:"anon_key" json:"anon_key,omitempty" yaml:"anon_key,omitempty"`
	Environment string `toml:"environment" json:"environment,omitempty" yaml:"environment,omitempty"`
	BaseURL     string `toml:"base_url" json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// ConfigAuth holds the signed-in session.
type ConfigAuth struct {
	AccessToken  string `toml:"access_token" json:"access_token,omitempty" yaml:"access_token,omitempty"`
	RefreshToken string `toml:"refresh_token" json:"refresh_token,omitempty" yaml:"refresh_token,omitempty"`
}

// ConfigStorage locates the local database holding the offline queue.
type ConfigStorage struct {
	Path string `toml:"path" json:"path,omitempty" yaml:"path,omitempty"`
}

type ConfigFeed struct {
	PageSize int `toml:"page_size" json:"page_size,omitempty" yaml:"page_size,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.feedsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".feedsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// resolvedConfig is the config file with the environment laid over it.
// A .env file in the working directory is loaded first; variables already
// set in the process win over it.
func resolvedConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		name string
		dst  *string
	}{
		{"FEEDSYNC_BASE_URL", &cfg.Default.BaseURL},
		{"FEEDSYNC_ANON_KEY", &cfg.Default.AnonKey},
		{"FEEDSYNC_ACCESS_TOKEN", &cfg.Auth.AccessToken},
		{"FEEDSYNC_STORAGE_PATH", &cfg.Storage.Path},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.name); v != "" {
			*o.dst = v
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "default.anon_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.anon_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "anon_key":
			cfg.Default.AnonKey = value
		case "environment":
			cfg.Default.Environment = value
		case "base_url":
			cfg.Default.BaseURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access_token":
			cfg.Auth.AccessToken = value
		case "refresh_token":
			cfg.Auth.RefreshToken = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "storage":
		if field != "path" {
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
		cfg.Storage.Path = value
	case "feed":
		if field != "page_size" {
			return fmt.Errorf("unknown field %q in section [feed]", field)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("feed.page_size must be a positive integer, got %q", value)
		}
		cfg.Feed.PageSize = n
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, storage, feed)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagOffline bool
	flagFormat  string
	flagVerbose bool

	logger = slog.New(slog.DiscardHandler)
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagOffline, "offline", false, "Act as if the device had no network")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "Output format: text, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log engine activity to stderr")
}

var rootCmd = &cobra.Command{
	Use:          "feedsync",
	Short:        "Offline-tolerant feed client",
	Long:         "Command-line client for the PulseFeed post service.\nPosts written offline are queued locally and delivered on the next online run.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch flagFormat {
		case formatText, formatJSON, formatYAML:
		default:
			return fmt.Errorf("unknown format %q (valid: text, json, yaml)", flagFormat)
		}
		if flagVerbose {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
