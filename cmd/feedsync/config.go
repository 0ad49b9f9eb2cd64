package main

import (
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print keys and tokens in full")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage feedsync configuration",
	Long:  "View or modify the feedsync configuration stored in ~/.feedsync/config.toml.",
}

var configReveal bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	Long: "Print the configuration file. Keys and tokens are masked unless --reveal is given.\n" +
		"Environment overrides are not applied here; 'feedsync status' shows the effective values.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No configuration file found. Run 'feedsync init <anon-key>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !configReveal {
			cfg = maskedConfig(cfg)
		}
		return renderConfig(cmd.OutOrStdout(), flagFormat, cfg)
	},
}

// maskedConfig returns a copy of cfg with its secrets shortened by maskKey.
func maskedConfig(cfg *Config) *Config {
	out := *cfg
	out.Default.AnonKey = maskKey(cfg.Default.AnonKey)
	out.Auth.AccessToken = maskKey(cfg.Auth.AccessToken)
	out.Auth.RefreshToken = maskKey(cfg.Auth.RefreshToken)
	return &out
}

func renderConfig(w io.Writer, format string, cfg *Config) error {
	var marshalErr error
	err := render(w, format, cfg, func(w io.Writer) {
		data, err := toml.Marshal(cfg)
		if err != nil {
			marshalErr = fmt.Errorf("cannot marshal config: %w", err)
			return
		}
		w.Write(data)
	})
	if err != nil {
		return err
	}
	return marshalErr
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: feedsync config set feed.page_size 20",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
