package main

import (
	"fmt"
	"time"

	"github.com/pulsefeed/feedsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authSetTokenCmd)
	authCmd.AddCommand(authLogoutCmd)
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the signed-in session",
}

var authSetTokenCmd = &cobra.Command{
	Use:   "set-token <access-token>",
	Short: "Store a session access token",
	Long:  "Store the access token of a signed-in session. The token identifies the author of new posts, including posts written offline.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]
		user, err := feedsync.TokenIdentity(token)
		if err != nil {
			return fmt.Errorf("not a session token: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth.AccessToken = token
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s (%s)\n", valueOrDefault(user.Email, "(no email)"), user.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "Token: %s\n", tokenStatus(token, time.Now()))
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	Long:  "Remove the stored session tokens. Posts already queued keep the author they were written with.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
		return nil
	},
}
