package main

import (
	"time"

	"github.com/pulsefeed/feedsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session and queue status",
	Long:  "Display the current configuration, the session identity and expiry, and how many posts are waiting in the offline queue. Nothing is sent.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		view := &statusView{
			Environment: a.cfg.Default.Environment,
			BaseURL:     a.client.BaseURL(),
			AnonKey:     maskKey(a.cfg.Default.AnonKey),
			Token:       tokenStatus(a.cfg.Auth.AccessToken, time.Now()),
			Online:      !flagOffline,
			Pending:     a.queue.Count(ctx),
			Theme:       a.prefs.Theme(ctx),
		}
		if a.cfg.Auth.AccessToken != "" {
			if u, err := feedsync.TokenIdentity(a.cfg.Auth.AccessToken); err == nil {
				view.User = u
			}
		}
		return renderStatus(cmd.OutOrStdout(), flagFormat, view)
	},
}
