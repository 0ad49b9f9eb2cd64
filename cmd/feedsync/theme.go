package main

import (
	"fmt"

	"github.com/pulsefeed/feedsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(themeCmd)
}

var themeCmd = &cobra.Command{
	Use:       "theme [light|dark|auto]",
	Short:     "Show or set the theme preference",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(feedsync.ThemeLight), string(feedsync.ThemeDark), string(feedsync.ThemeAuto)},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), a.prefs.Theme(cmd.Context()))
			return nil
		}
		mode, err := feedsync.ParseThemeMode(args[0])
		if err != nil {
			return err
		}
		if err := a.prefs.SetTheme(cmd.Context(), mode); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Theme set to %s\n", mode)
		return nil
	},
}
