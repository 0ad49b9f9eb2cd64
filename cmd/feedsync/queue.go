package main

import (
	"fmt"
	"io"

	"github.com/pulsefeed/feedsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCountCmd)
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(syncCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline queue",
	Long:  "Inspect posts written offline that the service has not confirmed yet.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued posts, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return renderQueue(cmd.OutOrStdout(), flagFormat, a.queue.List(cmd.Context()))
	},
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of queued posts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		n := a.queue.Count(cmd.Context())
		return render(cmd.OutOrStdout(), flagFormat, map[string]int{"count": n}, func(w io.Writer) {
			fmt.Fprintln(w, n)
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every queued post without sending it",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		n := a.queue.Count(cmd.Context())
		if err := a.queue.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dropped %d queued posts\n", n)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send queued posts now",
	Long:  "Go online and send every queued post in the order it was written. Posts the service rejects stay queued for the next run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagOffline {
			return fmt.Errorf("cannot sync: %w", feedsync.ErrOffline)
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireRemote(); err != nil {
			return err
		}

		// The online transition itself starts the drain; sync only waits
		// for it and reports.
		result := &feedsync.DrainResult{Confirmed: []string{}, Failed: []string{}}
		a.manager.On("sync.complete", func(_ string, payload any) {
			if r, ok := payload.(*feedsync.DrainResult); ok {
				result = r
			}
		})
		a.goOnline()

		return renderDrain(cmd.OutOrStdout(), flagFormat, result)
	},
}
