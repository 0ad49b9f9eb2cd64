package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pulsefeed/feedsync"
	"github.com/spf13/cobra"
)

var (
	feedPage    int
	feedRefresh bool
)

func init() {
	feedCmd.Flags().IntVar(&feedPage, "page", 0, "Page index, 0 is the newest")
	feedCmd.Flags().BoolVar(&feedRefresh, "refresh", false, "Ignore cached pages and reload the first page")
	rootCmd.AddCommand(feedCmd)
	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(deleteCmd)
}

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the feed",
	Long:  "Show one page of the feed. Posts still waiting in the offline queue are listed first on page 0.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if !flagOffline {
			if err := a.requireRemote(); err != nil {
				return err
			}
		}
		a.goOnline()

		var page *feedsync.FeedPage
		if feedRefresh {
			page, err = a.manager.Refresh(cmd.Context())
		} else {
			page, err = a.manager.Feed(cmd.Context(), feedPage)
		}
		if err != nil {
			return err
		}
		return renderFeed(cmd.OutOrStdout(), flagFormat, page)
	},
}

var postCmd = &cobra.Command{
	Use:   "post <content>",
	Short: "Publish a post",
	Long:  "Publish a post. With --offline, or when the service cannot be reached later, the post is kept in the local queue and sent on the next online run.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if !flagOffline {
			if err := a.requireRemote(); err != nil {
				return err
			}
		}
		a.goOnline()

		out, err := a.manager.CreatePost(cmd.Context(), strings.Join(args, " "))
		switch {
		case errors.Is(err, feedsync.ErrNotAuthenticated):
			return fmt.Errorf("%w; run 'feedsync auth set-token <token>' first", err)
		case err != nil:
			return err
		}
		return renderOutcome(cmd.OutOrStdout(), flagFormat, out)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a post or drop a queued one",
	Long:  "Delete a post from the service. Ids of queued posts (offline-...) are removed from the local queue instead and never sent.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		// A queued post is dropped locally; going online first would drain
		// the very post being deleted.
		id := args[0]
		if !feedsync.IsQueuedID(id) {
			if err := a.requireRemote(); err != nil {
				return err
			}
			a.goOnline()
		}

		if err := a.manager.DeletePost(cmd.Context(), id); err != nil {
			return err
		}
		if feedsync.IsQueuedID(id) {
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from the queue\n", id)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
		}
		return nil
	},
}
