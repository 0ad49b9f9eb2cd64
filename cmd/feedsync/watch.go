package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/pulsefeed/feedsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream feed changes as they happen",
	Long: "Subscribe to post changes over the realtime socket until interrupted.\n" +
		"The socket doubles as the network signal: every reconnect sends whatever is queued.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagOffline {
			return fmt.Errorf("cannot watch: %w", feedsync.ErrOffline)
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireRemote(); err != nil {
			return err
		}

		ctx := cmd.Context()
		rt := feedsync.NewRealtimeClient(a.client, &feedsync.RealtimeConfig{
			AutoReconnect:        true,
			MaxReconnectAttempts: -1,
			Logger:               logger,
		})

		var mu sync.Mutex
		out := cmd.OutOrStdout()
		emitLine := func(ev watchEvent) {
			mu.Lock()
			defer mu.Unlock()
			if err := renderEvent(out, flagFormat, ev); err != nil {
				logger.Warn("render event", "error", err)
			}
		}
		watchEvents(a.manager, rt, emitLine)

		a.manager.AttachRealtime(rt)
		a.manager.Init(feedsync.NewRealtimeSignal(rt))

		if err := rt.Connect(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		// The socket usually died with ctx already.
		if err := rt.Disconnect(); err != nil {
			logger.Debug("realtime disconnect", "error", err)
		}
		return nil
	},
}

// watchEvents forwards socket and engine activity to emit.
func watchEvents(m *feedsync.OfflineManager, rt *feedsync.RealtimeClient, emit func(watchEvent)) {
	rt.OnPostInserted(func(p feedsync.Post) {
		emit(watchEvent{Event: "post.inserted", ID: p.ID, Post: &p})
	})
	rt.OnPostDeleted(func(id string) {
		emit(watchEvent{Event: "post.deleted", ID: id})
	})
	rt.OnReconnecting(func(attempt int, delay time.Duration) {
		emit(watchEvent{Event: "reconnecting", Info: fmt.Sprintf("attempt %d in %s", attempt, delay)})
	})
	m.On("network.online", func(event string, _ any) {
		emit(watchEvent{Event: event})
	})
	m.On("network.offline", func(event string, _ any) {
		emit(watchEvent{Event: event})
	})
	m.On("sync.complete", func(event string, payload any) {
		r, ok := payload.(*feedsync.DrainResult)
		if !ok {
			return
		}
		emit(watchEvent{Event: event, Info: fmt.Sprintf("%d confirmed, %d failed, %d remaining",
			len(r.Confirmed), len(r.Failed), r.Remaining)})
	})
}
