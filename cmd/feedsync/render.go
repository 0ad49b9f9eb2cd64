package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pulsefeed/feedsync"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// render writes v as JSON or YAML, or calls text for the human format.
func render(w io.Writer, format string, v any, text func(io.Writer)) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}

func writeContent(w io.Writer, content string) {
	for _, line := range strings.Split(content, "\n") {
		fmt.Fprintf(w, "    %s\n", line)
	}
}

// ============================================================================
// Feed
// ============================================================================

func renderFeed(w io.Writer, format string, page *feedsync.FeedPage) error {
	return render(w, format, page, func(w io.Writer) {
		fmt.Fprintf(w, "Page %d", page.Page)
		if page.Stale {
			fmt.Fprint(w, " (cached, may be out of date)")
		}
		fmt.Fprintln(w)

		if len(page.Posts) == 0 {
			fmt.Fprintln(w, "  No posts")
		}
		for _, p := range page.Posts {
			fmt.Fprintf(w, "%-13s %s  %s  %s\n", "["+string(p.Provenance)+"]", p.ID, p.AuthorEmail, p.CreatedAt)
			writeContent(w, p.Content)
		}
		if page.HasMore {
			fmt.Fprintf(w, "More: feedsync feed --page %d\n", page.Page+1)
		}
	})
}

// ============================================================================
// Queue
// ============================================================================

func renderQueue(w io.Writer, format string, writes []feedsync.QueuedWrite) error {
	return render(w, format, writes, func(w io.Writer) {
		switch len(writes) {
		case 0:
			fmt.Fprintln(w, "No queued posts")
			return
		case 1:
			fmt.Fprintln(w, "1 queued post")
		default:
			fmt.Fprintf(w, "%d queued posts\n", len(writes))
		}
		for _, q := range writes {
			fmt.Fprintf(w, "%s  %s  %s\n", q.ID, q.AuthorEmail, q.CreatedAt)
			writeContent(w, q.Content)
		}
	})
}

func renderDrain(w io.Writer, format string, result *feedsync.DrainResult) error {
	return render(w, format, result, func(w io.Writer) {
		if result.Attempted == 0 && result.Remaining == 0 {
			fmt.Fprintln(w, "Nothing to sync")
			return
		}
		fmt.Fprintf(w, "Sync: %d confirmed, %d failed, %d remaining\n",
			len(result.Confirmed), len(result.Failed), result.Remaining)
		for _, id := range result.Confirmed {
			fmt.Fprintf(w, "  confirmed  %s\n", id)
		}
		for _, id := range result.Failed {
			fmt.Fprintf(w, "  failed     %s\n", id)
		}
	})
}

func renderOutcome(w io.Writer, format string, out *feedsync.CreateOutcome) error {
	return render(w, format, out, func(w io.Writer) {
		if out.Queued {
			fmt.Fprintf(w, "Queued %s; it will be sent on the next online run\n", out.Write.ID)
			return
		}
		fmt.Fprintf(w, "Posted %s\n", out.Post.ID)
	})
}

// ============================================================================
// Status
// ============================================================================

type statusView struct {
	Environment string             `json:"environment" yaml:"environment"`
	BaseURL     string             `json:"base_url" yaml:"base_url"`
	AnonKey     string             `json:"anon_key" yaml:"anon_key"`
	User        *feedsync.User     `json:"user,omitempty" yaml:"user,omitempty"`
	Token       string             `json:"token" yaml:"token"`
	Online      bool               `json:"online" yaml:"online"`
	Pending     int                `json:"pending" yaml:"pending"`
	Theme       feedsync.ThemeMode `json:"theme" yaml:"theme"`
}

func renderStatus(w io.Writer, format string, s *statusView) error {
	return render(w, format, s, func(w io.Writer) {
		fmt.Fprintln(w, "Configuration:")
		fmt.Fprintf(w, "  Environment: %s\n", valueOrDefault(s.Environment, "(not set)"))
		fmt.Fprintf(w, "  Base URL:    %s\n", s.BaseURL)
		fmt.Fprintf(w, "  Anon Key:    %s\n", valueOrDefault(s.AnonKey, "(not set)"))

		fmt.Fprintln(w)
		fmt.Fprintln(w, "Session:")
		if s.User != nil {
			fmt.Fprintf(w, "  User:        %s (%s)\n", s.User.Email, s.User.ID)
		} else {
			fmt.Fprintln(w, "  User:        (signed out)")
		}
		fmt.Fprintf(w, "  Token:       %s\n", s.Token)

		fmt.Fprintln(w)
		fmt.Fprintln(w, "Device:")
		network := "online"
		if !s.Online {
			network = "offline"
		}
		fmt.Fprintf(w, "  Network:     %s\n", network)
		fmt.Fprintf(w, "  Pending:     %d\n", s.Pending)
		fmt.Fprintf(w, "  Theme:       %s\n", s.Theme)
	})
}

// tokenStatus describes a session token's expiry relative to now.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	expires, err := feedsync.TokenExpiry(token)
	if err != nil {
		return "present (unparseable)"
	}
	if expires.IsZero() {
		return "present (no expiry set)"
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.UTC().Format(time.RFC3339))
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// ============================================================================
// Watch events
// ============================================================================

type watchEvent struct {
	Event string         `json:"event" yaml:"event"`
	ID    string         `json:"id,omitempty" yaml:"id,omitempty"`
	Post  *feedsync.Post `json:"post,omitempty" yaml:"post,omitempty"`
	Info  string         `json:"info,omitempty" yaml:"info,omitempty"`
}

// renderEvent writes one line (or YAML document) per event so the output
// can be piped while the stream is running.
func renderEvent(w io.Writer, format string, ev watchEvent) error {
	switch format {
	case formatJSON:
		return json.NewEncoder(w).Encode(ev)
	case formatYAML:
		fmt.Fprintln(w, "---")
		return render(w, formatYAML, ev, nil)
	}
	switch {
	case ev.Post != nil:
		fmt.Fprintf(w, "+ %s  %s: %s\n", ev.Post.ID, ev.Post.AuthorEmail, ev.Post.Content)
	case ev.ID != "":
		fmt.Fprintf(w, "- %s\n", ev.ID)
	case ev.Info != "":
		fmt.Fprintf(w, "* %s %s\n", ev.Event, ev.Info)
	default:
		fmt.Fprintf(w, "* %s\n", ev.Event)
	}
	return nil
}
