package feedsync

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// PlaceholderIDPrefix starts the id of every optimistic placeholder.
const PlaceholderIDPrefix = "temp-"

var placeholderSeq atomic.Uint64

// newPlaceholderID combines a process-wide counter with a random UUID so two
// submissions in the same instant never share an id.
func newPlaceholderID() string {
	return fmt.Sprintf("%s%d-%s", PlaceholderIDPrefix, placeholderSeq.Add(1), uuid.NewString())
}

// IsPlaceholderID reports whether id belongs to an optimistic placeholder.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, PlaceholderIDPrefix)
}

// ProvenanceOf recovers where a post came from using only its id.
func ProvenanceOf(id string) Provenance {
	switch {
	case IsQueuedID(id):
		return ProvenanceQueued
	case IsPlaceholderID(id):
		return ProvenancePlaceholder
	default:
		return ProvenanceConfirmed
	}
}

// Merge builds the display list: queued writes first, then the server page.
// No deduplication is needed because a queued write is removed in the same
// drain step that confirms it.
func Merge(queued []QueuedWrite, server []Post) []DisplayPost {
	out := make([]DisplayPost, 0, len(queued)+len(server))
	for _, w := range queued {
		out = append(out, DisplayPost{Post: w.Post(), Provenance: ProvenanceQueued})
	}
	for _, p := range server {
		out = append(out, DisplayPost{Post: p, Provenance: ProvenanceOf(p.ID)})
	}
	return out
}
