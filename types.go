package feedsync

import (
	"errors"
	"fmt"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the remote post service.
type APIError struct {
	Status  int    `json:"-" yaml:"-"`
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
	Details string `json:"details,omitempty" yaml:"details,omitempty"`
	Hint    string `json:"hint,omitempty" yaml:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

var (
	// ErrEmptyContent is returned when a post body is blank after trimming.
	ErrEmptyContent = errors.New("post content cannot be empty")

	// ErrNotAuthenticated is returned when no current user can be resolved.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrPersistence marks a failure to durably write the offline queue.
	ErrPersistence = errors.New("offline queue persistence failed")

	// ErrCreateFailed marks a failed online create; the cache has been rolled back.
	ErrCreateFailed = errors.New("failed to create post")

	// ErrDrainInProgress is returned by Drain while another drain cycle is active.
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrOffline is returned for operations that need the network.
	ErrOffline = errors.New("offline")

	// ErrPendingPost is returned when acting on an optimistic placeholder.
	ErrPendingPost = errors.New("post is still being created")

	// ErrInvalidThemeMode is returned for theme modes other than light, dark and auto.
	ErrInvalidThemeMode = errors.New("invalid theme mode")
)

// ============================================================================
// Post Types
// ============================================================================

// Post is a record of the remote "posts" resource.
type Post struct {
	ID          string `json:"id" yaml:"id"`
	Content     string `json:"content" yaml:"content"`
	AuthorEmail string `json:"author_email" yaml:"author_email"`
	AuthorID    string `json:"user_id" yaml:"user_id"`
	CreatedAt   string `json:"created_at" yaml:"created_at"`
}

// User is the signed-in identity.
type User struct {
	ID    string `json:"id" yaml:"id"`
	Email string `json:"email" yaml:"email"`
}

// Draft is a post about to be queued for later delivery. The author is the
// session identity as-is; sessions without an email (phone sign-in) queue too.
type Draft struct {
	Content     string `validate:"required,notblank"`
	AuthorEmail string
	AuthorID    string `validate:"required"`
	CreatedAt   string `validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
}

// QueuedWrite is a create operation persisted in the offline queue.
// Membership in the queue is the only "unsynced" marker.
type QueuedWrite struct {
	ID          string `json:"id" yaml:"id"`
	Content     string `json:"content" yaml:"content"`
	AuthorEmail string `json:"author_email" yaml:"author_email"`
	AuthorID    string `json:"user_id" yaml:"user_id"`
	CreatedAt   string `json:"created_at" yaml:"created_at"`
}

// Post returns the write as a post record carrying its queue id.
func (w QueuedWrite) Post() Post {
	return Post{
		ID:          w.ID,
		Content:     w.Content,
		AuthorEmail: w.AuthorEmail,
		AuthorID:    w.AuthorID,
		CreatedAt:   w.CreatedAt,
	}
}

// Provenance tells where a displayed post comes from.
type Provenance string

const (
	ProvenanceQueued      Provenance = "queued"
	ProvenancePlaceholder Provenance = "placeholder"
	ProvenanceConfirmed   Provenance = "confirmed"
)

// DisplayPost is a post as shown in the feed.
type DisplayPost struct {
	Post       `yaml:",inline"`
	Provenance Provenance `json:"provenance" yaml:"provenance"`
}

// ============================================================================
// Engine Results
// ============================================================================

// CreateOutcome reports which path a create took.
// Exactly one of Write (offline path) or Post (online path) is set.
type CreateOutcome struct {
	Queued bool         `json:"queued" yaml:"queued"`
	Write  *QueuedWrite `json:"write,omitempty" yaml:"write,omitempty"`
	Post   *Post        `json:"post,omitempty" yaml:"post,omitempty"`
}

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	Attempted int      `json:"attempted" yaml:"attempted"`
	Confirmed []string `json:"confirmed" yaml:"confirmed"`
	Failed    []string `json:"failed" yaml:"failed"`
	Remaining int      `json:"remaining" yaml:"remaining"`
}

// FeedPage is one page of the display-merged feed.
type FeedPage struct {
	Page    int           `json:"page" yaml:"page"`
	Posts   []DisplayPost `json:"posts" yaml:"posts"`
	HasMore bool          `json:"hasMore" yaml:"hasMore"`
	Stale   bool          `json:"stale" yaml:"stale"`
}

// Status is the data behind the network banner.
type Status struct {
	Online  bool `json:"online" yaml:"online"`
	Syncing bool `json:"syncing" yaml:"syncing"`
	Pending int  `json:"pending" yaml:"pending"`
}
