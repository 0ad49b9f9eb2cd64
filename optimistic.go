package feedsync

import (
	"context"
	"fmt"
)

// createOptimistic is the online create path. The placeholder is visible in
// page 0 before the remote call resolves; on failure the page is put back
// exactly as it was before returning. Creates run one at a time.
func (o *OfflineManager) createOptimistic(ctx context.Context, content string, user *User) (*Post, error) {
	o.createMu.Lock()
	defer o.createMu.Unlock()

	snap := o.cache.Snapshot(0)

	placeholder := Post{
		ID:          newPlaceholderID(),
		Content:     content,
		AuthorEmail: user.Email,
		AuthorID:    user.ID,
		CreatedAt:   o.now().UTC().Format(timestampLayout),
	}
	o.cache.Patch(0, func(posts []Post) []Post {
		return append([]Post{placeholder}, posts...)
	})
	o.emit("post.optimistic", placeholder)

	post, err := o.remote.CreatePost(ctx, content, user.Email, user.ID)
	if err != nil {
		o.cache.Restore(snap)
		o.logger.Warn("post rejected, cache rolled back", "placeholder", placeholder.ID, "error", err)
		o.emit("post.rollback", map[string]any{"placeholder": placeholder.ID, "error": err.Error()})
		return nil, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	// Every page shifts by one, not just the first.
	o.cache.Invalidate()
	o.emit("post.confirmed", map[string]any{"placeholder": placeholder.ID, "post": post})
	return post, nil
}
