//go:build integration

package feedsync_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/feedsync"
)

// helpers ---------------------------------------------------------------

func anonKey(t *testing.T) string {
	t.Helper()
	key := os.Getenv("FEEDSYNC_ANON_KEY_TEST")
	if key == "" {
		t.Fatal("FEEDSYNC_ANON_KEY_TEST environment variable is required")
	}
	return key
}

func accessToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("FEEDSYNC_ACCESS_TOKEN_TEST")
	if token == "" {
		t.Fatal("FEEDSYNC_ACCESS_TOKEN_TEST environment variable is required")
	}
	return token
}

func newLiveClient(t *testing.T) *feedsync.Client {
	t.Helper()
	opts := []feedsync.ClientOption{feedsync.WithAccessToken(accessToken(t))}
	if base := os.Getenv("FEEDSYNC_BASE_URL_TEST"); base != "" {
		opts = append(opts, feedsync.WithBaseURL(base))
	}
	return feedsync.NewClient(anonKey(t), opts...)
}

func uniqueContent(prefix string) string {
	return fmt.Sprintf("%s %d", prefix, time.Now().UnixNano())
}

// =======================================================================
// Group 1: Remote post service
// =======================================================================

func TestIntegration_CurrentUser(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := client.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.NotEmpty(t, user.ID)
	t.Logf("current user id=%s email=%s", user.ID, user.Email)
}

func TestIntegration_CreateListDelete(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, err := client.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, user)

	content := uniqueContent("integration")
	post, err := client.CreatePost(ctx, content, user.Email, user.ID)
	require.NoError(t, err)
	assert.Equal(t, content, post.Content)
	assert.NotEmpty(t, post.ID)
	assert.NotEmpty(t, post.CreatedAt)

	posts, err := client.ListPosts(ctx, 0, 10)
	require.NoError(t, err)
	found := false
	for _, p := range posts {
		if p.ID == post.ID {
			found = true
		}
	}
	assert.True(t, found, "new post should be on the first page")

	require.NoError(t, client.DeletePost(ctx, post.ID))
}

// =======================================================================
// Group 2: Offline queue drained against the live service
// =======================================================================

func TestIntegration_OfflineThenDrain(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	storage, err := feedsync.OpenSQLiteStorage(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	defer storage.Close()

	queue := feedsync.NewOfflineQueue(storage, nil)
	manager := feedsync.NewOfflineManager(queue, client, feedsync.NewFeedCache(nil), nil)
	defer manager.Destroy()

	signal := feedsync.NewManualSignal(false)
	manager.Init(signal)

	content := uniqueContent("offline")
	outcome, err := manager.CreatePost(ctx, content)
	require.NoError(t, err)
	require.True(t, outcome.Queued)
	assert.Equal(t, 1, queue.Count(ctx))

	signal.Set(true)
	manager.Wait()
	assert.Equal(t, 0, queue.Count(ctx))

	page, err := manager.Feed(ctx, 0)
	require.NoError(t, err)
	var created *feedsync.DisplayPost
	for i := range page.Posts {
		if page.Posts[i].Content == content {
			created = &page.Posts[i]
		}
	}
	require.NotNil(t, created, "drained post should be in the server feed")
	assert.Equal(t, feedsync.ProvenanceConfirmed, created.Provenance)

	require.NoError(t, manager.DeletePost(ctx, created.ID))
}
