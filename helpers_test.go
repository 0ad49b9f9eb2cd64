package feedsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake post service
// ============================================================================

var errUnreachable = errors.New("service unreachable")

type fakeService struct {
	mu      sync.Mutex
	posts   []Post // newest first
	nextID  int
	user    *User
	userErr error

	failOn       map[string]error // content -> error returned by CreatePost
	createErr    error
	listFailures int // ListPosts fails this many times before succeeding
	listErr      error
	deleteErr    error

	calls     []string // contents passed to CreatePost, in order
	listCalls int

	// onCreate runs at the start of CreatePost, outside the lock.
	onCreate func(content string)
	// block, when set, makes CreatePost wait until it is closed.
	block chan struct{}
}

var _ PostService = (*fakeService)(nil)

func newFakeService() *fakeService {
	return &fakeService{
		user:   &User{ID: "user-1", Email: "alice@example.com"},
		failOn: make(map[string]error),
	}
}

func (f *fakeService) CreatePost(ctx context.Context, content, authorEmail, authorID string) (*Post, error) {
	if f.onCreate != nil {
		f.onCreate(content)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, content)
	if err := f.failOn[content]; err != nil {
		return nil, err
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	p := Post{
		ID:          fmt.Sprintf("srv-%d", f.nextID),
		Content:     content,
		AuthorEmail: authorEmail,
		AuthorID:    authorID,
		CreatedAt:   fmt.Sprintf("2026-10-19T10:00:%02d.000Z", f.nextID%60),
	}
	f.posts = append([]Post{p}, f.posts...)
	return &p, nil
}

func (f *fakeService) ListPosts(_ context.Context, offset, limit int) ([]Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listFailures > 0 {
		f.listFailures--
		return nil, errUnreachable
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	if offset >= len(f.posts) {
		return []Post{}, nil
	}
	end := min(offset+limit, len(f.posts))
	out := make([]Post, end-offset)
	copy(out, f.posts[offset:end])
	return out, nil
}

func (f *fakeService) DeletePost(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	kept := f.posts[:0:0]
	for _, p := range f.posts {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	f.posts = kept
	return nil
}

func (f *fakeService) CurrentUser(context.Context) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, f.userErr
}

func (f *fakeService) createCount(content string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == content {
			n++
		}
	}
	return n
}

func (f *fakeService) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// seed puts posts on the server, newest first.
func (f *fakeService) seed(contents ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range contents {
		f.nextID++
		f.posts = append([]Post{{
			ID:          fmt.Sprintf("srv-%d", f.nextID),
			Content:     c,
			AuthorEmail: "bob@example.com",
			AuthorID:    "user-2",
			CreatedAt:   "2026-10-18T09:00:00.000Z",
		}}, f.posts...)
	}
}

// ============================================================================
// Failing storage
// ============================================================================

type flakyStorage struct {
	*MemoryStorage
	mu     sync.Mutex
	getErr error
	setErr error
}

func newFlakyStorage() *flakyStorage {
	return &flakyStorage{MemoryStorage: NewMemoryStorage()}
}

func (s *flakyStorage) fail(get, set error) {
	s.mu.Lock()
	s.getErr, s.setErr = get, set
	s.mu.Unlock()
}

func (s *flakyStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	return s.MemoryStorage.GetItem(ctx, key)
}

func (s *flakyStorage) SetItem(ctx context.Context, key, value string) error {
	s.mu.Lock()
	err := s.setErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStorage.SetItem(ctx, key, value)
}

// ============================================================================
// Manager fixture
// ============================================================================

type fixture struct {
	svc     *fakeService
	storage *flakyStorage
	queue   *OfflineQueue
	cache   *FeedCache
	manager *OfflineManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		svc:     newFakeService(),
		storage: newFlakyStorage(),
		cache:   NewFeedCache(nil),
	}
	f.queue = NewOfflineQueue(f.storage, nil)
	f.manager = NewOfflineManager(f.queue, f.svc, f.cache, nil)
	t.Cleanup(func() {
		f.manager.Destroy()
		f.manager.Wait()
	})
	return f
}

func (f *fixture) enqueue(t *testing.T, contents ...string) []QueuedWrite {
	t.Helper()
	var out []QueuedWrite
	for _, c := range contents {
		w, err := f.queue.Enqueue(context.Background(), testDraft(c))
		require.NoError(t, err)
		out = append(out, *w)
	}
	return out
}

func testDraft(content string) Draft {
	return Draft{
		Content:     content,
		AuthorEmail: "alice@example.com",
		AuthorID:    "user-1",
		CreatedAt:   "2026-10-19T08:30:00.000Z",
	}
}

func contents(posts []DisplayPost) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.Content
	}
	return out
}
