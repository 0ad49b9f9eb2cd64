package feedsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultPageSize     = 10
	DefaultFetchRetries = 2

	// timestampLayout is RFC 3339 with millisecond precision.
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// OfflineOptions configures the OfflineManager.
type OfflineOptions struct {
	PageSize     int
	FetchRetries int
	Logger       *slog.Logger
	Now          func() time.Time
}

// ============================================================================
// Event Emitter
// ============================================================================

// OfflineEventHandler handles offline events.
type OfflineEventHandler func(event string, payload any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
}

// On registers a handler for one of the manager's lifecycle events.
func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// ============================================================================
// Offline Manager
// ============================================================================

// OfflineManager reconciles the offline queue, the read cache and the remote
// post service. It is the only component that touches both the queue and the
// remote service.
type OfflineManager struct {
	offlineEmitter
	queue  *OfflineQueue
	remote PostService
	cache  PageCache

	pageSize     int
	fetchRetries int
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	isOnline    bool
	syncing     bool
	redrain     bool // an online transition arrived while syncing
	stopped     bool
	unsubscribe []func()

	// createMu holds one optimistic create from snapshot to restore, so a
	// rollback never puts back another create's placeholder.
	createMu sync.Mutex

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewOfflineManager creates a new offline manager. It starts offline; call
// Init with a signal or SetOnline to go online.
func NewOfflineManager(queue *OfflineQueue, remote PostService, cache PageCache, opts *OfflineOptions) *OfflineManager {
	o := &OfflineManager{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler)},
		queue:          queue,
		remote:         remote,
		cache:          cache,
		pageSize:       DefaultPageSize,
		fetchRetries:   DefaultFetchRetries,
		logger:         slog.New(slog.DiscardHandler),
		now:            time.Now,
	}
	if opts != nil {
		if opts.PageSize > 0 {
			o.pageSize = opts.PageSize
		}
		if opts.FetchRetries > 0 {
			o.fetchRetries = opts.FetchRetries
		}
		if opts.Logger != nil {
			o.logger = opts.Logger
		}
		if opts.Now != nil {
			o.now = opts.Now
		}
	}
	if o.cache == nil {
		o.cache = NewFeedCache(&CacheOptions{Now: o.now})
	}
	o.bgCtx, o.bgCancel = context.WithCancel(context.Background())
	return o
}

// Init subscribes to the network signal and applies its current state.
func (o *OfflineManager) Init(signal NetworkSignal) {
	if signal == nil {
		return
	}
	unsub := signal.Subscribe(o.SetOnline)
	o.mu.Lock()
	o.unsubscribe = append(o.unsubscribe, unsub)
	o.mu.Unlock()

	o.SetOnline(signal.Online())
}

// Destroy unsubscribes from signals, cancels background drains and drops all
// event handlers. Queued writes stay persisted.
func (o *OfflineManager) Destroy() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	unsubs := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	o.bgCancel()
	o.removeAll()
}

// Wait blocks until background drains have finished.
func (o *OfflineManager) Wait() {
	o.bg.Wait()
}

// IsOnline returns current network state.
func (o *OfflineManager) IsOnline() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isOnline
}

// Syncing reports whether a drain cycle is running.
func (o *OfflineManager) Syncing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncing
}

// SetOnline updates network state. A false→true transition with a non-empty
// queue starts a background drain; repeated values are ignored.
func (o *OfflineManager) SetOnline(online bool) {
	o.mu.Lock()
	if o.stopped || o.isOnline == online {
		o.mu.Unlock()
		return
	}
	o.isOnline = online
	o.mu.Unlock()

	if online {
		o.logger.Info("network online")
		o.emit("network.online", nil)
		o.scheduleDrain()
	} else {
		o.logger.Info("network offline")
		o.emit("network.offline", nil)
	}
}

// Status returns the data behind the network banner.
func (o *OfflineManager) Status(ctx context.Context) Status {
	o.mu.Lock()
	s := Status{Online: o.isOnline, Syncing: o.syncing}
	o.mu.Unlock()
	s.Pending = o.queue.Count(ctx)
	return s
}

// ── Drain ────────────────────────────────────────────────

// beginDrain sets the in-progress flag if no drain is running. With
// coalesce, a refused start is remembered so the running drain takes
// another pass when it ends.
func (o *OfflineManager) beginDrain(coalesce bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return false
	}
	if o.syncing {
		if coalesce {
			o.redrain = true
		}
		return false
	}
	o.syncing = true
	return true
}

// endDrain clears the in-progress flag and reports whether a transition
// arrived meanwhile that still needs a pass.
func (o *OfflineManager) endDrain() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.syncing = false
	again := o.redrain && o.isOnline && !o.stopped
	o.redrain = false
	return again
}

func (o *OfflineManager) scheduleDrain() {
	if o.queue.Count(o.bgCtx) == 0 {
		return
	}
	// The flag is taken before the goroutine starts so an overlapping
	// transition can never start a second pass.
	if !o.beginDrain(true) {
		o.logger.Debug("drain already running, transition coalesced")
		return
	}
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		o.drain(o.bgCtx)
		if o.endDrain() {
			o.scheduleDrain()
		}
	}()
}

// Drain runs one drain cycle in the caller's goroutine.
func (o *OfflineManager) Drain(ctx context.Context) (*DrainResult, error) {
	if !o.IsOnline() {
		return nil, ErrOffline
	}
	if !o.beginDrain(false) {
		return nil, ErrDrainInProgress
	}
	result := o.drain(ctx)
	if o.endDrain() {
		o.scheduleDrain()
	}
	return result, nil
}

// drain sends every queued write in FIFO order. A confirmed write is removed
// right away; a failed one stays where it is and the pass moves on.
func (o *OfflineManager) drain(ctx context.Context) *DrainResult {
	writes := o.queue.List(ctx)
	result := &DrainResult{Confirmed: []string{}, Failed: []string{}}

	o.logger.Info("drain started", "pending", len(writes))
	o.emit("sync.start", map[string]any{"pending": len(writes)})

	for _, w := range writes {
		if ctx.Err() != nil || !o.IsOnline() {
			break
		}
		result.Attempted++

		post, err := o.remote.CreatePost(ctx, w.Content, w.AuthorEmail, w.AuthorID)
		if err != nil {
			o.logger.Warn("queued post not delivered", "id", w.ID, "error", err)
			result.Failed = append(result.Failed, w.ID)
			o.emit("sync.item.failed", map[string]any{"id": w.ID, "error": err.Error()})
			continue
		}

		// The service already has the post; removal must not be skipped
		// because the caller gave up.
		if err := o.queue.RemoveByID(context.WithoutCancel(ctx), w.ID); err != nil {
			o.logger.Error("confirmed post still queued, it will be sent again", "id", w.ID, "error", err)
		}
		result.Confirmed = append(result.Confirmed, w.ID)
		o.emit("sync.item.confirmed", map[string]any{"id": w.ID, "post": post})
	}

	result.Remaining = o.queue.Count(context.WithoutCancel(ctx))
	o.cache.Invalidate()

	o.logger.Info("drain finished",
		"attempted", result.Attempted,
		"confirmed", len(result.Confirmed),
		"failed", len(result.Failed),
		"remaining", result.Remaining)
	o.emit("sync.complete", result)
	return result
}

// ── Writes ───────────────────────────────────────────────

// CreatePost publishes content. Offline, the post is queued durably; online,
// it goes through the optimistic cache path.
func (o *OfflineManager) CreatePost(ctx context.Context, content string) (*CreateOutcome, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	user, err := o.remote.CurrentUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}
	if user == nil {
		return nil, ErrNotAuthenticated
	}

	if !o.IsOnline() {
		w, err := o.queue.Enqueue(ctx, Draft{
			Content:     content,
			AuthorEmail: user.Email,
			AuthorID:    user.ID,
			CreatedAt:   o.now().UTC().Format(timestampLayout),
		})
		if err != nil {
			return nil, err
		}
		o.logger.Info("post queued", "id", w.ID)
		o.emit("queue.enqueued", w)
		return &CreateOutcome{Queued: true, Write: w}, nil
	}

	post, err := o.createOptimistic(ctx, content, user)
	if err != nil {
		return nil, err
	}
	return &CreateOutcome{Post: post}, nil
}

// DeletePost removes a post. A queued id cancels the pending write locally;
// a placeholder cannot be deleted until its create resolves.
func (o *OfflineManager) DeletePost(ctx context.Context, id string) error {
	switch {
	case IsQueuedID(id):
		if err := o.queue.RemoveByID(ctx, id); err != nil {
			return err
		}
		o.emit("queue.removed", map[string]any{"id": id})
		return nil
	case IsPlaceholderID(id):
		return ErrPendingPost
	case !o.IsOnline():
		return ErrOffline
	}

	if err := o.remote.DeletePost(ctx, id); err != nil {
		return fmt.Errorf("delete post %s: %w", id, err)
	}
	o.cache.Invalidate()
	o.emit("feed.changed", map[string]any{"deleted": id})
	return nil
}

// ── Reads ────────────────────────────────────────────────

// Feed returns one page of the display list. Page 0 is prefixed with the
// queued writes. When the network is unavailable the last cached page is
// returned and marked stale.
func (o *OfflineManager) Feed(ctx context.Context, page int) (*FeedPage, error) {
	if page < 0 {
		return nil, fmt.Errorf("invalid page %d", page)
	}

	posts, fresh, cached := o.cache.Get(page)
	stale := !fresh
	if !fresh && o.IsOnline() {
		fetched, err := o.fetchPage(ctx, page)
		switch {
		case err == nil:
			o.cache.Set(page, fetched)
			posts, stale = fetched, false
		case cached:
			o.logger.Warn("serving cached page", "page", page, "error", err)
		default:
			return nil, fmt.Errorf("load page %d: %w", page, err)
		}
	}

	var queued []QueuedWrite
	if page == 0 {
		queued = o.queue.List(ctx)
	}
	return &FeedPage{
		Page:    page,
		Posts:   Merge(queued, posts),
		HasMore: countServerPosts(posts) >= o.pageSize,
		Stale:   stale,
	}, nil
}

// Refresh drops cached freshness and reloads the first page.
func (o *OfflineManager) Refresh(ctx context.Context) (*FeedPage, error) {
	o.cache.Invalidate()
	return o.Feed(ctx, 0)
}

func (o *OfflineManager) fetchPage(ctx context.Context, page int) ([]Post, error) {
	var lastErr error
	for attempt := 0; attempt <= o.fetchRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		posts, err := o.remote.ListPosts(ctx, page*o.pageSize, o.pageSize)
		if err == nil {
			return posts, nil
		}
		lastErr = err
		o.logger.Debug("list posts failed", "page", page, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// countServerPosts ignores placeholders patched into the page.
func countServerPosts(posts []Post) int {
	n := 0
	for _, p := range posts {
		if !IsPlaceholderID(p.ID) {
			n++
		}
	}
	return n
}

// ── Realtime ─────────────────────────────────────────────

// AttachRealtime invalidates the cache whenever the server pushes a change to
// the post table.
func (o *OfflineManager) AttachRealtime(rt *RealtimeClient) {
	rt.OnPostInserted(func(p Post) {
		o.cache.Invalidate()
		o.emit("feed.changed", map[string]any{"inserted": p.ID})
	})
	rt.OnPostDeleted(func(id string) {
		o.cache.Invalidate()
		o.emit("feed.changed", map[string]any{"deleted": id})
	})
}
