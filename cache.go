package feedsync

import (
	"sync"
	"time"
)

const (
	DefaultStaleTime = 30 * time.Second
	DefaultGCTime    = 5 * time.Minute
)

// PageCache is the narrow surface the engine uses on the read cache.
type PageCache interface {
	// Get returns a copy of a cached page and whether it is still fresh.
	Get(page int) (posts []Post, fresh bool, ok bool)
	// Set stores a freshly fetched page.
	Set(page int, posts []Post)
	// Snapshot captures a page exactly as it is now, including its absence.
	Snapshot(page int) PageSnapshot
	// Patch replaces a page with fn(current). An absent page patches as empty.
	Patch(page int, fn func([]Post) []Post)
	// Restore puts a snapshot back verbatim.
	Restore(snap PageSnapshot)
	// Invalidate marks the given pages stale, or every page when none is given.
	Invalidate(pages ...int)
}

// PageSnapshot is an opaque-enough copy of one cache entry.
type PageSnapshot struct {
	Page      int
	Present   bool
	Posts     []Post
	FetchedAt time.Time
	Stale     bool
}

// CacheOptions configures a FeedCache.
type CacheOptions struct {
	StaleTime time.Duration
	GCTime    time.Duration
	Now       func() time.Time
}

type cacheEntry struct {
	posts     []Post
	fetchedAt time.Time
	stale     bool
	touchedAt time.Time
}

// FeedCache is an in-memory PageCache keyed by page index.
type FeedCache struct {
	mu        sync.Mutex
	pages     map[int]*cacheEntry
	staleTime time.Duration
	gcTime    time.Duration
	now       func() time.Time
}

var _ PageCache = (*FeedCache)(nil)

// NewFeedCache creates an empty cache.
func NewFeedCache(opts *CacheOptions) *FeedCache {
	c := &FeedCache{
		pages:     make(map[int]*cacheEntry),
		staleTime: DefaultStaleTime,
		gcTime:    DefaultGCTime,
		now:       time.Now,
	}
	if opts != nil {
		if opts.StaleTime > 0 {
			c.staleTime = opts.StaleTime
		}
		if opts.GCTime > 0 {
			c.gcTime = opts.GCTime
		}
		if opts.Now != nil {
			c.now = opts.Now
		}
	}
	return c
}

func copyPosts(posts []Post) []Post {
	if posts == nil {
		return nil
	}
	out := make([]Post, len(posts))
	copy(out, posts)
	return out
}

// collect drops entries nobody has touched for gcTime. Caller holds mu.
func (c *FeedCache) collect(now time.Time) {
	for page, e := range c.pages {
		if now.Sub(e.touchedAt) > c.gcTime {
			delete(c.pages, page)
		}
	}
}

func (c *FeedCache) Get(page int) ([]Post, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.collect(now)
	e, ok := c.pages[page]
	if !ok {
		return nil, false, false
	}
	e.touchedAt = now
	fresh := !e.stale && now.Sub(e.fetchedAt) < c.staleTime
	return copyPosts(e.posts), fresh, true
}

func (c *FeedCache) Set(page int, posts []Post) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.collect(now)
	c.pages[page] = &cacheEntry{
		posts:     copyPosts(posts),
		fetchedAt: now,
		touchedAt: now,
	}
}

func (c *FeedCache) Snapshot(page int) PageSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.pages[page]
	if !ok {
		return PageSnapshot{Page: page}
	}
	return PageSnapshot{
		Page:      page,
		Present:   true,
		Posts:     copyPosts(e.posts),
		FetchedAt: e.fetchedAt,
		Stale:     e.stale,
	}
}

func (c *FeedCache) Patch(page int, fn func([]Post) []Post) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.pages[page]
	if !ok {
		// Nothing was fetched for this page yet; keep it stale so the next
		// read still goes to the network.
		e = &cacheEntry{stale: true}
		c.pages[page] = e
	}
	e.posts = fn(copyPosts(e.posts))
	e.touchedAt = now
}

func (c *FeedCache) Restore(snap PageSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !snap.Present {
		delete(c.pages, snap.Page)
		return
	}
	c.pages[snap.Page] = &cacheEntry{
		posts:     copyPosts(snap.Posts),
		fetchedAt: snap.FetchedAt,
		stale:     snap.Stale,
		touchedAt: c.now(),
	}
}

func (c *FeedCache) Invalidate(pages ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(pages) == 0 {
		for _, e := range c.pages {
			e.stale = true
		}
		return
	}
	for _, p := range pages {
		if e, ok := c.pages[p]; ok {
			e.stale = true
		}
	}
}
