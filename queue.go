package feedsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/rs/xid"
)

// QueueIDPrefix starts every id generated by the offline queue.
const QueueIDPrefix = "offline-"

// QueueOptions configures an OfflineQueue.
type QueueOptions struct {
	Key    string // storage key, default QueueStorageKey
	Logger *slog.Logger
	Now    func() time.Time
}

// OfflineQueue is the durable FIFO list of writes not yet confirmed by the
// service. It knows nothing about the network.
//
// Every mutation reads the latest persisted list, changes it and writes it
// back while holding mu, so two enqueues can never lose each other.
type OfflineQueue struct {
	storage  Storage
	key      string
	logger   *slog.Logger
	now      func() time.Time
	validate *validator.Validate

	mu sync.Mutex
}

// NewOfflineQueue creates a queue persisted in storage.
func NewOfflineQueue(storage Storage, opts *QueueOptions) *OfflineQueue {
	q := &OfflineQueue{
		storage:  storage,
		key:      QueueStorageKey,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
		validate: newDraftValidator(),
	}
	if opts != nil {
		if opts.Key != "" {
			q.key = opts.Key
		}
		if opts.Logger != nil {
			q.logger = opts.Logger
		}
		if opts.Now != nil {
			q.now = opts.Now
		}
	}
	return q
}

func newDraftValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return v
}

// IsQueuedID reports whether id was generated by the offline queue.
func IsQueuedID(id string) bool {
	return strings.HasPrefix(id, QueueIDPrefix)
}

// newQueueID builds "offline-<unix millis>-<xid>". The zero-padded timestamp
// keeps lexical order close to enqueue order; the xid keeps ids unique across
// writes in the same millisecond and across process restarts.
func newQueueID(t time.Time) string {
	return fmt.Sprintf("%s%013d-%s", QueueIDPrefix, t.UnixMilli(), xid.NewWithTime(t).String())
}

// Enqueue appends a draft to the tail of the queue and persists the whole
// list. A persistence failure is returned wrapped in ErrPersistence; the
// write is never dropped silently.
func (q *OfflineQueue) Enqueue(ctx context.Context, draft Draft) (*QueuedWrite, error) {
	if err := q.validate.Struct(draft); err != nil {
		return nil, fmt.Errorf("invalid draft: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	writes, err := q.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	w := QueuedWrite{
		ID:          newQueueID(q.now()),
		Content:     draft.Content,
		AuthorEmail: draft.AuthorEmail,
		AuthorID:    draft.AuthorID,
		CreatedAt:   draft.CreatedAt,
	}
	writes = append(writes, w)

	if err := q.save(ctx, writes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return &w, nil
}

// List returns the pending writes in enqueue order. Missing or unreadable
// storage yields an empty list.
func (q *OfflineQueue) List(ctx context.Context) []QueuedWrite {
	q.mu.Lock()
	defer q.mu.Unlock()

	writes, err := q.load(ctx)
	if err != nil {
		q.logger.Warn("offline queue unreadable, treating as empty", "key", q.key, "error", err)
		return []QueuedWrite{}
	}
	if writes == nil {
		return []QueuedWrite{}
	}
	return writes
}

// RemoveByID drops the write with the given id. Removing an absent id is a
// no-op.
func (q *OfflineQueue) RemoveByID(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	writes, err := q.load(ctx)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}

	kept := writes[:0:0]
	for _, w := range writes {
		if w.ID != id {
			kept = append(kept, w)
		}
	}
	if len(kept) == len(writes) {
		return nil
	}

	if err := q.save(ctx, kept); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// Clear empties the queue.
func (q *OfflineQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.storage.RemoveItem(ctx, q.key); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// Count returns the number of pending writes.
func (q *OfflineQueue) Count(ctx context.Context) int {
	return len(q.List(ctx))
}

// load reads the persisted list. A storage error is returned so mutations do
// not overwrite writes they could not see; a corrupt payload is logged and
// read as empty.
func (q *OfflineQueue) load(ctx context.Context) ([]QueuedWrite, error) {
	raw, ok, err := q.storage.GetItem(ctx, q.key)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}

	var writes []QueuedWrite
	if err := json.Unmarshal([]byte(raw), &writes); err != nil {
		q.logger.Warn("discarding corrupt offline queue", "key", q.key, "error", err)
		return nil, nil
	}
	return writes, nil
}

func (q *OfflineQueue) save(ctx context.Context, writes []QueuedWrite) error {
	if writes == nil {
		writes = []QueuedWrite{}
	}
	data, err := json.Marshal(writes)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	return q.storage.SetItem(ctx, q.key, string(data))
}
