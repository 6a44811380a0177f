// Package queue is the durable FIFO of hits waiting to be replayed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/austindbirch/hitrelay/internal/hit"
	"github.com/austindbirch/hitrelay/internal/logging"
	"github.com/austindbirch/hitrelay/internal/metrics"
	"github.com/austindbirch/hitrelay/internal/storage"
)

// Config wires a Queue. Codec defaults to JSON, Now to time.Now.
type Config struct {
	Store  storage.Store
	Codec  hit.Codec
	Logger *logging.Logger
	Now    func() time.Time
}

// Queue orders snapshots by (EnqueuedAt, Seq, ID). Push serializes id,
// timestamp and sequence assignment with the write itself, so the persisted
// order is the order in which pushes completed.
type Queue struct {
	store storage.Store
	codec hit.Codec
	log   *logging.Logger
	now   func() time.Time

	mu       sync.Mutex
	seeded   bool
	lastSeq  uint64
	lastTime int64
}

func New(cfg Config) *Queue {
	q := &Queue{
		store: cfg.Store,
		codec: cfg.Codec,
		log:   cfg.Logger,
		now:   cfg.Now,
	}
	if q.codec == nil {
		q.codec = hit.JSONCodec{}
	}
	if q.log == nil {
		q.log = logging.New("hitrelay-queue")
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Push persists s and returns its id. An empty ID gets a fresh ksuid.
// EnqueuedAt and Seq are always assigned here.
func (q *Queue) Push(ctx context.Context, s hit.Snapshot) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.seeded {
		if err := q.seed(ctx); err != nil {
			return "", err
		}
	}

	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	ts := q.now().UnixMilli()
	if ts < q.lastTime {
		ts = q.lastTime
	}
	s.EnqueuedAt = ts
	s.Seq = q.lastSeq + 1
	if err := s.Validate(); err != nil {
		return "", fmt.Errorf("queue: push: %w", err)
	}

	data, err := q.codec.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("queue: encode %s: %w", s.ID, err)
	}
	if err := q.store.Put(ctx, s.ID, data); err != nil {
		metrics.RecordStorageError("put")
		return "", &StorageError{Op: "put", Key: s.ID, Err: err}
	}

	q.lastSeq = s.Seq
	q.lastTime = ts
	metrics.QueueDepth.Inc()
	return s.ID, nil
}

// seed picks up the sequence where a previous process left it.
func (q *Queue) seed(ctx context.Context) error {
	values, err := q.store.Values(ctx)
	if err != nil {
		metrics.RecordStorageError("values")
		return &StorageError{Op: "values", Err: err}
	}
	for _, v := range values {
		var s hit.Snapshot
		if q.codec.Unmarshal(v, &s) != nil {
			continue
		}
		if s.Seq > q.lastSeq {
			q.lastSeq = s.Seq
		}
		if s.EnqueuedAt > q.lastTime {
			q.lastTime = s.EnqueuedAt
		}
	}
	q.seeded = true
	return nil
}

// List returns every queued snapshot in replay order. Storage is re-read
// on each call. Entries that fail to decode are deleted and reported via a
// *CorruptEntriesError alongside the good entries.
func (q *Queue) List(ctx context.Context) ([]hit.Snapshot, error) {
	values, err := q.store.Values(ctx)
	if err != nil {
		metrics.RecordStorageError("values")
		return nil, &StorageError{Op: "values", Err: err}
	}

	entries := make([]hit.Snapshot, 0, len(values))
	clean := true
	for _, v := range values {
		s, err := q.decode(v)
		if err != nil {
			clean = false
			break
		}
		entries = append(entries, s)
	}
	if !clean {
		// slow path: walk keys so bad entries can be identified and deleted
		return q.listByKey(ctx)
	}

	sortEntries(entries)
	metrics.SetQueueDepth(len(entries))
	return entries, nil
}

func (q *Queue) listByKey(ctx context.Context) ([]hit.Snapshot, error) {
	keys, err := q.store.Keys(ctx)
	if err != nil {
		metrics.RecordStorageError("keys")
		return nil, &StorageError{Op: "keys", Err: err}
	}

	entries := make([]hit.Snapshot, 0, len(keys))
	var corrupt CorruptEntriesError
	for _, key := range keys {
		v, err := q.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue // removed since Keys
		}
		if err != nil {
			metrics.RecordStorageError("get")
			return nil, &StorageError{Op: "get", Key: key, Err: err}
		}
		s, err := q.decode(v)
		if err == nil && s.ID != key {
			err = fmt.Errorf("id %q stored under key %q", s.ID, key)
		}
		if err != nil {
			corrupt.Keys = append(corrupt.Keys, key)
			corrupt.Errs = append(corrupt.Errs, fmt.Errorf("%s: %w", key, err))
			q.log.Plain().WithHit(key).WithError(err).Warn("removing corrupt queue entry")
			if derr := q.store.Delete(ctx, key); derr != nil {
				metrics.RecordStorageError("delete")
				return nil, &StorageError{Op: "delete", Key: key, Err: derr}
			}
			continue
		}
		entries = append(entries, s)
	}

	sortEntries(entries)
	metrics.SetQueueDepth(len(entries))
	if len(corrupt.Keys) > 0 {
		metrics.RecordCorrupt(len(corrupt.Keys))
		return entries, &corrupt
	}
	return entries, nil
}

func (q *Queue) decode(v []byte) (hit.Snapshot, error) {
	var s hit.Snapshot
	if err := q.codec.Unmarshal(v, &s); err != nil {
		return s, err
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	if s.ID == "" {
		return s, errors.New("missing id")
	}
	return s, nil
}

// Remove deletes id. Removing an absent id is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, id); err != nil {
		metrics.RecordStorageError("delete")
		return &StorageError{Op: "delete", Key: id, Err: err}
	}
	return nil
}

// Len is the number of persisted entries, corrupt ones included.
func (q *Queue) Len(ctx context.Context) (int, error) {
	keys, err := q.store.Keys(ctx)
	if err != nil {
		metrics.RecordStorageError("keys")
		return 0, &StorageError{Op: "keys", Err: err}
	}
	return len(keys), nil
}

func sortEntries(entries []hit.Snapshot) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.EnqueuedAt != b.EnqueuedAt {
			return a.EnqueuedAt < b.EnqueuedAt
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}
