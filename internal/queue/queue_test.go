package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/hitrelay/internal/hit"
	"github.com/austindbirch/hitrelay/internal/logging"
	"github.com/austindbirch/hitrelay/internal/storage"
)

// flakyStore fails every operation while down is set.
type flakyStore struct {
	*storage.Memory
	mu   sync.Mutex
	down bool
}

var errDown = errors.New("store unavailable")

func (f *flakyStore) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *flakyStore) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *flakyStore) Put(ctx context.Context, k string, v []byte) error {
	if f.isDown() {
		return errDown
	}
	return f.Memory.Put(ctx, k, v)
}

func (f *flakyStore) Values(ctx context.Context) ([][]byte, error) {
	if f.isDown() {
		return nil, errDown
	}
	return f.Memory.Values(ctx)
}

func (f *flakyStore) Delete(ctx context.Context, k string) error {
	if f.isDown() {
		return errDown
	}
	return f.Memory.Delete(ctx, k)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func quietLogger() *logging.Logger {
	l := logging.New("test")
	l.SetOutput(io.Discard)
	return l
}

func newTestQueue(store storage.Store, clock *fakeClock) *Queue {
	cfg := Config{Store: store, Logger: quietLogger()}
	if clock != nil {
		cfg.Now = clock.Now
	}
	return New(cfg)
}

func pageview(path string) hit.Snapshot {
	return hit.Snapshot{
		Method: "GET",
		URL:    "https://www.google-analytics.com/collect?v=1&t=pageview&tid=UA-12345-1&cid=1&dp=" + path,
	}
}

func TestPush_AssignsIDTimeAndSeq(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	q := newTestQueue(storage.NewMemory(), clock)
	ctx := context.Background()

	id, err := q.Push(ctx, pageview("%2F"))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if len(id) != 27 {
		t.Errorf("Push() id = %q, want a 27 char ksuid", id)
	}

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("List() = %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.ID != id || got.Seq != 1 || got.EnqueuedAt != 1_700_000_000_000 {
		t.Errorf("entry = %+v", got)
	}
	if got.URL != pageview("%2F").URL {
		t.Errorf("URL = %q, want unchanged", got.URL)
	}
}

func TestPush_KeepsGivenID(t *testing.T) {
	q := newTestQueue(storage.NewMemory(), nil)
	s := pageview("%2F")
	s.ID = "custom-id"

	id, err := q.Push(context.Background(), s)
	if err != nil || id != "custom-id" {
		t.Fatalf("Push() = %q, %v", id, err)
	}
}

func TestPush_RejectsInvalid(t *testing.T) {
	q := newTestQueue(storage.NewMemory(), nil)
	tests := []struct {
		name string
		snap hit.Snapshot
	}{
		{name: "unsupported method", snap: hit.Snapshot{Method: "PUT", URL: "https://a.example/collect"}},
		{name: "relative url", snap: hit.Snapshot{Method: "GET", URL: "/collect?v=1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.Push(context.Background(), tt.snap); err == nil {
				t.Error("Push() should fail")
			} else if errors.Is(err, ErrStorage) {
				t.Errorf("Push() error %v should not be a storage error", err)
			}
		})
	}
}

func TestList_FIFOWithTiedTimestamps(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_000)}
	q := newTestQueue(storage.NewMemory(), clock)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Push(ctx, pageview(fmt.Sprintf("%%2Fp%d", i)))
		if err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
		ids = append(ids, id)
	}

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	for i, e := range entries {
		if e.ID != ids[i] {
			t.Errorf("entries[%d] = %s, want %s", i, e.ID, ids[i])
		}
	}
}

func TestPush_ClockGoingBackwards(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(5_000)}
	q := newTestQueue(storage.NewMemory(), clock)
	ctx := context.Background()

	first, _ := q.Push(ctx, pageview("a"))
	clock.Set(time.UnixMilli(4_000))
	second, _ := q.Push(ctx, pageview("b"))

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if entries[0].ID != first || entries[1].ID != second {
		t.Errorf("order = %s, %s; want %s, %s", entries[0].ID, entries[1].ID, first, second)
	}
	if entries[1].EnqueuedAt != 5_000 {
		t.Errorf("second EnqueuedAt = %d, want clamped to 5000", entries[1].EnqueuedAt)
	}
}

func TestPush_Concurrent(t *testing.T) {
	q := newTestQueue(storage.NewMemory(), nil)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := q.Push(ctx, pageview(fmt.Sprintf("p%d", i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Push() error = %v", err)
	}

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != n {
		t.Fatalf("List() = %d entries, want %d", len(entries), n)
	}
	seen := make(map[uint64]bool)
	for i, e := range entries {
		if seen[e.Seq] {
			t.Errorf("duplicate seq %d", e.Seq)
		}
		seen[e.Seq] = true
		if i > 0 && e.Seq < entries[i-1].Seq {
			t.Errorf("seq not increasing at %d", i)
		}
	}
}

func TestPush_SeedsSequenceFromStore(t *testing.T) {
	store := storage.NewMemory()
	clock := &fakeClock{t: time.UnixMilli(10_000)}
	ctx := context.Background()

	q1 := newTestQueue(store, clock)
	for i := 0; i < 3; i++ {
		if _, err := q1.Push(ctx, pageview("a")); err != nil {
			t.Fatal(err)
		}
	}

	// restarted process with the same storage
	q2 := newTestQueue(store, clock)
	id, err := q2.Push(ctx, pageview("b"))
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := q2.List(ctx)
	last := entries[len(entries)-1]
	if last.ID != id || last.Seq != 4 {
		t.Errorf("last entry = %s seq %d, want %s seq 4", last.ID, last.Seq, id)
	}
}

func TestList_CorruptEntries(t *testing.T) {
	store := storage.NewMemory()
	q := newTestQueue(store, nil)
	ctx := context.Background()

	good, err := q.Push(ctx, pageview("%2F"))
	if err != nil {
		t.Fatal(err)
	}
	_ = store.Put(ctx, "garbage", []byte("{not json"))
	_ = store.Put(ctx, "mismatch", mustMarshal(t, hit.Snapshot{
		ID: "other", Method: "GET", URL: "https://a.example/collect", EnqueuedAt: 1,
	}))

	entries, err := q.List(ctx)
	if !errors.Is(err, ErrCorruptEntry) {
		t.Fatalf("List() error = %v, want ErrCorruptEntry", err)
	}
	var ce *CorruptEntriesError
	if !errors.As(err, &ce) || len(ce.Keys) != 2 {
		t.Fatalf("CorruptEntriesError = %+v", ce)
	}
	if len(entries) != 1 || entries[0].ID != good {
		t.Errorf("List() entries = %+v, want only %s", entries, good)
	}

	// corrupt entries are gone afterwards
	entries, err = q.List(ctx)
	if err != nil || len(entries) != 1 {
		t.Errorf("second List() = %d entries, %v", len(entries), err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	q := newTestQueue(storage.NewMemory(), nil)
	ctx := context.Background()

	id, _ := q.Push(ctx, pageview("a"))
	for i := 0; i < 2; i++ {
		if err := q.Remove(ctx, id); err != nil {
			t.Errorf("Remove() call %d error = %v", i, err)
		}
	}
	if err := q.Remove(ctx, "never-existed"); err != nil {
		t.Errorf("Remove(unknown) error = %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestStorageErrors(t *testing.T) {
	store := &flakyStore{Memory: storage.NewMemory()}
	q := newTestQueue(store, nil)
	ctx := context.Background()

	id, err := q.Push(ctx, pageview("a"))
	if err != nil {
		t.Fatal(err)
	}
	store.setDown(true)

	_, err = q.Push(ctx, pageview("b"))
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "put" || !errors.Is(err, errDown) {
		t.Errorf("Push() error = %v, want put StorageError", err)
	}
	if _, err := q.List(ctx); !errors.Is(err, ErrStorage) {
		t.Errorf("List() error = %v, want ErrStorage", err)
	}
	if err := q.Remove(ctx, id); !errors.Is(err, ErrStorage) {
		t.Errorf("Remove() error = %v, want ErrStorage", err)
	}

	store.setDown(false)
	if entries, err := q.List(ctx); err != nil || len(entries) != 1 {
		t.Errorf("List() after recovery = %d, %v", len(entries), err)
	}
}

func TestCBORCodec(t *testing.T) {
	codec, err := hit.NewCBORCodec()
	if err != nil {
		t.Fatal(err)
	}
	q := New(Config{Store: storage.NewMemory(), Codec: codec, Logger: quietLogger()})
	ctx := context.Background()

	s := hit.Snapshot{
		Method:  "POST",
		URL:     "https://www.google-analytics.com/collect",
		Body:    []byte("v=1&t=pageview&tid=UA-12345-1&cid=1&dp=%2F"),
		Headers: []hit.Header{{Name: "Content-Type", Value: "text/plain"}},
	}
	id, err := q.Push(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := q.List(ctx)
	if err != nil || len(entries) != 1 {
		t.Fatalf("List() = %v, %v", entries, err)
	}
	if entries[0].ID != id || string(entries[0].Body) != string(s.Body) {
		t.Errorf("entry = %+v", entries[0])
	}
}

func mustMarshal(t *testing.T, s hit.Snapshot) []byte {
	t.Helper()
	b, err := hit.JSONCodec{}.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
