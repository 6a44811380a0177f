package replay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/hitrelay/internal/delivery"
	"github.com/austindbirch/hitrelay/internal/hit"
	"github.com/austindbirch/hitrelay/internal/logging"
	"github.com/austindbirch/hitrelay/internal/queue"
	"github.com/austindbirch/hitrelay/internal/storage"
)

const (
	collectURL = "https://www.google-analytics.com/collect"
	gaPayload  = "v=1&t=pageview&tid=UA-12345-1&cid=1&dp=%2F"
)

var errOffline = errors.New("dial tcp: connect: network is unreachable")

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sent struct {
	method string
	url    string
	body   string
}

// recordingSender records every request and fails those fail returns true for.
type recordingSender struct {
	mu   sync.Mutex
	reqs []sent
	fail func(n int, req *http.Request) bool
}

func (r *recordingSender) Send(_ context.Context, req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		body = string(b)
	}
	r.mu.Lock()
	n := len(r.reqs)
	r.reqs = append(r.reqs, sent{req.Method, req.URL.String(), body})
	fail := r.fail
	r.mu.Unlock()
	if fail != nil && fail(n, req) {
		return nil, errOffline
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (r *recordingSender) requests() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.reqs...)
}

type recordingPublisher struct {
	mu      sync.Mutex
	letters []delivery.DeadLetter
}

func (p *recordingPublisher) PublishDeadLetter(_ context.Context, dl delivery.DeadLetter) error {
	p.mu.Lock()
	p.letters = append(p.letters, dl)
	p.mu.Unlock()
	return nil
}

func quietLogger() *logging.Logger {
	l := logging.New("test")
	l.SetOutput(io.Discard)
	return l
}

type fixture struct {
	clock  *fakeClock
	queue  *queue.Queue
	sender *recordingSender
	dlq    *recordingPublisher
	engine *Engine
}

func newFixture(t *testing.T, overrides map[string]string) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &fakeClock{t: time.UnixMilli(1_700_000_000_000)},
		sender: &recordingSender{},
		dlq:    &recordingPublisher{},
	}
	f.queue = queue.New(queue.Config{Store: storage.NewMemory(), Logger: quietLogger(), Now: f.clock.Now})
	f.engine = New(Config{
		Queue:             f.queue,
		Sender:            f.sender,
		StopRetryingAfter: 48 * time.Hour,
		ParamOverrides:    overrides,
		DeadLetters:       f.dlq,
		Logger:            quietLogger(),
		Now:               f.clock.Now,
	})
	return f
}

func (f *fixture) push(t *testing.T, s hit.Snapshot) string {
	t.Helper()
	id, err := f.queue.Push(context.Background(), s)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	return id
}

func (f *fixture) queued(t *testing.T) int {
	t.Helper()
	n, err := f.queue.Len(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func getHit(query string) hit.Snapshot {
	return hit.Snapshot{Method: http.MethodGet, URL: collectURL + "?" + query}
}

func TestReplay_EmptyQueue(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.engine.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Attempted != 0 || res.Delivered != 0 || len(f.sender.requests()) != 0 {
		t.Errorf("Replay() on empty queue = %+v, %d sends", res, len(f.sender.requests()))
	}
}

func TestReplay_FIFOAndQueueTime(t *testing.T) {
	f := newFixture(t, nil)
	f.push(t, getHit("v=1&t=pageview&tid=UA-12345-1&cid=1&dp=%2Fa"))
	f.clock.Advance(200 * time.Millisecond)
	f.push(t, getHit("v=1&t=pageview&tid=UA-12345-1&cid=1&dp=%2Fb"))
	f.push(t, getHit("v=1&t=pageview&tid=UA-12345-1&cid=1&dp=%2Fc"))
	f.clock.Advance(1300 * time.Millisecond)

	res, err := f.engine.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Delivered != 3 || res.Attempted != 3 || res.Passes != 1 {
		t.Errorf("Replay() = %+v", res)
	}

	want := []string{
		collectURL + "?v=1&t=pageview&tid=UA-12345-1&cid=1&dp=%2Fa&qt=1500",
		collectURL + "?v=1&t=pageview&tid=UA-12345-1&cid=1&dp=%2Fb&qt=1300",
		collectURL + "?v=1&t=pageview&tid=UA-12345-1&cid=1&dp=%2Fc&qt=1300",
	}
	got := f.sender.requests()
	if len(got) != len(want) {
		t.Fatalf("sent %d requests, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].url != want[i] {
			t.Errorf("request %d url = %s, want %s", i, got[i].url, want[i])
		}
	}
	if n := f.queued(t); n != 0 {
		t.Errorf("queue len = %d, want 0", n)
	}
}

func TestReplay_QueueTimeFloor(t *testing.T) {
	f := newFixture(t, nil)
	f.push(t, getHit(gaPayload))

	if _, err := f.engine.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.sender.requests()[0].url; !strings.HasSuffix(got, "&qt=1") {
		t.Errorf("url = %s, want qt=1 for a hit replayed in the same millisecond", got)
	}
}

func TestReplay_CapturedQueueTimeOverwritten(t *testing.T) {
	f := newFixture(t, nil)
	f.push(t, getHit(gaPayload+"&qt=172799500"))
	f.clock.Advance(time.Second)

	res, err := f.engine.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Delivered != 1 {
		t.Fatalf("Replay() = %+v, want 1 delivered", res)
	}
	want := collectURL + "?" + gaPayload + "&qt=1000"
	if got := f.sender.requests()[0].url; got != want {
		t.Errorf("url = %s, want %s", got, want)
	}
}

func TestReplay_StaleEntriesDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	stale := f.push(t, getHit(gaPayload+"&cd1=old"))
	f.clock.Advance(47 * time.Hour)
	f.push(t, getHit(gaPayload+"&cd1=new"))
	f.clock.Advance(time.Hour) // stale is now exactly 48h old

	res, err := f.engine.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Expired != 1 || res.Delivered != 1 || res.Attempted != 1 {
		t.Errorf("Replay() = %+v", res)
	}
	got := f.sender.requests()
	if len(got) != 1 || !strings.Contains(got[0].url, "cd1=new") {
		t.Errorf("sent = %+v, want only the fresh hit", got)
	}
	if !strings.HasSuffix(got[0].url, "&qt=3600000") {
		t.Errorf("fresh url = %s", got[0].url)
	}
	if n := f.queued(t); n != 0 {
		t.Errorf("queue len = %d, want 0", n)
	}

	if len(f.dlq.letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(f.dlq.letters))
	}
	dl := f.dlq.letters[0]
	if dl.Hit.ID != stale || dl.Type != delivery.DLQType || dl.AgeMS != (48*time.Hour).Milliseconds() {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestReplay_FailureLeavesEntryAndContinues(t *testing.T) {
	f := newFixture(t, nil)
	first := f.push(t, getHit(gaPayload+"&n=1"))
	f.push(t, getHit(gaPayload+"&n=2"))
	f.sender.fail = func(_ int, req *http.Request) bool {
		return strings.Contains(req.URL.RawQuery, "n=1")
	}
	f.clock.Advance(time.Second)

	res, err := f.engine.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if res.Attempted != 2 || res.Delivered != 1 || res.Failed != 1 {
		t.Errorf("Replay() = %+v", res)
	}

	entries, _ := f.queue.List(context.Background())
	if len(entries) != 1 || entries[0].ID != first {
		t.Fatalf("remaining = %+v, want %s", entries, first)
	}
	// stored snapshot is untouched: no qt written back
	if entries[0].URL != collectURL+"?"+gaPayload+"&n=1" {
		t.Errorf("stored url = %s", entries[0].URL)
	}

	// next pass delivers it with the larger queue time
	f.sender.fail = nil
	f.clock.Advance(time.Second)
	if _, err := f.engine.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := f.sender.requests()
	if last := got[len(got)-1].url; !strings.HasSuffix(last, "&n=1&qt=2000") {
		t.Errorf("retried url = %s", last)
	}
}

func TestReplay_ParamOverrides(t *testing.T) {
	f := newFixture(t, map[string]string{"cd5": "replayed", "qt": "999"})
	f.push(t, hit.Snapshot{Method: http.MethodPost, URL: collectURL, Body: []byte(gaPayload)})
	f.clock.Advance(20 * time.Millisecond)

	if _, err := f.engine.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := f.sender.requests()[0]
	if got.body != gaPayload+"&cd5=replayed&qt=20" {
		t.Errorf("body = %q", got.body)
	}
}

func TestReplay_SingleFlight(t *testing.T) {
	f := newFixture(t, nil)
	f.push(t, getHit(gaPayload))

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	blocking := delivery.SenderFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return f.sender.Send(ctx, req)
	})
	f.engine.sender = blocking

	done := make(chan Result, 1)
	go func() {
		res, _ := f.engine.Replay(context.Background())
		done <- res
	}()
	<-entered

	for i := 0; i < 3; i++ {
		res, err := f.engine.Replay(context.Background())
		if err != nil || !res.Coalesced || res.Attempted != 0 {
			t.Errorf("concurrent Replay() = %+v, %v; want coalesced", res, err)
		}
	}
	close(release)

	res := <-done
	if res.Passes != 2 {
		t.Errorf("running Replay() passes = %d, want 2 (one rerun for all coalesced calls)", res.Passes)
	}
	if res.Delivered != 1 {
		t.Errorf("running Replay() delivered = %d, want 1", res.Delivered)
	}
	if n := len(f.sender.requests()); n != 1 {
		t.Errorf("sent %d requests, want 1", n)
	}
}

func TestReplay_CoalescedRequestSurvivesCancelledCaller(t *testing.T) {
	f := newFixture(t, nil)
	f.push(t, getHit(gaPayload))

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	f.engine.sender = delivery.SenderFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return f.sender.Send(ctx, req)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		res, _ := f.engine.Replay(ctx)
		done <- res
	}()
	<-entered

	if res, _ := f.engine.Replay(context.Background()); !res.Coalesced {
		t.Fatalf("concurrent Replay() = %+v, want coalesced", res)
	}
	cancel()
	close(release)

	res := <-done
	if res.Passes != 1 {
		t.Errorf("cancelled Replay() passes = %d, want 1", res.Passes)
	}
	if n := len(f.engine.trigger); n != 1 {
		t.Errorf("pending triggers = %d, want 1 so Run performs the coalesced pass", n)
	}
	if again, _ := f.engine.Replay(context.Background()); again.Coalesced {
		t.Error("engine should be idle after the cancelled caller returned")
	}
}

type brokenQueue struct {
	entries   []hit.Snapshot
	listErr   error
	removeErr error
}

func (b *brokenQueue) List(context.Context) ([]hit.Snapshot, error) { return b.entries, b.listErr }
func (b *brokenQueue) Remove(context.Context, string) error          { return b.removeErr }
func (b *brokenQueue) Len(context.Context) (int, error)              { return len(b.entries), nil }

func TestReplay_StorageErrors(t *testing.T) {
	sender := &recordingSender{}
	now := time.UnixMilli(1_700_000_000_000)

	t.Run("list failure aborts the pass", func(t *testing.T) {
		q := &brokenQueue{listErr: &queue.StorageError{Op: "values", Err: errors.New("conn reset")}}
		e := New(Config{Queue: q, Sender: sender, StopRetryingAfter: time.Hour, Logger: quietLogger()})
		_, err := e.Replay(context.Background())
		if !errors.Is(err, queue.ErrStorage) {
			t.Errorf("Replay() error = %v, want ErrStorage", err)
		}
	})

	t.Run("remove failures are joined", func(t *testing.T) {
		q := &brokenQueue{
			entries: []hit.Snapshot{
				{ID: "a", Method: "GET", URL: collectURL + "?v=1", EnqueuedAt: now.UnixMilli()},
				{ID: "b", Method: "GET", URL: collectURL + "?v=1", EnqueuedAt: now.UnixMilli()},
			},
			removeErr: &queue.StorageError{Op: "delete", Err: errors.New("read only")},
		}
		e := New(Config{
			Queue: q, Sender: sender, StopRetryingAfter: time.Hour,
			Logger: quietLogger(), Now: func() time.Time { return now },
		})
		res, err := e.Replay(context.Background())
		if !errors.Is(err, queue.ErrStorage) {
			t.Errorf("Replay() error = %v, want ErrStorage", err)
		}
		if res.Delivered != 2 {
			t.Errorf("Replay() delivered = %d, want 2", res.Delivered)
		}
	})

	t.Run("corrupt entries are counted, not fatal", func(t *testing.T) {
		q := &brokenQueue{listErr: &queue.CorruptEntriesError{Keys: []string{"x", "y"}}}
		e := New(Config{Queue: q, Sender: sender, StopRetryingAfter: time.Hour, Logger: quietLogger()})
		res, err := e.Replay(context.Background())
		if err != nil || res.Corrupt != 2 {
			t.Errorf("Replay() = %+v, %v", res, err)
		}
	})
}

// A GET and a POST pageview fail while offline, are queued, and both
// arrive with qt once connectivity is back.
func TestReplay_OfflinePageviews(t *testing.T) {
	f := newFixture(t, nil)
	offline := true
	live := delivery.SenderFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if offline {
			return nil, errOffline
		}
		return f.sender.Send(ctx, req)
	})
	wrapper := delivery.NewWrapper(live, f.queue, quietLogger())
	wrapper.OnConnectivityRestored(f.engine.Trigger)

	getReq, _ := http.NewRequest(http.MethodGet, collectURL+"?"+gaPayload, nil)
	postReq, _ := http.NewRequest(http.MethodPost, collectURL, strings.NewReader(gaPayload))
	for _, req := range []*http.Request{getReq, postReq} {
		if _, err := wrapper.Attempt(context.Background(), req); !errors.Is(err, delivery.ErrQueuedForRetry) {
			t.Fatalf("Attempt() error = %v", err)
		}
		f.clock.Advance(10 * time.Millisecond)
	}
	if n := f.queued(t); n != 2 {
		t.Fatalf("queue len = %d, want 2", n)
	}

	offline = false
	f.clock.Advance(5 * time.Second)
	res, err := f.engine.Replay(context.Background())
	if err != nil || res.Delivered != 2 {
		t.Fatalf("Replay() = %+v, %v", res, err)
	}

	got := f.sender.requests()
	if got[0].method != http.MethodGet || got[0].url != collectURL+"?"+gaPayload+"&qt=5020" {
		t.Errorf("GET replay = %+v", got[0])
	}
	if got[1].method != http.MethodPost || got[1].url != collectURL || got[1].body != gaPayload+"&qt=5010" {
		t.Errorf("POST replay = %+v", got[1])
	}
	if n := f.queued(t); n != 0 {
		t.Errorf("queue len = %d, want 0", n)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.engine.Trigger()
	}
	if n := len(f.engine.trigger); n != 1 {
		t.Errorf("pending triggers = %d, want 1", n)
	}
}

func TestRun_ProcessesTriggers(t *testing.T) {
	f := newFixture(t, nil)
	f.push(t, getHit(gaPayload))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(stopped)
	}()
	f.engine.Trigger()

	deadline := time.After(2 * time.Second)
	for f.queued(t) != 0 {
		select {
		case <-deadline:
			t.Fatal("Run did not replay the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-stopped
}

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) Trigger() { c.n.Add(1) }

func TestNSQTriggerHandler(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "json body", body: `{"reason":"deploy","trace_headers":{"traceparent":"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}}`},
		{name: "empty body", body: ""},
		{name: "not json", body: "replay please"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := &countingTrigger{}
			h := triggerHandler(ct, quietLogger())
			var id nsq.MessageID
			if err := h.HandleMessage(nsq.NewMessage(id, []byte(tt.body))); err != nil {
				t.Errorf("HandleMessage() error = %v", err)
			}
			if ct.n.Load() != 1 {
				t.Errorf("triggers = %d, want 1", ct.n.Load())
			}
		})
	}
}
