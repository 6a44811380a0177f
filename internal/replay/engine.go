// Package replay drains the retry queue in order, injecting the queue time
// into each hit and dropping hits that have waited too long.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hitrelay/internal/delivery"
	"github.com/austindbirch/hitrelay/internal/hit"
	"github.com/austindbirch/hitrelay/internal/logging"
	"github.com/austindbirch/hitrelay/internal/metrics"
	"github.com/austindbirch/hitrelay/internal/queue"
	"github.com/austindbirch/hitrelay/internal/tracing"
)

// Queue is what the engine needs from the retry queue.
type Queue interface {
	List(ctx context.Context) ([]hit.Snapshot, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}

type Config struct {
	Queue             Queue
	Sender            delivery.Sender
	StopRetryingAfter time.Duration
	// ParamOverrides are set on every replayed payload. qt is reserved.
	ParamOverrides map[string]string
	// DeadLetters receives expired hits when set.
	DeadLetters delivery.Publisher
	Logger      *logging.Logger
	Now         func() time.Time
}

// Result summarizes one Replay call. Delivered counts hits the upstream
// accepted at the transport level.
type Result struct {
	Attempted int           `json:"attempted"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Expired   int           `json:"expired"`
	Corrupt   int           `json:"corrupt"`
	Passes    int           `json:"passes"`
	Coalesced bool          `json:"coalesced"`
	Duration  time.Duration `json:"duration_ns"`
}

func (r *Result) add(o Result) {
	r.Attempted += o.Attempted
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.Expired += o.Expired
	r.Corrupt += o.Corrupt
	r.Passes += o.Passes
}

type override struct{ key, value string }

// Engine runs at most one replay pass at a time.
type Engine struct {
	queue     Queue
	sender    delivery.Sender
	stopAfter time.Duration
	overrides []override
	dlq       delivery.Publisher
	log       *logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	rerun   bool

	trigger chan struct{}
}

func New(cfg Config) *Engine {
	e := &Engine{
		queue:     cfg.Queue,
		sender:    cfg.Sender,
		stopAfter: cfg.StopRetryingAfter,
		dlq:       cfg.DeadLetters,
		log:       cfg.Logger,
		now:       cfg.Now,
		trigger:   make(chan struct{}, 1),
	}
	if e.log == nil {
		e.log = logging.New("hitrelay-replay")
	}
	if e.now == nil {
		e.now = time.Now
	}
	for k, v := range cfg.ParamOverrides {
		if k == hit.QueueTimeParam {
			e.log.Plain().WithField("param", k).Warn("ignoring replay override of reserved parameter")
			continue
		}
		e.overrides = append(e.overrides, override{k, v})
	}
	sort.Slice(e.overrides, func(i, j int) bool { return e.overrides[i].key < e.overrides[j].key })
	return e
}

// Replay drains the queue once. If a pass is already running the call
// returns immediately with Coalesced set and the running pass goes round
// once more when it finishes. If the running caller's ctx is done by then,
// the extra pass is handed to Run via Trigger. List failures abort a pass;
// Remove failures are collected and returned after it.
func (e *Engine) Replay(ctx context.Context) (Result, error) {
	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		return Result{Coalesced: true}, nil
	}
	e.running = true
	e.mu.Unlock()

	start := time.Now()
	var total Result
	var errs []error
	for {
		r, err := e.pass(ctx)
		total.add(r)
		if err != nil {
			errs = append(errs, err)
		}

		e.mu.Lock()
		if !e.rerun || ctx.Err() != nil {
			pending := e.rerun
			e.running = false
			e.rerun = false
			e.mu.Unlock()
			if pending {
				// caller went away, Run picks the coalesced request up
				e.Trigger()
			}
			break
		}
		e.rerun = false
		e.mu.Unlock()
	}
	total.Duration = time.Since(start)
	return total, errors.Join(errs...)
}

func (e *Engine) pass(ctx context.Context) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "replay.pass")
	defer span.End()
	start := time.Now()
	defer func() { metrics.ObserveReplay(time.Since(start)) }()

	res := Result{Passes: 1}
	entries, err := e.queue.List(ctx)
	var corrupt *queue.CorruptEntriesError
	switch {
	case errors.As(err, &corrupt):
		res.Corrupt = len(corrupt.Keys)
		e.log.WithContext(ctx).Warnf("removed %d corrupt queue entries", res.Corrupt)
	case err != nil:
		tracing.SetSpanError(ctx, err)
		e.log.WithContext(ctx).WithError(err).Error("replay aborted: cannot list queue")
		return res, fmt.Errorf("replay: list: %w", err)
	}
	span.SetAttributes(attribute.Int("replay.entries", len(entries)))

	var removeErrs []error
	for _, s := range entries {
		if ctx.Err() != nil {
			break
		}
		elapsed := s.Age(e.now())

		if elapsed >= e.stopAfter {
			if err := e.queue.Remove(ctx, s.ID); err != nil {
				removeErrs = append(removeErrs, err)
				continue
			}
			res.Expired++
			metrics.RecordStale(1)
			e.deadLetter(ctx, s, elapsed)
			continue
		}

		res.Attempted++
		if !e.replayEntry(ctx, s, elapsed) {
			res.Failed++
			continue
		}
		res.Delivered++
		if err := e.queue.Remove(ctx, s.ID); err != nil {
			// delivered but still queued, the next pass sends it again
			removeErrs = append(removeErrs, err)
		}
	}

	if n, err := e.queue.Len(ctx); err == nil {
		metrics.SetQueueDepth(n)
	}
	span.SetAttributes(
		attribute.Int("replay.delivered", res.Delivered),
		attribute.Int("replay.failed", res.Failed),
		attribute.Int("replay.expired", res.Expired),
	)
	if res.Attempted+res.Expired > 0 {
		e.log.WithContext(ctx).WithFields(map[string]any{
			"delivered": res.Delivered,
			"failed":    res.Failed,
			"expired":   res.Expired,
		}).Info("replay pass finished")
	}
	return res, errors.Join(removeErrs...)
}

func (e *Engine) replayEntry(ctx context.Context, s hit.Snapshot, elapsed time.Duration) bool {
	ctx, span := tracing.StartSpan(ctx, "replay.entry", attribute.String("hit.id", s.ID))
	defer span.End()

	snap := e.applyOverrides(s)
	snap, qt := snap.WithQueueTime(elapsed)
	span.SetAttributes(attribute.Int64("hit.qt_ms", qt))

	req, err := snap.Request(ctx)
	if err != nil {
		// Validate passed at List time, so this is not expected
		tracing.SetSpanError(ctx, err)
		e.log.WithContext(ctx).WithHit(s.ID).WithError(err).Error("cannot rebuild queued hit")
		metrics.RecordReplayAttempt("failed")
		return false
	}

	start := time.Now()
	resp, err := e.sender.Send(ctx, req)
	metrics.ObserveDelivery("replay", time.Since(start))
	if err != nil {
		reason := delivery.ClassifyReason(err)
		metrics.RecordTransportFailure(reason)
		metrics.RecordReplayAttempt("failed")
		span.SetAttributes(attribute.String("failure_reason", reason))
		e.log.WithContext(ctx).WithHit(s.ID).WithField("reason", reason).Debug("replay failed, hit stays queued")
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	metrics.RecordReplayAttempt("delivered")
	e.log.WithContext(ctx).WithHit(s.ID).WithField("qt", qt).Debug("hit replayed")
	return true
}

func (e *Engine) applyOverrides(s hit.Snapshot) hit.Snapshot {
	if len(e.overrides) == 0 {
		return s
	}
	payload := s.Payload()
	for _, o := range e.overrides {
		payload = hit.SetParam(payload, o.key, o.value)
	}
	return s.WithPayload(payload)
}

func (e *Engine) deadLetter(ctx context.Context, s hit.Snapshot, age time.Duration) {
	e.log.WithContext(ctx).WithHit(s.ID).WithField("age", age.String()).Info("discarding stale hit")
	if e.dlq == nil {
		return
	}
	dl := delivery.NewDeadLetter(s, age, fmt.Sprintf("queued longer than %s", e.stopAfter))
	dl.TraceHeaders = tracing.InjectHeaders(ctx)
	if err := e.dlq.PublishDeadLetter(ctx, dl); err != nil {
		tracing.SetSpanError(ctx, err)
		e.log.WithContext(ctx).WithHit(s.ID).WithError(err).Error("dead letter publish failed")
		return
	}
	metrics.RecordDeadLetter()
	tracing.AddSpanEvent(ctx, "replay.dead_letter", attribute.String("hit.id", s.ID))
}

// Trigger asks Run for a pass. Signals arriving while one is pending are
// merged into it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run performs a pass for every Trigger until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			res, err := e.Replay(ctx)
			if err != nil {
				e.log.WithContext(ctx).WithError(err).Warn("replay finished with errors")
			}
			if res.Coalesced {
				e.log.Plain().Debug("replay already running, merged trigger")
			}
		}
	}
}
