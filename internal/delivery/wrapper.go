package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hitrelay/internal/hit"
	"github.com/austindbirch/hitrelay/internal/logging"
	"github.com/austindbirch/hitrelay/internal/metrics"
	"github.com/austindbirch/hitrelay/internal/tracing"
)

// ErrQueuedForRetry matches the error Attempt returns after a failed send
// was queued.
var ErrQueuedForRetry = errors.New("delivery: queued for retry")

// QueuedError reports a transport failure whose hit is now in the queue.
type QueuedError struct {
	ID    string
	Cause error
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("delivery: queued for retry as %s: %v", e.ID, e.Cause)
}

func (e *QueuedError) Unwrap() error { return e.Cause }

func (e *QueuedError) Is(target error) bool { return target == ErrQueuedForRetry }

// Pusher is the part of the queue the wrapper needs.
type Pusher interface {
	Push(ctx context.Context, s hit.Snapshot) (string, error)
}

// Wrapper sends live hits and queues the ones that fail in transit.
type Wrapper struct {
	sender Sender
	queue  Pusher
	log    *logging.Logger

	offline   atomic.Bool
	onRestore func()
}

func NewWrapper(sender Sender, queue Pusher, log *logging.Logger) *Wrapper {
	if log == nil {
		log = logging.New("hitrelay-delivery")
	}
	return &Wrapper{sender: sender, queue: queue, log: log}
}

// OnConnectivityRestored registers fn to run on the first successful send
// after a transport failure. Must be called before the wrapper is shared.
func (w *Wrapper) OnConnectivityRestored(fn func()) {
	w.onRestore = fn
}

// Attempt sends req once. On success the response is returned untouched.
// On a transport failure the captured snapshot is queued and a *QueuedError
// is returned. If queueing fails as well the returned error wraps the
// queue's storage error and the hit is lost.
func (w *Wrapper) Attempt(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("hit.method", req.Method),
		attribute.String("hit.host", req.URL.Host),
	)
	defer span.End()

	snap, capErr := hit.Capture(req)
	if capErr != nil {
		// cannot be replayed, so it is sent once and never queued
		w.log.WithContext(ctx).WithError(capErr).Debug("hit not capturable, sending without queue")
	}

	start := time.Now()
	resp, err := w.sender.Send(ctx, req)
	metrics.ObserveDelivery("live", time.Since(start))
	if err == nil {
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		metrics.RecordHit("delivered")
		w.restored()
		return resp, nil
	}

	reason := ClassifyReason(err)
	metrics.RecordTransportFailure(reason)
	span.SetAttributes(attribute.String("failure_reason", reason))
	w.offline.Store(true)
	if capErr != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordHit("lost")
		return nil, err
	}

	// the caller may have given up on the request, the hit still goes in
	id, pushErr := w.queue.Push(context.WithoutCancel(ctx), snap)
	if pushErr != nil {
		tracing.SetSpanError(ctx, pushErr)
		metrics.RecordHit("lost")
		w.log.WithContext(ctx).
			WithField("reason", reason).
			WithField("send_error", err.Error()).
			WithError(pushErr).
			Error("hit lost: queueing failed")
		return nil, fmt.Errorf("delivery: send failed (%v), hit lost: %w", err, pushErr)
	}

	tracing.AddSpanEvent(ctx, "delivery.queued", attribute.String("hit.id", id))
	metrics.RecordHit("queued")
	w.log.WithContext(ctx).WithHit(id).WithField("reason", reason).Info("hit queued for retry")
	return nil, &QueuedError{ID: id, Cause: err}
}

func (w *Wrapper) restored() {
	if w.offline.CompareAndSwap(true, false) && w.onRestore != nil {
		w.onRestore()
	}
}

// ClassifyReason labels a transport error for metrics and logs.
func ClassifyReason(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns_error"
	}
	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") {
		return "timeout"
	}
	if strings.Contains(errLower, "connection refused") {
		return "connection_refused"
	}
	if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
		return "dns_error"
	}
	return "network"
}
