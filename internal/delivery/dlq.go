package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/hitrelay/internal/hit"
	"github.com/austindbirch/hitrelay/internal/tracing"
)

const DLQType = "hit.stale"

type DeadLetter struct {
	Type         string            `json:"type"`    // "hit.stale"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the hit was discarded
	Reason       string            `json:"reason"`
	AgeMS        int64             `json:"age_ms"` // time spent in the queue
	Hit          hit.Snapshot      `json:"hit"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(s hit.Snapshot, age time.Duration, reason string) DeadLetter {
	return DeadLetter{
		Type:    DLQType,
		Version: "v1",
		At:      time.Now().Format(time.RFC3339Nano),
		Reason:  reason,
		AgeMS:   age.Milliseconds(),
		Hit:     s,
	}
}

// Publisher ships dead letters somewhere an operator can inspect them.
type Publisher interface {
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
}

// producer is the subset of *nsq.Producer used here.
type producer interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQPublisher publishes dead letters as JSON to one NSQ topic.
type NSQPublisher struct {
	producer producer
	topic    string
}

func NewNSQPublisher(nsqdAddr, topic string) (*NSQPublisher, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("delivery: nsq producer: %w", err)
	}
	return &NSQPublisher{producer: p, topic: topic}, nil
}

func (p *NSQPublisher) Topic() string { return p.topic }

func (p *NSQPublisher) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.TraceHeaders == nil {
		if h := tracing.InjectHeaders(ctx); len(h) > 0 {
			dl.TraceHeaders = h
		}
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("delivery: encode dead letter: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("delivery: publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *NSQPublisher) Stop() {
	p.producer.Stop()
}
