package replay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/hitrelay/internal/logging"
	"github.com/austindbirch/hitrelay/internal/tracing"
)

// TriggerMessage is the optional body of a trigger topic message. Any
// message triggers a pass, decodable or not.
type TriggerMessage struct {
	Reason       string            `json:"reason,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// NSQTrigger turns messages on a topic into replay triggers.
type NSQTrigger struct {
	consumer *nsq.Consumer
}

// NewNSQTrigger subscribes to topic/channel. Connect with ConnectNSQD or
// ConnectLookupd afterwards.
func NewNSQTrigger(topic, channel string, t Triggerer, log *logging.Logger) (*NSQTrigger, error) {
	consumer, err := nsq.NewConsumer(topic, channel, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("replay: nsq consumer: %w", err)
	}
	consumer.AddHandler(triggerHandler(t, log))
	return &NSQTrigger{consumer: consumer}, nil
}

func triggerHandler(t Triggerer, log *logging.Logger) nsq.Handler {
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		var msg TriggerMessage
		ctx := context.Background()
		if err := json.Unmarshal(m.Body, &msg); err == nil && len(msg.TraceHeaders) > 0 {
			ctx = tracing.ExtractHeaders(ctx, msg.TraceHeaders)
		}
		if log != nil {
			log.WithContext(ctx).WithField("reason", msg.Reason).Info("replay triggered from nsq")
		}
		t.Trigger()
		return nil
	})
}

func (n *NSQTrigger) ConnectNSQD(addr string) error {
	return n.consumer.ConnectToNSQD(addr)
}

func (n *NSQTrigger) ConnectLookupd(addr string) error {
	return n.consumer.ConnectToNSQLookupd(addr)
}

func (n *NSQTrigger) Stop() {
	n.consumer.Stop()
	<-n.consumer.StopChan
}
