package eventbus

import (
	"MarginWatch/internal/event"
	"MarginWatch/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// streamPublisher is the subset of jetstream.JetStream used for publishing.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher delivers risk events to JetStream on
// margin.risk.events.{type}. The idempotency key is used as the message ID
// so redeliveries inside the stream's duplicate window are dropped by the
// server.
type Publisher struct {
	js      streamPublisher
	prefix  string
	timeout time.Duration
	metrics *observability.Metrics
}

func NewPublisher(js streamPublisher, timeout time.Duration, metrics *observability.Metrics) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		js:      js,
		prefix:  event.SubjectPrefix,
		timeout: timeout,
		metrics: metrics,
	}
}

func (p *Publisher) Name() string { return "nats" }

func (p *Publisher) Deliver(ctx context.Context, evt *event.RiskEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	subject := evt.Subject(p.prefix)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(evt.IdempotencyKey())); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	}
	return nil
}
