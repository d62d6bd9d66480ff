package nats

import (
	"context"
	"fmt"
	"strings"

	natsgo "github.com/nats-io/nats.go"

	"github.com/eventfold/eventfold-go/core/es"
	"github.com/eventfold/eventfold-go/core/outbox"
)

// Publisher publishes outbox messages as NATS messages under
// <prefix>.<event type>, with the event id and correlation id carried as
// headers. Delivery is at-least-once end to end: NATS core gives no
// redelivery, but the outbox re-publishes until the publish call succeeds.
type Publisher struct {
	nc     *natsgo.Conn
	close  closeFunc
	prefix string
}

var _ outbox.EventPublisher = &Publisher{}

func NewPublisher(connect Connector, prefix string) (*Publisher, error) {
	nc, closeCon, err := connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	if prefix == "" {
		prefix = "events"
	}
	return &Publisher{nc: nc, close: closeCon, prefix: prefix}, nil
}

func (p *Publisher) Publish(_ context.Context, msg es.OutboxMessage) error {
	m := natsgo.NewMsg(p.subjectFor(msg.EventType))
	m.Data = msg.Payload
	m.Header.Set("event_id", msg.EventID)
	m.Header.Set("event_type", msg.EventType)
	if msg.CorrelationID != "" {
		m.Header.Set("correlation_id", msg.CorrelationID)
	}
	return p.nc.PublishMsg(m)
}

func (p *Publisher) Close() {
	if p.close != nil {
		p.close()
	}
}

// subjectFor maps an event type name onto a valid NATS subject. Go type
// names carry the package path, so slashes become dots.
func (p *Publisher) subjectFor(eventType string) string {
	cleaned := strings.NewReplacer("/", ".", " ", "_").Replace(eventType)
	return p.prefix + "." + cleaned
}
