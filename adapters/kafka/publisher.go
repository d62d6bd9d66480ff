// Package kafka publishes outbox messages to a Kafka topic.
package kafka

import (
	"context"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/eventfold/eventfold-go/core/es"
	"github.com/eventfold/eventfold-go/core/outbox"
)

// Publisher writes one Kafka message per outbox message. The event id is the
// message key, so all events of one aggregate stream land on the same
// partition only if callers use aggregate-scoped ids; consumers must be
// idempotent regardless because outbox delivery is at-least-once.
type Publisher struct {
	writer *kafka.Writer
}

var _ outbox.EventPublisher = &Publisher{}

// NewPublisher connects a writer to the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

// NewPublisherWithWriter wraps an already configured writer.
func NewPublisherWithWriter(writer *kafka.Writer) *Publisher {
	return &Publisher{writer: writer}
}

func (p *Publisher) Publish(ctx context.Context, msg es.OutboxMessage) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.EventID),
		Value: msg.Payload,
		Time:  msg.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(msg.EventID)},
			{Key: "event_type", Value: []byte(msg.EventType)},
			{Key: "correlation_id", Value: []byte(msg.CorrelationID)},
		},
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// HeaderValue extracts a header by key, for consumers of published events.
func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
