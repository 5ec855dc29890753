// Package kafka publishes engine events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/warp/payment-allocator/engine"
)

// batchTimeout bounds how long a single event waits for a batch to fill.
// Publish runs while the counterparty lock is held.
const batchTimeout = 10 * time.Millisecond

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher implements engine.Publisher. Messages are JSON and keyed by
// counterparty so one counterparty's events stay ordered within a partition.
type Publisher struct {
	writer messageWriter
	prefix string
}

// NewPublisher writes to brokers. A non-empty prefix namespaces every topic:
// "payments" turns allocation.completed into payments.allocation.completed.
func NewPublisher(brokers []string, prefix string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           batchTimeout,
			AllowAutoTopicCreation: true,
		},
		prefix: prefix,
	}
}

func (p *Publisher) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}

	if p.prefix != "" {
		topic = p.prefix + "." + topic
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(partitionKey(event)),
		Value: data,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func partitionKey(event any) string {
	switch ev := event.(type) {
	case engine.AllocationEvent:
		return engine.Counterparty{Name: ev.Counterparty, Role: ev.Role}.String()
	case engine.ReconciliationEvent:
		return engine.Counterparty{Name: ev.Counterparty, Role: ev.Role}.String()
	default:
		return ""
	}
}

var _ engine.Publisher = (*Publisher)(nil)
