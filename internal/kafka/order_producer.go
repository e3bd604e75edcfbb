package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/signal-fanout/internal/models"
)

const (
	EventOrderCreated = "ORDER_CREATED"
	EventOrderStatus  = "ORDER_STATUS"

	eventSource = "signal-fanout"
)

// MessageWriter is the subset of *kafka.Writer the producer needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderProducer announces newly created orders to the executor
type OrderProducer struct {
	writer MessageWriter
	topic  string
	logger zerolog.Logger
}

// NewOrderProducer creates a producer writing to topic
func NewOrderProducer(brokers []string, topic string, logger zerolog.Logger) *OrderProducer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // same key, same partition
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return newOrderProducer(writer, topic, logger)
}

func newOrderProducer(w MessageWriter, topic string, logger zerolog.Logger) *OrderProducer {
	return &OrderProducer{
		writer: w,
		topic:  topic,
		logger: logger.With().Str("component", "order_producer").Str("topic", topic).Logger(),
	}
}

// PublishOrderCreated writes an ORDER_CREATED event keyed by the order's
// idempotency key
func (p *OrderProducer) PublishOrderCreated(ctx context.Context, o *models.Order) error {
	event := models.OrderEvent{
		EventType: EventOrderCreated,
		Source:    eventSource,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      o,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal order event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(o.IdempotencyKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventOrderCreated)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish order %s: %w", o.IdempotencyKey, err)
	}

	p.logger.Debug().
		Str("idempotency_key", o.IdempotencyKey).
		Str("user_id", o.UserID).
		Msg("Published order created event")
	return nil
}

// Close flushes and closes the writer
func (p *OrderProducer) Close() error {
	return p.writer.Close()
}
