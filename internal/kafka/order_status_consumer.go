package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/trogers1052/signal-fanout/internal/database"
	"github.com/trogers1052/signal-fanout/internal/models"
)

// OrderStatusRepository applies executor reports to order rows
type OrderStatusRepository interface {
	UpdateOrderStatus(ctx context.Context, idempotencyKey string, status models.OrderStatus, reason, exchangeOrderID string) error
}

// StatusRecorder counts applied status reports
type StatusRecorder interface {
	RecordOrderStatus(status string)
}

// MessageReader is the subset of *kafka.Reader the consumer needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderStatusConsumer consumes ORDER_STATUS events published by the order
// executor and moves orders out of pending_submit. An offset is committed
// only once its report is applied or known to be unusable.
type OrderStatusConsumer struct {
	reader     MessageReader
	repo       OrderStatusRepository
	metrics    StatusRecorder
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// NewOrderStatusConsumer creates a new Kafka consumer for order status events
func NewOrderStatusConsumer(brokers []string, topic, groupID string, repo OrderStatusRepository, metrics StatusRecorder, logger zerolog.Logger) *OrderStatusConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID + "-order-status",
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		StartOffset:    kafka.FirstOffset, // status reports must not be skipped
	})

	return &OrderStatusConsumer{
		reader:     reader,
		repo:       repo,
		metrics:    metrics,
		logger:     logger.With().Str("component", "order_status_consumer").Str("topic", topic).Logger(),
		newBackOff: defaultBackOff,
	}
}

// Start begins consuming messages from Kafka
func (c *OrderStatusConsumer) Start(ctx context.Context) error {
	c.logger.Info().Msg("Starting Kafka order status consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("Order status consumer shutting down")
				return nil
			}
			c.logger.Error().Err(err).Msg("Error fetching order status message")
			continue
		}

		if err := c.handleMessage(ctx, msg); err != nil {
			// Uncommitted, so the report is redelivered after restart
			c.logger.Info().Int64("offset", msg.Offset).Msg("Order status consumer shutting down mid-retry")
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error().Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Error committing order status offset")
		}
	}
}

// handleMessage applies msg, retrying transient store errors until they
// clear. Reports that can never apply are logged and dropped. It returns an
// error only when ctx ends before the report is applied.
func (c *OrderStatusConsumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	apply := func() error {
		err := c.processMessage(ctx, msg)
		if err == nil || database.IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.logger.Error().Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Dropping order status message")
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).
			Int64("offset", msg.Offset).
			Dur("retry_in", wait).
			Msg("Order status update failed, retrying")
	}
	return backoff.RetryNotify(apply, backoff.WithContext(c.newBackOff(), ctx), notify)
}

// processMessage handles a single Kafka message
func (c *OrderStatusConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var event models.OrderStatusEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal order status event: %w", err)
	}

	if event.EventType != EventOrderStatus {
		c.logger.Debug().Str("event_type", event.EventType).Msg("Ignoring event type")
		return nil
	}

	data := event.Data
	key := strings.TrimSpace(data.IdempotencyKey)
	if key == "" {
		return fmt.Errorf("order status event without idempotency_key")
	}
	status := models.OrderStatus(strings.ToLower(strings.TrimSpace(data.Status)))
	if status != models.OrderSubmitted && status != models.OrderRejected {
		return fmt.Errorf("order %s: unsupported status %q", key, data.Status)
	}

	err := c.repo.UpdateOrderStatus(ctx, key, status, data.Reason, data.ExchangeOrderID)
	switch {
	case err == nil:
	case errors.Is(err, database.ErrInvalidTransition):
		// Redelivered or out-of-order report for an order already final
		c.logger.Warn().Err(err).Str("idempotency_key", key).Msg("Order status report ignored")
		return nil
	default:
		return fmt.Errorf("failed to update order %s: %w", key, err)
	}

	if c.metrics != nil {
		c.metrics.RecordOrderStatus(string(status))
	}
	c.logger.Info().
		Str("idempotency_key", key).
		Str("status", string(status)).
		Str("exchange_order_id", data.ExchangeOrderID).
		Msg("Order status updated")
	return nil
}

// Close closes the Kafka consumer
func (c *OrderStatusConsumer) Close() error {
	return c.reader.Close()
}
