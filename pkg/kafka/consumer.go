// Package kafka provides the producer and consumer used for ingest events and
// async partition jobs, backed by segmentio/kafka-go. Event values travel as
// JSON.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Vantiq/unstructured-api/pkg/config"
)

const (
	minRedeliveryDelay = 500 * time.Millisecond
	maxRedeliveryDelay = 30 * time.Second
)

// Message is the part of a Kafka message handed to a MessageHandler.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Header returns the value of header k, or "".
func (m Message) Header(k string) string {
	return m.Headers[k]
}

// MessageHandler processes one message. A returned error makes the consumer
// hand the same message to the handler again after a backoff.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer reads a topic as part of a consumer group and commits each
// message only after its handler succeeds.
type Consumer struct {
	reader     *kafka.Reader
	logger     *slog.Logger
	handler    MessageHandler
	retryDelay time.Duration
}

// NewConsumer creates a Consumer for topic. A new consumer group starts from
// the oldest retained message.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
		}),
		logger:     slog.Default().With("component", "kafka-consumer", "topic", topic),
		handler:    handler,
		retryDelay: minRedeliveryDelay,
	}
}

// Start consumes until ctx is cancelled, then closes the reader. Messages are
// handled one at a time in partition order.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.logger.Info("consumer stopped")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.reader.Close()
			}
			c.logger.Error("failed to fetch message", "error", err)
			if !sleep(ctx, minRedeliveryDelay) {
				return c.reader.Close()
			}
			continue
		}
		if !c.deliver(ctx, msg) {
			return c.reader.Close()
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// deliver runs the handler until it succeeds, backing off between attempts.
// It reports false if ctx ended first.
func (c *Consumer) deliver(ctx context.Context, msg kafka.Message) bool {
	m := fromKafka(msg)
	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, m)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error("failed to process message",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"attempt", attempt,
			"retry_in", delay,
			"error", err,
		)
		if !sleep(ctx, delay) {
			return false
		}
		delay = min(delay*2, maxRedeliveryDelay)
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func fromKafka(msg kafka.Message) Message {
	out := Message{Key: msg.Key, Value: msg.Value}
	if len(msg.Headers) > 0 {
		out.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			out.Headers[h.Key] = string(h.Value)
		}
	}
	return out
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var v T
	if err := json.Unmarshal(value, &v); err != nil {
		return v, fmt.Errorf("decoding kafka message: %w", err)
	}
	return v, nil
}
