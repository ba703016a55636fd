package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	booking "github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
	"github.com/dmehra2102/Travel-Booking-System/internal/saga/domain"
	"github.com/dmehra2102/Travel-Booking-System/pkg/idempotency"
	"github.com/dmehra2102/Travel-Booking-System/pkg/outbox"
	"github.com/dmehra2102/Travel-Booking-System/pkg/tracing"
)

// Dead-letter headers describing where and why a message was parked.
const (
	HeaderDLQReason    = "dlq_reason"
	HeaderDLQTopic     = "dlq_source_topic"
	HeaderDLQPartition = "dlq_source_partition"
	HeaderDLQOffset    = "dlq_source_offset"
	HeaderDLQAttempts  = "dlq_attempts"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Handler interface {
	Handle(ctx context.Context, eventType string, payload []byte, messageID string) (domain.Outcome, error)
}

type ConsumerConfig struct {
	DeadLetterTopic string
	// RetryBudget is how many times a business failure is attempted before
	// the message is dead-lettered.
	RetryBudget  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// Consumer feeds refund outcome messages to the saga listener. An offset is
// committed only after the message was applied, skipped as a duplicate or
// dead-lettered.
type Consumer struct {
	log     *slog.Logger
	reader  Reader
	dlq     Writer
	handler Handler
	cfg     ConsumerConfig
	tracer  trace.Tracer
}

func NewConsumer(log *slog.Logger, reader Reader, dlq Writer, handler Handler, cfg ConsumerConfig) *Consumer {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Consumer{
		log:     log,
		reader:  reader,
		dlq:     dlq,
		handler: handler,
		cfg:     cfg,
		tracer:  otel.Tracer("refund-consumer"),
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.process(ctx, msg); err != nil {
			// shutting down mid-message; it is redelivered on restart
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("commit failed, message will be redelivered", "offset", msg.Offset, "err", err)
		}
	}
}

// process returns an error only when ctx ends before the message settled.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	msgCtx := tracing.ExtractKafkaHeaders(ctx, msg.Headers)
	msgCtx, span := c.tracer.Start(msgCtx, "ConsumeRefundOutcome", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	eventType, messageID, err := identify(msg)
	if err != nil {
		return c.deadLetter(msgCtx, msg, err, 0)
	}
	span.SetAttributes(attribute.String("messaging.message.id", messageID), attribute.String("saga.event_type", eventType))

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.RetryBackoff),
		backoff.WithMaxInterval(c.cfg.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	failures := 0
	for {
		_, err := c.handler.Handle(msgCtx, eventType, msg.Value, messageID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, domain.ErrMalformedEvent):
			return c.deadLetter(msgCtx, msg, err, failures+1)
		case isBusinessFailure(err):
			failures++
			if failures >= c.cfg.RetryBudget {
				return c.deadLetter(msgCtx, msg, err, failures)
			}
			c.log.WarnContext(msgCtx, "saga event failed, retrying", "message_id", messageID,
				"attempt", failures, "budget", c.cfg.RetryBudget, "err", err)
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.ErrorContext(msgCtx, "saga infrastructure failure, retrying", "message_id", messageID, "err", err)
		}
		if err := sleep(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

func isBusinessFailure(err error) bool {
	return errors.Is(err, domain.ErrCompensationFailed) ||
		errors.Is(err, domain.ErrUnexpectedState) ||
		errors.Is(err, booking.ErrNotFound) ||
		errors.Is(err, booking.ErrInvalidTransition)
}

// deadLetter parks msg on the dead-letter topic, retrying the write until it
// succeeds or ctx ends.
func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error, attempts int) error {
	headers := make([]kafka.Header, 0, len(msg.Headers)+5)
	headers = append(headers, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderDLQReason, Value: []byte(cause.Error())},
		kafka.Header{Key: HeaderDLQTopic, Value: []byte(msg.Topic)},
		kafka.Header{Key: HeaderDLQPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: HeaderDLQOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		kafka.Header{Key: HeaderDLQAttempts, Value: []byte(strconv.Itoa(attempts))},
	)
	parked := kafka.Message{
		Topic:   c.cfg.DeadLetterTopic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.RetryBackoff),
		backoff.WithMaxInterval(c.cfg.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	for {
		err := c.dlq.WriteMessages(ctx, parked)
		if err == nil {
			c.log.ErrorContext(ctx, "saga event dead-lettered", "topic", msg.Topic, "partition", msg.Partition,
				"offset", msg.Offset, "attempts", attempts, "reason", cause)
			return nil
		}
		c.log.WarnContext(ctx, "dead-letter write failed", "offset", msg.Offset, "err", err)
		if err := sleep(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

type envelope struct {
	EventType string `json:"eventType"`
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
}

// identify resolves the event type and message id of msg. Headers win over
// the payload; the broker position is the last resort for the id.
func identify(msg kafka.Message) (eventType, messageID string, err error) {
	var env envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return "", "", errors.Join(domain.ErrMalformedEvent, err)
	}

	eventType = tracing.HeaderValue(msg.Headers, outbox.HeaderEventType)
	if eventType == "" {
		eventType = env.EventType
	}
	if eventType == "" {
		eventType = env.Type
	}
	if eventType == "" {
		return "", "", errors.Join(domain.ErrMalformedEvent, errors.New("no event type"))
	}

	messageID = tracing.HeaderValue(msg.Headers, outbox.HeaderMessageID)
	if messageID == "" {
		messageID = env.MessageID
	}
	if messageID == "" {
		messageID = idempotency.MessageKey(msg.Topic, msg.Partition, msg.Offset)
	}
	return eventType, messageID, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
