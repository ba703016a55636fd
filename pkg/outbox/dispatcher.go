package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/Travel-Booking-System/pkg/tracing"
)

const (
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderMessageID     = "message_id"
)

// ErrPermanent marks a dispatch failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent")

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Dispatcher struct {
	log      *slog.Logger
	producer Producer
	topic    string
	tracer   trace.Tracer
}

func NewDispatcher(log *slog.Logger, producer Producer, topic string) *Dispatcher {
	return &Dispatcher{log: log, producer: producer, topic: topic, tracer: otel.Tracer("outbox-dispatcher")}
}

// Dispatch writes the entry to the broker and returns once it is acknowledged.
func (d *Dispatcher) Dispatch(ctx context.Context, entry Entry) error {
	if !json.Valid(entry.Payload) {
		return fmt.Errorf("%w: entry %d payload is not valid JSON", ErrPermanent, entry.ID)
	}

	ctx, span := d.tracer.Start(tracing.ContextFromTraceparent(ctx, entry.Traceparent), "outbox.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int64("outbox.id", entry.ID),
			attribute.String("outbox.event_type", entry.EventType),
			attribute.String("outbox.aggregate_id", entry.AggregateID),
		),
	)
	defer span.End()

	headers := make([]kafka.Header, 0, len(entry.Headers)+4)
	for k, v := range entry.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: HeaderEventType, Value: []byte(entry.EventType)},
		kafka.Header{Key: HeaderAggregateType, Value: []byte(entry.AggregateType)},
		kafka.Header{Key: HeaderMessageID, Value: []byte(strconv.FormatInt(entry.ID, 10))},
	)
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	msg := kafka.Message{
		Topic:   d.topic,
		Key:     []byte(entry.AggregateID),
		Value:   entry.Payload,
		Headers: headers,
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		d.log.WarnContext(ctx, "outbox dispatch failed", "event_id", entry.ID, "type", entry.EventType, "err", err)
		return err
	}
	d.log.DebugContext(ctx, "outbox dispatched", "event_id", entry.ID, "type", entry.EventType)
	return nil
}
