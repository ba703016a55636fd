package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	bookingapp "github.com/dmehra2102/Travel-Booking-System/internal/booking/application"
	booking "github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
	"github.com/dmehra2102/Travel-Booking-System/internal/saga/domain"
	"github.com/dmehra2102/Travel-Booking-System/pkg/outbox"
)

// Listener applies refund outcomes to bookings exactly once per message id.
type Listener struct {
	log    *slog.Logger
	store  Store
	tracer trace.Tracer
	now    func() time.Time
}

func NewListener(log *slog.Logger, store Store) *Listener {
	return &Listener{log: log, store: store, tracer: otel.Tracer("refund-saga"), now: time.Now}
}

// Handle decodes payload as eventType and applies it. messageID must already
// be resolved by the transport.
func (l *Listener) Handle(ctx context.Context, eventType string, payload []byte, messageID string) (domain.Outcome, error) {
	ev, err := domain.Decode(eventType, payload)
	if err != nil {
		return "", err
	}
	switch ev := ev.(type) {
	case domain.RefundSucceeded:
		return l.HandleRefundSucceeded(ctx, messageID, ev)
	case domain.RefundFailed:
		return l.HandleRefundFailed(ctx, messageID, ev)
	}
	return "", fmt.Errorf("%w: %T", domain.ErrMalformedEvent, ev)
}

func (l *Listener) HandleRefundSucceeded(ctx context.Context, messageID string, ev domain.RefundSucceeded) (domain.Outcome, error) {
	var out domain.Outcome
	err := l.apply(ctx, messageID, domain.EventRefundSucceeded, ev.BookingID, &out, func(b *booking.Booking) ([]outbox.Entry, error) {
		var err error
		out, err = domain.ApplySucceeded(b, ev, l.now())
		return nil, err
	})
	return out, err
}

func (l *Listener) HandleRefundFailed(ctx context.Context, messageID string, ev domain.RefundFailed) (domain.Outcome, error) {
	var out domain.Outcome
	err := l.apply(ctx, messageID, domain.EventRefundFailed, ev.BookingID, &out, func(b *booking.Booking) ([]outbox.Entry, error) {
		var err error
		out, err = domain.ApplyFailed(b, ev, l.now())
		if err != nil || out != domain.OutcomeApplied {
			return nil, err
		}
		reinstated, err := outbox.NewEntry(booking.AggregateType, b.ID, booking.EventBookingReinstated,
			b.StatusChanged("refund failed: "+ev.ErrorCode))
		if err != nil {
			return nil, err
		}
		return []outbox.Entry{reinstated}, nil
	})
	return out, err
}

func (l *Listener) apply(ctx context.Context, messageID, eventType, bookingID string, out *domain.Outcome, fn bookingapp.Mutation) error {
	ctx, span := l.tracer.Start(ctx, "Saga."+eventType, trace.WithAttributes(
		attribute.String("booking.id", bookingID),
		attribute.String("messaging.message.id", messageID),
	))
	defer span.End()

	claimed, err := l.store.Apply(ctx, messageID, eventType, bookingID, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.log.ErrorContext(ctx, "saga event not applied", "event_type", eventType, "message_id", messageID,
			"booking_id", bookingID, "err", err)
		return err
	}
	if !claimed {
		*out = domain.OutcomeDuplicate
	}
	span.SetAttributes(attribute.String("saga.outcome", string(*out)))

	switch *out {
	case domain.OutcomeApplied:
		l.log.InfoContext(ctx, "saga event applied", "event_type", eventType, "message_id", messageID, "booking_id", bookingID)
	case domain.OutcomeIgnored:
		l.log.WarnContext(ctx, "saga event ignored, refund already settled", "event_type", eventType,
			"message_id", messageID, "booking_id", bookingID)
	default:
		l.log.InfoContext(ctx, "duplicate saga event skipped", "event_type", eventType, "message_id", messageID)
	}
	return nil
}
