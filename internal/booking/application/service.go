package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
	inventoryapp "github.com/dmehra2102/Travel-Booking-System/internal/inventory/application"
	inventory "github.com/dmehra2102/Travel-Booking-System/internal/inventory/domain"
	"github.com/dmehra2102/Travel-Booking-System/pkg/outbox"
)

const completionBatch = 100

type Config struct {
	BusyAttempts uint64
	BusyBackoff  time.Duration
}

type Service struct {
	log      *slog.Logger
	repo     Repository
	listings ListingDirectory
	avail    Availability
	cfg      Config
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

func NewService(log *slog.Logger, repo Repository, listings ListingDirectory, avail Availability, cfg Config) *Service {
	if cfg.BusyAttempts == 0 {
		cfg.BusyAttempts = 1
	}
	if cfg.BusyBackoff <= 0 {
		cfg.BusyBackoff = 50 * time.Millisecond
	}
	return &Service{
		log:      log,
		repo:     repo,
		listings: listings,
		avail:    avail,
		cfg:      cfg,
		tracer:   otel.Tracer("booking-service"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Reserve validates req, then holds inventory and creates a PENDING booking
// with its BookingCreated event in one transaction. Lock contention is retried
// with backoff before ErrResourceBusy is returned.
func (s *Service) Reserve(ctx context.Context, req domain.ReservationRequest) (domain.Booking, error) {
	ctx, span := s.tracer.Start(ctx, "Reserve", trace.WithAttributes(
		attribute.String("listing.id", req.ListingID),
		attribute.String("user.id", req.UserID),
	))
	defer span.End()

	listing, err := s.listings.Get(ctx, req.ListingID)
	if err != nil {
		return domain.Booking{}, fail(span, err)
	}
	b, err := domain.NewBooking(s.newID(), listing, req, s.now())
	if err != nil {
		return domain.Booking{}, fail(span, err)
	}
	created, err := outbox.NewEntry(domain.AggregateType, b.ID, domain.EventBookingCreated, b.Created())
	if err != nil {
		return domain.Booking{}, fail(span, err)
	}

	err = inventoryapp.RetryBusy(ctx, s.cfg.BusyAttempts, s.cfg.BusyBackoff, func() error {
		return s.repo.Create(ctx, b, []outbox.Entry{created})
	})
	if err != nil {
		if errors.Is(err, inventory.ErrInsufficientInventory) {
			s.log.Info("reservation rejected", "listing_id", b.ListingID, "start", b.StartDate.Format(time.DateOnly), "end", b.EndDate.Format(time.DateOnly), "err", err)
		}
		return domain.Booking{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("booking.id", b.ID))
	s.log.Info("booking reserved", "booking_id", b.ID, "listing_id", b.ListingID, "nights", b.Range().Nights())
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Booking, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) CheckAvailability(ctx context.Context, listingID string, start, end time.Time, qty int) (bool, error) {
	return s.avail.CheckAvailability(ctx, listingID, start, end, qty)
}

// Confirm is the vendor accepting a PENDING booking.
func (s *Service) Confirm(ctx context.Context, id, actorID string) (domain.Booking, error) {
	ctx, span := s.tracer.Start(ctx, "Confirm", trace.WithAttributes(attribute.String("booking.id", id)))
	defer span.End()

	listing, err := s.listingOf(ctx, id)
	if err != nil {
		return domain.Booking{}, fail(span, err)
	}
	b, err := s.repo.Update(ctx, id, func(b *domain.Booking) ([]outbox.Entry, error) {
		if err := b.Confirm(actorID, listing, s.now()); err != nil {
			return nil, err
		}
		e, err := outbox.NewEntry(domain.AggregateType, b.ID, domain.EventBookingConfirmed, b.StatusChanged(""))
		if err != nil {
			return nil, err
		}
		return []outbox.Entry{e}, nil
	})
	if err != nil {
		return domain.Booking{}, fail(span, err)
	}
	s.log.Info("booking confirmed", "booking_id", id, "vendor_id", actorID)
	return b, nil
}

// Cancel cancels the booking on behalf of its guest or vendor, releases its
// inventory and, when money is due back, asks the payment side for a refund.
func (s *Service) Cancel(ctx context.Context, id, actorID, reason string) (domain.Booking, domain.RefundDecision, error) {
	ctx, span := s.tracer.Start(ctx, "Cancel", trace.WithAttributes(attribute.String("booking.id", id)))
	defer span.End()

	listing, err := s.listingOf(ctx, id)
	if err != nil {
		return domain.Booking{}, domain.RefundDecision{}, fail(span, err)
	}

	var decision domain.RefundDecision
	var b domain.Booking
	err = inventoryapp.RetryBusy(ctx, s.cfg.BusyAttempts, s.cfg.BusyBackoff, func() error {
		var err error
		b, err = s.repo.Update(ctx, id, func(b *domain.Booking) ([]outbox.Entry, error) {
			now := s.now()
			d, err := b.Cancel(actorID, listing, reason, now)
			if err != nil {
				return nil, err
			}
			decision = d
			return cancellationEvents(*b, actorID, reason, d, now)
		})
		return err
	})
	if err != nil {
		return domain.Booking{}, domain.RefundDecision{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("refund.class", string(decision.Class)))
	s.log.Info("booking cancelled", "booking_id", id, "actor_id", actorID,
		"refund_class", decision.Class, "refund_cents", decision.AmountCents)
	return b, decision, nil
}

func cancellationEvents(b domain.Booking, actorID, reason string, d domain.RefundDecision, now time.Time) ([]outbox.Entry, error) {
	cancelled, err := outbox.NewEntry(domain.AggregateType, b.ID, domain.EventBookingCancelled, domain.BookingCancelled{
		BookingID:   b.ID,
		ListingID:   b.ListingID,
		UserID:      b.UserID,
		CancelledBy: actorID,
		Reason:      reason,
		RefundClass: d.Class,
		RefundCents: d.AmountCents,
		At:          now.UTC(),
	})
	if err != nil {
		return nil, err
	}
	events := []outbox.Entry{cancelled}
	if d.AmountCents <= 0 {
		return events, nil
	}
	refund, err := outbox.NewEntry(domain.AggregateType, b.ID, domain.EventRefundRequested, domain.RefundRequestedEvent{
		BookingID:   b.ID,
		UserID:      b.UserID,
		PaymentID:   b.Metadata.String(domain.MetaPaymentID),
		AmountCents: d.AmountCents,
		Class:       d.Class,
		At:          now.UTC(),
	})
	if err != nil {
		return nil, err
	}
	return append(events, refund), nil
}

// CompleteFinished moves CONFIRMED bookings whose stay has ended to COMPLETED
// and reports how many were moved.
func (s *Service) CompleteFinished(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.repo.ListFinished(ctx, inventory.Day(now), completionBatch)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, id := range ids {
		_, err := s.repo.Update(ctx, id, func(b *domain.Booking) ([]outbox.Entry, error) {
			if err := b.Complete(now); err != nil {
				return nil, err
			}
			e, err := outbox.NewEntry(domain.AggregateType, b.ID, domain.EventBookingCompleted, b.StatusChanged(""))
			if err != nil {
				return nil, err
			}
			return []outbox.Entry{e}, nil
		})
		switch {
		case err == nil:
			completed++
		case errors.Is(err, domain.ErrInvalidTransition):
			// changed since listed
			s.log.Info("skip completion", "booking_id", id, "err", err)
		default:
			return completed, err
		}
	}
	return completed, nil
}

func (s *Service) listingOf(ctx context.Context, bookingID string) (domain.Listing, error) {
	b, err := s.repo.Get(ctx, bookingID)
	if err != nil {
		return domain.Listing{}, err
	}
	return s.listings.Get(ctx, b.ListingID)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
