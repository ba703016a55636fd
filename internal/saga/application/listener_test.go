package application

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bookingapp "github.com/dmehra2102/Travel-Booking-System/internal/booking/application"
	booking "github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
	"github.com/dmehra2102/Travel-Booking-System/internal/saga/domain"
	"github.com/dmehra2102/Travel-Booking-System/pkg/outbox"
)

// memStore mimics the transactional store: the processed record and the
// booking change commit together or not at all.
type memStore struct {
	mu        sync.Mutex
	processed map[string]bool
	bookings  map[string]booking.Booking
	events    []outbox.Entry
}

func newMemStore(bookings ...booking.Booking) *memStore {
	s := &memStore{processed: map[string]bool{}, bookings: map[string]booking.Booking{}}
	for _, b := range bookings {
		s.bookings[b.ID] = b
	}
	return s
}

func (s *memStore) Apply(_ context.Context, messageID, _, bookingID string, fn bookingapp.Mutation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed[messageID] {
		return false, nil
	}
	b, ok := s.bookings[bookingID]
	if !ok {
		return false, booking.ErrNotFound
	}
	meta := booking.Metadata{}
	for k, v := range b.Metadata {
		meta[k] = v
	}
	b.Metadata = meta
	events, err := fn(&b)
	if err != nil {
		return false, err
	}
	s.processed[messageID] = true
	s.bookings[bookingID] = b
	s.events = append(s.events, events...)
	return true, nil
}

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// cancelledBooking is a $100 booking cancelled early enough for a full refund.
func cancelledBooking(t *testing.T) booking.Booking {
	t.Helper()
	lst := booking.Listing{ID: "lst-1", VendorID: "vendor-1", MaxGuests: 2}
	b, err := booking.NewBooking("bk-1", lst, booking.ReservationRequest{
		ListingID:  "lst-1",
		UserID:     "guest-1",
		StartDate:  now.AddDate(0, 0, 10),
		EndDate:    now.AddDate(0, 0, 12),
		Guests:     1,
		TotalCents: 10_000,
	}, now)
	require.NoError(t, err)
	_, err = b.Cancel("guest-1", lst, "plans changed", now)
	require.NoError(t, err)
	return b
}

func newListener(store Store) *Listener {
	l := NewListener(slog.New(slog.NewTextHandler(io.Discard, nil)), store)
	l.now = func() time.Time { return now.Add(time.Hour) }
	return l
}

func TestReplayedRefundSucceededIsIdempotent(t *testing.T) {
	store := newMemStore(cancelledBooking(t))
	l := newListener(store)
	payload := []byte(`{"bookingId":"bk-1","paymentId":"pay-1","amount":10000,"reference":"re_42"}`)

	out, err := l.Handle(context.Background(), domain.EventRefundSucceeded, payload, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	once := store.bookings["bk-1"]

	out, err = l.Handle(context.Background(), domain.EventRefundSucceeded, payload, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, out)
	assert.Equal(t, once, store.bookings["bk-1"])

	assert.Equal(t, booking.StatusCancelled, once.Status)
	assert.Equal(t, booking.RefundCompleted, once.RefundStatus())
	assert.Equal(t, "re_42", once.Metadata.String(booking.MetaRefundReference))
}

func TestRefundFailedCompensates(t *testing.T) {
	store := newMemStore(cancelledBooking(t))
	l := newListener(store)

	out, err := l.HandleRefundFailed(context.Background(), "msg-2", domain.RefundFailed{
		BookingID:    "bk-1",
		PaymentID:    "pay-1",
		Amount:       10_000,
		ErrorCode:    "INSUFFICIENT_FUNDS",
		ErrorMessage: "merchant balance too low",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	b := store.bookings["bk-1"]
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.True(t, b.Metadata.Bool(booking.MetaCompensationApplied))
	assert.Equal(t, "INSUFFICIENT_FUNDS", b.Metadata.String(booking.MetaRefundErrorCode))
	assert.Equal(t, booking.RefundFailed, b.RefundStatus())

	require.Len(t, store.events, 1)
	assert.Equal(t, booking.EventBookingReinstated, store.events[0].EventType)
	assert.Equal(t, "bk-1", store.events[0].AggregateID)
}

func TestSecondContradictoryEventIsIgnoredButRecorded(t *testing.T) {
	store := newMemStore(cancelledBooking(t))
	l := newListener(store)

	_, err := l.HandleRefundSucceeded(context.Background(), "msg-1", domain.RefundSucceeded{BookingID: "bk-1", Reference: "re_1"})
	require.NoError(t, err)
	out, err := l.HandleRefundFailed(context.Background(), "msg-2", domain.RefundFailed{BookingID: "bk-1", ErrorCode: "LATE"})
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeIgnored, out)
	assert.True(t, store.processed["msg-2"])
	assert.Equal(t, booking.StatusCancelled, store.bookings["bk-1"].Status)
	assert.Empty(t, store.events)
}

func TestCompensationFailureLeavesEventUnprocessed(t *testing.T) {
	b := cancelledBooking(t)
	b.Status = booking.StatusCompleted
	store := newMemStore(b)
	l := newListener(store)

	_, err := l.HandleRefundFailed(context.Background(), "msg-3", domain.RefundFailed{BookingID: "bk-1", ErrorCode: "X"})
	require.ErrorIs(t, err, domain.ErrCompensationFailed)
	assert.False(t, store.processed["msg-3"])
	assert.Equal(t, booking.RefundRequested, store.bookings["bk-1"].RefundStatus())
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	l := newListener(newMemStore())
	_, err := l.Handle(context.Background(), domain.EventRefundFailed, []byte(`{"bookingId":`), "msg-4")
	require.ErrorIs(t, err, domain.ErrMalformedEvent)
}
