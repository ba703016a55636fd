package application

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
	inventory "github.com/dmehra2102/Travel-Booking-System/internal/inventory/domain"
	"github.com/dmehra2102/Travel-Booking-System/pkg/outbox"
)

var clock = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type memRepo struct {
	mu        sync.Mutex
	bookings  map[string]domain.Booking
	events    []outbox.Entry
	released  int
	createErr []error
	creates   int
}

func newMemRepo() *memRepo {
	return &memRepo{bookings: map[string]domain.Booking{}}
}

func (r *memRepo) Create(_ context.Context, b domain.Booking, events []outbox.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if len(r.createErr) > 0 {
		err := r.createErr[0]
		r.createErr = r.createErr[1:]
		if err != nil {
			return err
		}
	}
	r.bookings[b.ID] = b
	r.events = append(r.events, events...)
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return b, nil
}

func (r *memRepo) Update(_ context.Context, id string, fn Mutation) (domain.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	meta := domain.Metadata{}
	for k, v := range b.Metadata {
		meta[k] = v
	}
	b.Metadata = meta
	held := b.InventoryHeld
	events, err := fn(&b)
	if err != nil {
		return domain.Booking{}, err
	}
	if held && !b.InventoryHeld {
		r.released++
	}
	r.bookings[id] = b
	r.events = append(r.events, events...)
	return b, nil
}

func (r *memRepo) ListFinished(_ context.Context, day time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, b := range r.bookings {
		if b.Status == domain.StatusConfirmed && !b.EndDate.After(day) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.EventType)
	}
	return types
}

type listings map[string]domain.Listing

func (l listings) Get(_ context.Context, id string) (domain.Listing, error) {
	if lst, ok := l[id]; ok {
		return lst, nil
	}
	return domain.Listing{}, domain.ErrListingNotFound
}

type noAvailability struct{}

func (noAvailability) CheckAvailability(context.Context, string, time.Time, time.Time, int) (bool, error) {
	return false, nil
}

func newService(repo *memRepo) *Service {
	dir := listings{"lst-1": {ID: "lst-1", VendorID: "vendor-1", MaxGuests: 4}}
	svc := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), repo, dir, noAvailability{},
		Config{BusyAttempts: 3, BusyBackoff: time.Millisecond})
	svc.now = func() time.Time { return clock }
	n := 0
	svc.newID = func() string {
		n++
		return "bk-" + string(rune('0'+n))
	}
	return svc
}

func reservation(startInDays int) domain.ReservationRequest {
	start := inventory.Day(clock).AddDate(0, 0, startInDays)
	return domain.ReservationRequest{
		ListingID:  "lst-1",
		UserID:     "guest-1",
		StartDate:  start,
		EndDate:    start.AddDate(0, 0, 2),
		Guests:     2,
		TotalCents: 10_000,
	}
}

func TestReserveCreatesPendingBooking(t *testing.T) {
	repo := newMemRepo()
	svc := newService(repo)

	b, err := svc.Reserve(context.Background(), reservation(10))
	require.NoError(t, err)
	assert.Equal(t, "bk-1", b.ID)
	assert.Equal(t, domain.StatusPending, b.Status)
	assert.True(t, b.InventoryHeld)
	assert.Equal(t, []string{domain.EventBookingCreated}, repo.eventTypes())
	assert.Equal(t, domain.AggregateType, repo.events[0].AggregateType)
	assert.Equal(t, "bk-1", repo.events[0].AggregateID)
}

func TestReserveRetriesBusyRows(t *testing.T) {
	repo := newMemRepo()
	repo.createErr = []error{inventory.ErrResourceBusy, inventory.ErrResourceBusy}
	svc := newService(repo)

	_, err := svc.Reserve(context.Background(), reservation(10))
	require.NoError(t, err)
	assert.Equal(t, 3, repo.creates)
}

func TestReserveSurfacesBusyAfterAttempts(t *testing.T) {
	repo := newMemRepo()
	repo.createErr = []error{inventory.ErrResourceBusy, inventory.ErrResourceBusy, inventory.ErrResourceBusy}
	svc := newService(repo)

	_, err := svc.Reserve(context.Background(), reservation(10))
	require.ErrorIs(t, err, inventory.ErrResourceBusy)
	assert.Equal(t, 3, repo.creates)
	assert.Empty(t, repo.events)
}

func TestReserveDoesNotRetryInsufficientInventory(t *testing.T) {
	repo := newMemRepo()
	repo.createErr = []error{inventory.ErrInsufficientInventory}
	svc := newService(repo)

	_, err := svc.Reserve(context.Background(), reservation(10))
	require.ErrorIs(t, err, inventory.ErrInsufficientInventory)
	assert.Equal(t, 1, repo.creates)
}

func TestReserveRejectsInvalidRequestWithoutSideEffects(t *testing.T) {
	repo := newMemRepo()
	svc := newService(repo)

	req := reservation(10)
	req.Guests = 9
	_, err := svc.Reserve(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrValidation)

	req = reservation(10)
	req.ListingID = "missing"
	_, err = svc.Reserve(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrListingNotFound)
	assert.Zero(t, repo.creates)
}

func TestCancelRequestsRefundAndReleasesOnce(t *testing.T) {
	repo := newMemRepo()
	svc := newService(repo)
	b, err := svc.Reserve(context.Background(), reservation(10))
	require.NoError(t, err)

	got, decision, err := svc.Cancel(context.Background(), b.ID, "guest-1", "sick")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.RefundFull, decision.Class)
	assert.Equal(t, 1, repo.released)
	assert.Equal(t, []string{domain.EventBookingCreated, domain.EventBookingCancelled, domain.EventRefundRequested}, repo.eventTypes())

	_, _, err = svc.Cancel(context.Background(), b.ID, "guest-1", "sick")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 1, repo.released)
}

func TestCancelRefundPayload(t *testing.T) {
	repo := newMemRepo()
	svc := newService(repo)
	b, err := svc.Reserve(context.Background(), reservation(10))
	require.NoError(t, err)
	_, _, err = svc.Cancel(context.Background(), b.ID, "guest-1", "")
	require.NoError(t, err)

	last := repo.events[len(repo.events)-1]
	require.Equal(t, domain.EventRefundRequested, last.EventType)
	var ev domain.RefundRequestedEvent
	require.NoError(t, json.Unmarshal(last.Payload, &ev))
	assert.Equal(t, b.ID, ev.BookingID)
	assert.Equal(t, "guest-1", ev.UserID)
	assert.Equal(t, int64(10_000), ev.AmountCents)
	assert.Equal(t, domain.RefundFull, ev.Class)
	assert.Equal(t, domain.RefundRequested, repo.bookings[b.ID].RefundStatus())
}

func TestCancelWithoutRefundSkipsRefundEvent(t *testing.T) {
	repo := newMemRepo()
	svc := newService(repo)
	b, err := svc.Reserve(context.Background(), reservation(0))
	require.NoError(t, err)

	_, decision, err := svc.Cancel(context.Background(), b.ID, "vendor-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundNone, decision.Class)
	assert.Equal(t, []string{domain.EventBookingCreated, domain.EventBookingCancelled}, repo.eventTypes())
}

func TestConfirmRequiresVendor(t *testing.T) {
	repo := newMemRepo()
	svc := newService(repo)
	b, err := svc.Reserve(context.Background(), reservation(10))
	require.NoError(t, err)

	_, err = svc.Confirm(context.Background(), b.ID, "guest-1")
	require.ErrorIs(t, err, domain.ErrForbidden)

	got, err := svc.Confirm(context.Background(), b.ID, "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.Equal(t, []string{domain.EventBookingCreated, domain.EventBookingConfirmed}, repo.eventTypes())

	_, err = svc.Confirm(context.Background(), "nope", "vendor-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompleteFinished(t *testing.T) {
	repo := newMemRepo()
	svc := newService(repo)
	b, err := svc.Reserve(context.Background(), reservation(1))
	require.NoError(t, err)
	_, err = svc.Confirm(context.Background(), b.ID, "vendor-1")
	require.NoError(t, err)

	n, err := svc.CompleteFinished(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	clock3 := clock.AddDate(0, 0, 3)
	svc.now = func() time.Time { return clock3 }
	n, err = svc.CompleteFinished(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestCheckAvailabilityDelegates(t *testing.T) {
	svc := newService(newMemRepo())
	ok, err := svc.CheckAvailability(context.Background(), "lst-1", clock, clock.AddDate(0, 0, 1), 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
