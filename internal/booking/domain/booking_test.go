package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func listing() Listing {
	return Listing{ID: "lst-1", VendorID: "vendor-1", MaxGuests: 4}
}

func request() ReservationRequest {
	return ReservationRequest{
		ListingID:  "lst-1",
		UserID:     "guest-1",
		StartDate:  time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, 3, 23, 0, 0, 0, 0, time.UTC),
		Guests:     2,
		TotalCents: 10_000,
	}
}

func newBooking(t *testing.T) Booking {
	t.Helper()
	b, err := NewBooking("bk-1", listing(), request(), now)
	require.NoError(t, err)
	return b
}

func TestNewBookingDefaults(t *testing.T) {
	b := newBooking(t)
	assert.Equal(t, StatusPending, b.Status)
	assert.Equal(t, UnitsPerBooking, b.Quantity)
	assert.True(t, b.InventoryHeld)
	assert.Equal(t, DefaultPolicy, b.Policy)
	assert.Equal(t, 3, b.Range().Nights())
}

func TestNewBookingCopiesListingPolicy(t *testing.T) {
	l := listing()
	l.Policy = &CancellationPolicy{FreeUntilHours: 72, PartialPct: 25, CutoffHours: 12}
	b, err := NewBooking("bk-1", l, request(), now)
	require.NoError(t, err)
	assert.Equal(t, 72, b.Policy.FreeUntilHours)
}

func TestNewBookingValidation(t *testing.T) {
	cases := map[string]func(r *ReservationRequest){
		"missing user":     func(r *ReservationRequest) { r.UserID = "" },
		"wrong listing":    func(r *ReservationRequest) { r.ListingID = "other" },
		"end before start": func(r *ReservationRequest) { r.EndDate = r.StartDate.AddDate(0, 0, -1) },
		"empty range":      func(r *ReservationRequest) { r.EndDate = r.StartDate },
		"start in past":    func(r *ReservationRequest) { r.StartDate = now.AddDate(0, 0, -1) },
		"too long":         func(r *ReservationRequest) { r.EndDate = r.StartDate.AddDate(0, 0, MaxNights+1) },
		"no guests":        func(r *ReservationRequest) { r.Guests = 0 },
		"too many guests":  func(r *ReservationRequest) { r.Guests = 5 },
		"negative total":   func(r *ReservationRequest) { r.TotalCents = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := request()
			mutate(&req)
			_, err := NewBooking("bk-1", listing(), req, now)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestStartTodayIsAllowed(t *testing.T) {
	req := request()
	req.StartDate = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	_, err := NewBooking("bk-1", listing(), req, now)
	require.NoError(t, err)
}

func TestConfirmRequiresVendor(t *testing.T) {
	b := newBooking(t)
	require.ErrorIs(t, b.Confirm("guest-1", listing(), now), ErrForbidden)
	require.NoError(t, b.Confirm("vendor-1", listing(), now))
	assert.Equal(t, StatusConfirmed, b.Status)
	require.ErrorIs(t, b.Confirm("vendor-1", listing(), now), ErrInvalidTransition)
}

func TestCancelReleasesAndDecidesRefund(t *testing.T) {
	b := newBooking(t)
	decision, err := b.Cancel("guest-1", listing(), "change of plans", now)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, b.Status)
	assert.False(t, b.InventoryHeld)
	require.NotNil(t, b.CancellationReason)
	assert.Equal(t, "change of plans", *b.CancellationReason)
	assert.Equal(t, RefundFull, decision.Class)
	assert.Equal(t, int64(10_000), decision.AmountCents)
	assert.Equal(t, RefundRequested, b.RefundStatus())
}

func TestCancelClearsPreviousRefundAttempt(t *testing.T) {
	b := newBooking(t)
	b.Status = StatusConfirmed
	b.Metadata = Metadata{
		MetaRefundStatus:        RefundFailed,
		MetaRefundErrorCode:     "INSUFFICIENT_FUNDS",
		MetaRefundErrorMessage:  "card declined",
		MetaCompensationApplied: true,
		MetaPaymentID:           "pay-1",
	}

	_, err := b.Cancel("guest-1", listing(), "", now)
	require.NoError(t, err)
	assert.Equal(t, RefundRequested, b.RefundStatus())
	assert.NotContains(t, b.Metadata, MetaRefundErrorCode)
	assert.NotContains(t, b.Metadata, MetaRefundErrorMessage)
	assert.NotContains(t, b.Metadata, MetaCompensationApplied)
	assert.Equal(t, "pay-1", b.Metadata.String(MetaPaymentID))
}

func TestCancelThirtySixHoursOutIsPartial(t *testing.T) {
	req := request()
	req.StartDate = time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	b, err := NewBooking("bk-1", listing(), req, now)
	require.NoError(t, err)

	decision, err := b.Cancel("vendor-1", listing(), "", now)
	require.NoError(t, err)
	assert.Equal(t, RefundPartial, decision.Class)
	assert.Equal(t, int64(5_000), decision.AmountCents)
	assert.Nil(t, b.CancellationReason)
}

func TestCancelRejectsStrangersAndTerminal(t *testing.T) {
	b := newBooking(t)
	_, err := b.Cancel("someone", listing(), "", now)
	require.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, StatusPending, b.Status)

	_, err = b.Cancel("guest-1", listing(), "", now)
	require.NoError(t, err)
	_, err = b.Cancel("guest-1", listing(), "", now)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelWithNoRefundDueIsNotRequired(t *testing.T) {
	req := request()
	req.StartDate = time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	b, err := NewBooking("bk-1", listing(), req, now)
	require.NoError(t, err)

	decision, err := b.Cancel("guest-1", listing(), "", now)
	require.NoError(t, err)
	assert.Equal(t, RefundNone, decision.Class)
	assert.Equal(t, RefundNotRequired, b.RefundStatus())
}

func TestReinstateOnlyFromCancelled(t *testing.T) {
	b := newBooking(t)
	require.ErrorIs(t, b.Reinstate(now), ErrInvalidTransition)

	_, err := b.Cancel("guest-1", listing(), "", now)
	require.NoError(t, err)
	require.NoError(t, b.Reinstate(now))
	assert.Equal(t, StatusConfirmed, b.Status)
	assert.False(t, b.InventoryHeld)
}

func TestComplete(t *testing.T) {
	b := newBooking(t)
	require.ErrorIs(t, b.Complete(b.EndDate), ErrInvalidTransition)

	require.NoError(t, b.Confirm("vendor-1", listing(), now))
	require.ErrorIs(t, b.Complete(b.EndDate.Add(-time.Hour)), ErrInvalidTransition)
	require.NoError(t, b.Complete(b.EndDate))
	assert.True(t, b.IsTerminal())
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, TransitionCancel))
	assert.True(t, CanTransition(StatusConfirmed, TransitionCancel))
	assert.False(t, CanTransition(StatusCompleted, TransitionCancel))
	assert.False(t, CanTransition(StatusPending, TransitionReinstate))
	assert.False(t, CanTransition(StatusPending, TransitionComplete))
	assert.False(t, CanTransition(StatusPending, Transition("teleport")))
}

func TestMetadataGetters(t *testing.T) {
	m := Metadata{"a": float64(5000), "b": "12", "c": true, "d": "true"}
	n, ok := m.Int64("a")
	assert.True(t, ok)
	assert.Equal(t, int64(5000), n)
	n, ok = m.Int64("b")
	assert.True(t, ok)
	assert.Equal(t, int64(12), n)
	_, ok = m.Int64("missing")
	assert.False(t, ok)
	assert.True(t, m.Bool("c"))
	assert.True(t, m.Bool("d"))
	assert.Equal(t, "5000", m.String("a"))
}
