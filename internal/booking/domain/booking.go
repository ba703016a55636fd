package domain

import (
	"fmt"
	"strings"
	"time"

	inventory "github.com/dmehra2102/Travel-Booking-System/internal/inventory/domain"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// MaxNights bounds a single stay.
const MaxNights = 30

// UnitsPerBooking is how many ledger units one booking holds per night.
const UnitsPerBooking = 1

type Booking struct {
	ID                 string
	ListingID          string
	UserID             string
	StartDate          time.Time
	EndDate            time.Time
	Guests             int
	Quantity           int
	TotalCents         int64
	Status             Status
	CancellationReason *string
	Policy             CancellationPolicy
	SpecialRequests    string
	Metadata           Metadata
	// InventoryHeld is true while the booking's units are counted in
	// reserved_quantity on the ledger.
	InventoryHeld bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Listing is the slice of vendor-managed listing data a booking needs.
type Listing struct {
	ID        string
	VendorID  string
	MaxGuests int
	Policy    *CancellationPolicy
}

type ReservationRequest struct {
	ListingID       string
	UserID          string
	StartDate       time.Time
	EndDate         time.Time
	Guests          int
	TotalCents      int64
	SpecialRequests string
}

// NewBooking validates req against the listing and returns a PENDING booking
// holding inventory. now decides what "today" is.
func NewBooking(id string, listing Listing, req ReservationRequest, now time.Time) (Booking, error) {
	var problems []string
	if strings.TrimSpace(req.UserID) == "" {
		problems = append(problems, "user id is required")
	}
	if req.ListingID == "" || req.ListingID != listing.ID {
		problems = append(problems, "listing id does not match listing")
	}

	r, err := inventory.NewRange(req.StartDate, req.EndDate)
	if err != nil {
		problems = append(problems, err.Error())
	} else {
		if r.Start.Before(inventory.Day(now)) {
			problems = append(problems, "start date is in the past")
		}
		if r.Nights() > MaxNights {
			problems = append(problems, fmt.Sprintf("stay exceeds %d nights", MaxNights))
		}
	}
	if req.Guests < 1 {
		problems = append(problems, "at least one guest is required")
	} else if req.Guests > listing.MaxGuests {
		problems = append(problems, fmt.Sprintf("guests %d exceed listing maximum %d", req.Guests, listing.MaxGuests))
	}
	if req.TotalCents < 0 {
		problems = append(problems, "total amount must not be negative")
	}
	if len(problems) > 0 {
		return Booking{}, fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}

	policy := DefaultPolicy
	if listing.Policy != nil {
		policy = *listing.Policy
	}
	now = now.UTC()
	return Booking{
		ID:              id,
		ListingID:       listing.ID,
		UserID:          req.UserID,
		StartDate:       r.Start,
		EndDate:         r.End,
		Guests:          req.Guests,
		Quantity:        UnitsPerBooking,
		TotalCents:      req.TotalCents,
		Status:          StatusPending,
		Policy:          policy,
		SpecialRequests: req.SpecialRequests,
		Metadata:        Metadata{},
		InventoryHeld:   true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (b Booking) Range() inventory.Range {
	return inventory.Range{Start: b.StartDate, End: b.EndDate}
}

func (b Booking) IsTerminal() bool {
	return b.Status == StatusCancelled || b.Status == StatusCompleted
}

// Confirm moves a PENDING booking to CONFIRMED on behalf of the listing's vendor.
func (b *Booking) Confirm(actorID string, listing Listing, now time.Time) error {
	if actorID == "" || actorID != listing.VendorID {
		return fmt.Errorf("%w: only the listing vendor can confirm", ErrForbidden)
	}
	return b.apply(TransitionConfirm, now)
}

// Cancel moves the booking to CANCELLED, gives its inventory back and decides
// the refund. actorID must be the guest or the listing's vendor.
func (b *Booking) Cancel(actorID string, listing Listing, reason string, now time.Time) (RefundDecision, error) {
	if actorID == "" || (actorID != b.UserID && actorID != listing.VendorID) {
		return RefundDecision{}, fmt.Errorf("%w: only the guest or vendor can cancel", ErrForbidden)
	}
	if err := b.apply(TransitionCancel, now); err != nil {
		return RefundDecision{}, err
	}
	if reason != "" {
		b.CancellationReason = &reason
	}
	b.InventoryHeld = false

	decision := b.Policy.Refund(b.TotalCents, b.StartDate.Sub(now))
	// A reinstated booking can be cancelled again; the outcome of the earlier
	// refund attempt does not carry into the new one.
	b.meta().Delete(MetaRefundReference, MetaRefundErrorCode, MetaRefundErrorMessage, MetaCompensationApplied)
	b.meta().Set(MetaRefundClass, string(decision.Class))
	b.meta().Set(MetaRefundAmount, decision.AmountCents)
	if decision.AmountCents > 0 {
		b.meta().Set(MetaRefundStatus, RefundRequested)
	} else {
		b.meta().Set(MetaRefundStatus, RefundNotRequired)
	}
	return decision, nil
}

// Reinstate is the refund saga's compensation: a CANCELLED booking whose
// refund failed goes back to CONFIRMED. Inventory is not re-reserved.
func (b *Booking) Reinstate(now time.Time) error {
	return b.apply(TransitionReinstate, now)
}

func (b *Booking) Complete(now time.Time) error {
	if now.Before(b.EndDate) {
		return fmt.Errorf("%w: stay ends %s", ErrInvalidTransition, b.EndDate.Format(time.DateOnly))
	}
	return b.apply(TransitionComplete, now)
}

func (b *Booking) meta() Metadata {
	if b.Metadata == nil {
		b.Metadata = Metadata{}
	}
	return b.Metadata
}
