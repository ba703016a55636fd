package domain

import "time"

const AggregateType = "booking"

// Event types published on the booking events topic.
const (
	EventBookingCreated    = "BookingCreated"
	EventBookingConfirmed  = "BookingConfirmed"
	EventBookingCancelled  = "BookingCancelled"
	EventRefundRequested   = "RefundRequested"
	EventBookingReinstated = "BookingReinstated"
	EventBookingCompleted  = "BookingCompleted"
)

type BookingCreated struct {
	BookingID  string    `json:"bookingId"`
	ListingID  string    `json:"listingId"`
	UserID     string    `json:"userId"`
	StartDate  string    `json:"startDate"`
	EndDate    string    `json:"endDate"`
	Guests     int       `json:"guests"`
	TotalCents int64     `json:"totalCents"`
	CreatedAt  time.Time `json:"createdAt"`
}

// StatusChanged is the payload of confirm, reinstate and complete events.
type StatusChanged struct {
	BookingID string    `json:"bookingId"`
	ListingID string    `json:"listingId"`
	UserID    string    `json:"userId"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type BookingCancelled struct {
	BookingID   string      `json:"bookingId"`
	ListingID   string      `json:"listingId"`
	UserID      string      `json:"userId"`
	CancelledBy string      `json:"cancelledBy"`
	Reason      string      `json:"reason,omitempty"`
	RefundClass RefundClass `json:"refundClass"`
	RefundCents int64       `json:"refundCents"`
	At          time.Time   `json:"at"`
}

// RefundRequestedEvent asks the payment side to refund a cancelled booking.
type RefundRequestedEvent struct {
	BookingID   string      `json:"bookingId"`
	UserID      string      `json:"userId"`
	PaymentID   string      `json:"paymentId,omitempty"`
	AmountCents int64       `json:"amountCents"`
	Class       RefundClass `json:"refundClass"`
	At          time.Time   `json:"at"`
}

func (b Booking) Created() BookingCreated {
	return BookingCreated{
		BookingID:  b.ID,
		ListingID:  b.ListingID,
		UserID:     b.UserID,
		StartDate:  b.StartDate.Format(time.DateOnly),
		EndDate:    b.EndDate.Format(time.DateOnly),
		Guests:     b.Guests,
		TotalCents: b.TotalCents,
		CreatedAt:  b.CreatedAt,
	}
}

func (b Booking) StatusChanged(reason string) StatusChanged {
	return StatusChanged{
		BookingID: b.ID,
		ListingID: b.ListingID,
		UserID:    b.UserID,
		Status:    b.Status,
		Reason:    reason,
		At:        b.UpdatedAt,
	}
}
