// Package domain models the refund saga that follows a booking cancellation:
// the payment side reports whether money went back to the guest, and a failed
// refund is compensated by reinstating the booking.
package domain

import (
	"errors"
	"fmt"
	"time"

	booking "github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
)

var (
	// ErrCompensationFailed means the booking could not be reinstated. The
	// event is retried and eventually dead-lettered.
	ErrCompensationFailed = errors.New("refund compensation failed")
	// ErrUnexpectedState means the booking is not where the saga expects it.
	ErrUnexpectedState = errors.New("booking in unexpected saga state")
	ErrMalformedEvent  = errors.New("malformed saga event")
)

type RefundState string

const (
	StateNotRequired RefundState = booking.RefundNotRequired
	StateRequested   RefundState = booking.RefundRequested
	StateCompleted   RefundState = booking.RefundCompleted
	StateFailed      RefundState = booking.RefundFailed
)

func (s RefundState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Transition string

const (
	TransitionSucceeded        Transition = "refund.succeeded"
	TransitionFailedCompensate Transition = "refund.failed.compensate"
)

type step struct {
	from RefundState
	to   RefundState
	// booking status the step requires
	status booking.Status
}

var steps = map[Transition]step{
	TransitionSucceeded:        {from: StateRequested, to: StateCompleted, status: booking.StatusCancelled},
	TransitionFailedCompensate: {from: StateRequested, to: StateFailed, status: booking.StatusCancelled},
}

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored is a refund event arriving after another one already
	// settled the saga. First applied wins.
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// fire checks t against b and, when it applies, moves the refund state.
func fire(b *booking.Booking, t Transition) (Outcome, error) {
	st, ok := steps[t]
	if !ok {
		return "", fmt.Errorf("%w: unknown transition %s", ErrUnexpectedState, t)
	}
	current := RefundState(b.RefundStatus())
	if current.Terminal() {
		return OutcomeIgnored, nil
	}
	if current != st.from {
		return "", fmt.Errorf("%w: %s needs refund %s, booking %s has %s", ErrUnexpectedState, t, st.from, b.ID, current)
	}
	if b.Status != st.status {
		err := fmt.Errorf("%w: %s needs a %s booking, %s is %s", ErrUnexpectedState, t, st.status, b.ID, b.Status)
		if t == TransitionFailedCompensate {
			return "", fmt.Errorf("%w: %w", ErrCompensationFailed, err)
		}
		return "", err
	}
	b.Metadata.Set(booking.MetaRefundStatus, string(st.to))
	return OutcomeApplied, nil
}

// ApplySucceeded records a completed refund. The booking stays CANCELLED.
func ApplySucceeded(b *booking.Booking, ev RefundSucceeded, now time.Time) (Outcome, error) {
	ensureMetadata(b)
	out, err := fire(b, TransitionSucceeded)
	if err != nil || out != OutcomeApplied {
		return out, err
	}
	b.Metadata.Set(booking.MetaRefundReference, ev.Reference)
	b.Metadata.Set(booking.MetaRefundAmount, ev.Amount)
	if ev.PaymentID != "" {
		b.Metadata.Set(booking.MetaPaymentID, ev.PaymentID)
	}
	b.UpdatedAt = now.UTC()
	return OutcomeApplied, nil
}

// ApplyFailed compensates a failed refund by reinstating the booking as
// CONFIRMED. Released inventory is not taken back.
func ApplyFailed(b *booking.Booking, ev RefundFailed, now time.Time) (Outcome, error) {
	ensureMetadata(b)
	out, err := fire(b, TransitionFailedCompensate)
	if err != nil || out != OutcomeApplied {
		return out, err
	}
	if err := b.Reinstate(now); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompensationFailed, err)
	}
	b.Metadata.Set(booking.MetaRefundErrorCode, ev.ErrorCode)
	b.Metadata.Set(booking.MetaRefundErrorMessage, ev.ErrorMessage)
	b.Metadata.Set(booking.MetaCompensationApplied, true)
	if ev.PaymentID != "" {
		b.Metadata.Set(booking.MetaPaymentID, ev.PaymentID)
	}
	return OutcomeApplied, nil
}

func ensureMetadata(b *booking.Booking) {
	if b.Metadata == nil {
		b.Metadata = booking.Metadata{}
	}
}
