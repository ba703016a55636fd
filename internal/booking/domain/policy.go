package domain

import (
	"fmt"
	"time"
)

type RefundClass string

const (
	RefundFull    RefundClass = "FULL"
	RefundPartial RefundClass = "PARTIAL"
	RefundNone    RefundClass = "NO_REFUND"
)

// CancellationPolicy is copied onto each booking when it is created so later
// listing edits do not change what a guest was promised.
type CancellationPolicy struct {
	FreeUntilHours int `json:"free_until_hours"`
	PartialPct     int `json:"partial_pct"`
	CutoffHours    int `json:"cutoff_hours"`
}

var DefaultPolicy = CancellationPolicy{FreeUntilHours: 48, PartialPct: 50, CutoffHours: 24}

func (p CancellationPolicy) Validate() error {
	switch {
	case p.FreeUntilHours < 0 || p.CutoffHours < 0:
		return fmt.Errorf("%w: policy hours must not be negative", ErrValidation)
	case p.CutoffHours > p.FreeUntilHours:
		return fmt.Errorf("%w: cutoff %dh after free window %dh", ErrValidation, p.CutoffHours, p.FreeUntilHours)
	case p.PartialPct < 0 || p.PartialPct > 100:
		return fmt.Errorf("%w: partial percentage %d out of range", ErrValidation, p.PartialPct)
	}
	return nil
}

type RefundDecision struct {
	Class       RefundClass
	AmountCents int64
}

// Refund classifies a cancellation made leadTime before check-in.
// Partial amounts round down to the cent.
func (p CancellationPolicy) Refund(totalCents int64, leadTime time.Duration) RefundDecision {
	if totalCents <= 0 {
		return RefundDecision{Class: RefundNone}
	}
	free := time.Duration(p.FreeUntilHours) * time.Hour
	cutoff := time.Duration(p.CutoffHours) * time.Hour
	switch {
	case leadTime >= free:
		return RefundDecision{Class: RefundFull, AmountCents: totalCents}
	case leadTime >= cutoff:
		amount := totalCents * int64(p.PartialPct) / 100
		switch {
		case amount <= 0:
			return RefundDecision{Class: RefundNone}
		case amount >= totalCents:
			return RefundDecision{Class: RefundFull, AmountCents: totalCents}
		}
		return RefundDecision{Class: RefundPartial, AmountCents: amount}
	default:
		return RefundDecision{Class: RefundNone}
	}
}
