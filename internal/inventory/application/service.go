package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dmehra2102/Travel-Booking-System/internal/inventory/domain"
)

type Service struct {
	ledger Ledger
}

func NewService(ledger Ledger) *Service {
	return &Service{ledger: ledger}
}

func (s *Service) CheckAvailability(ctx context.Context, listingID string, start, end time.Time, qty int) (bool, error) {
	if listingID == "" {
		return false, fmt.Errorf("%w: listing id is required", domain.ErrInvalidRange)
	}
	if qty <= 0 {
		return false, domain.ErrInvalidQuantity
	}
	r, err := domain.NewRange(start, end)
	if err != nil {
		return false, err
	}
	return s.ledger.CheckAvailability(ctx, listingID, r, qty)
}

func (s *Service) Entries(ctx context.Context, listingID string, start, end time.Time) ([]domain.Entry, error) {
	r, err := domain.NewRange(start, end)
	if err != nil {
		return nil, err
	}
	return s.ledger.Entries(ctx, listingID, r)
}

// RetryBusy calls fn until it returns something other than ErrResourceBusy,
// backing off exponentially between attempts. After attempts tries the last
// busy error is returned.
func RetryBusy(ctx context.Context, attempts uint64, initial time.Duration, fn func() error) error {
	if attempts == 0 {
		attempts = 1
	}
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxElapsedTime(0),
	)
	op := func() error {
		err := fn()
		if err == nil || errors.Is(err, domain.ErrResourceBusy) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))
}
