package application

import (
	"context"

	"github.com/dmehra2102/Travel-Booking-System/internal/inventory/domain"
)

type Ledger interface {
	CheckAvailability(ctx context.Context, listingID string, r domain.Range, qty int) (bool, error)
	Entries(ctx context.Context, listingID string, r domain.Range) ([]domain.Entry, error)
}
