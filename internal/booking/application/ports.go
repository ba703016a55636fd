package application

import (
	"context"
	"time"

	"github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
	"github.com/dmehra2102/Travel-Booking-System/pkg/outbox"
)

// Mutation changes a locked booking and returns the outbox entries to append
// in the same transaction.
type Mutation func(b *domain.Booking) ([]outbox.Entry, error)

type Repository interface {
	// Create reserves the booking's inventory, inserts it and enqueues events
	// atomically.
	Create(ctx context.Context, b domain.Booking, events []outbox.Entry) error
	Get(ctx context.Context, id string) (domain.Booking, error)
	// Update locks the booking row, applies fn and persists the result. Inventory
	// is released when fn clears InventoryHeld.
	Update(ctx context.Context, id string, fn Mutation) (domain.Booking, error)
	// ListFinished returns ids of CONFIRMED bookings whose end date is on or
	// before the given day.
	ListFinished(ctx context.Context, day time.Time, limit int) ([]string, error)
}

type ListingDirectory interface {
	Get(ctx context.Context, id string) (domain.Listing, error)
}

type Availability interface {
	CheckAvailability(ctx context.Context, listingID string, start, end time.Time, qty int) (bool, error)
}
