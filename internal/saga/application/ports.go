package application

import (
	"context"

	bookingapp "github.com/dmehra2102/Travel-Booking-System/internal/booking/application"
)

type Store interface {
	// Apply records messageID as processed and runs fn against the locked
	// booking in one transaction. It reports false without calling fn when
	// messageID was already recorded. An error from fn rolls back both.
	Apply(ctx context.Context, messageID, eventType, bookingID string, fn bookingapp.Mutation) (bool, error)
}
