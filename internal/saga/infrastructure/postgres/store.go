package postgres

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	bookingapp "github.com/dmehra2102/Travel-Booking-System/internal/booking/application"
	bookingpg "github.com/dmehra2102/Travel-Booking-System/internal/booking/infrastructure/postgres"
	"github.com/dmehra2102/Travel-Booking-System/pkg/idempotency"
	"github.com/dmehra2102/Travel-Booking-System/pkg/postgres"
)

// Store commits the processed_events record and the booking change in the
// same transaction.
type Store struct {
	log      *slog.Logger
	pool     *pgxpool.Pool
	bookings *bookingpg.Repository
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool, bookings *bookingpg.Repository) *Store {
	return &Store{log: log, pool: pool, bookings: bookings}
}

func (s *Store) Apply(ctx context.Context, messageID, eventType, bookingID string, fn bookingapp.Mutation) (bool, error) {
	var claimed bool
	err := postgres.WithTx(ctx, s.pool, s.log, func(tx pgx.Tx) error {
		var err error
		claimed, err = idempotency.Claim(ctx, tx, messageID, eventType)
		if err != nil || !claimed {
			return err
		}
		_, err = s.bookings.UpdateInTx(ctx, tx, bookingID, fn)
		return err
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}
