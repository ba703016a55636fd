package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/Travel-Booking-System/internal/booking/application"
	"github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
	inventorypg "github.com/dmehra2102/Travel-Booking-System/internal/inventory/infrastructure/postgres"
	"github.com/dmehra2102/Travel-Booking-System/pkg/outbox"
	"github.com/dmehra2102/Travel-Booking-System/pkg/postgres"
)

var ErrDuplicateBooking = errors.New("booking already exists")

const bookingColumns = `id, listing_id, user_id, start_date, end_date, guests, quantity, total_cents,
	status, cancellation_reason, cancellation_policy, special_requests, metadata, inventory_held,
	created_at, updated_at`

type Repository struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	ledger *inventorypg.Ledger
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool, ledger *inventorypg.Ledger) *Repository {
	return &Repository{log: log, pool: pool, ledger: ledger}
}

func (r *Repository) Create(ctx context.Context, b domain.Booking, events []outbox.Entry) error {
	return postgres.WithTx(ctx, r.pool, r.log, func(tx pgx.Tx) error {
		if err := r.ledger.ReserveTx(ctx, tx, b.ListingID, b.Range(), b.Quantity); err != nil {
			return err
		}
		policy, meta, err := encode(b)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO bookings (`+bookingColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			b.ID, b.ListingID, b.UserID, b.StartDate, b.EndDate, b.Guests, b.Quantity, b.TotalCents,
			b.Status, b.CancellationReason, policy, b.SpecialRequests, meta, b.InventoryHeld,
			b.CreatedAt, b.UpdatedAt)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateBooking, b.ID)
			}
			return fmt.Errorf("insert booking: %w", err)
		}
		return outbox.Enqueue(ctx, tx, events...)
	})
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Booking, error) {
	return selectBooking(ctx, r.pool, id, false)
}

func (r *Repository) Update(ctx context.Context, id string, fn application.Mutation) (domain.Booking, error) {
	var out domain.Booking
	err := postgres.WithTx(ctx, r.pool, r.log, func(tx pgx.Tx) error {
		var err error
		out, err = r.UpdateInTx(ctx, tx, id, fn)
		return err
	})
	return out, err
}

// UpdateInTx is Update inside a transaction owned by the caller, used by the
// refund saga so the booking change commits with its processed-event record.
func (r *Repository) UpdateInTx(ctx context.Context, tx pgx.Tx, id string, fn application.Mutation) (domain.Booking, error) {
	b, err := selectBooking(ctx, tx, id, true)
	if err != nil {
		return domain.Booking{}, err
	}
	held := b.InventoryHeld
	events, err := fn(&b)
	if err != nil {
		return domain.Booking{}, err
	}

	if held && !b.InventoryHeld {
		released, err := r.ledger.ReleaseTx(ctx, tx, b.ListingID, b.Range(), b.Quantity)
		if err != nil {
			return domain.Booking{}, err
		}
		r.log.Debug("inventory released", "booking_id", b.ID, "days", released)
	}

	policy, meta, err := encode(b)
	if err != nil {
		return domain.Booking{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE bookings SET status = $2, cancellation_reason = $3, cancellation_policy = $4,
			metadata = $5, inventory_held = $6, updated_at = $7
		WHERE id = $1`,
		b.ID, b.Status, b.CancellationReason, policy, meta, b.InventoryHeld, b.UpdatedAt)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("update booking %s: %w", b.ID, err)
	}
	if err := outbox.Enqueue(ctx, tx, events...); err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}

func (r *Repository) ListFinished(ctx context.Context, day time.Time, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM bookings
		WHERE status = 'CONFIRMED' AND end_date <= $1
		ORDER BY end_date, id
		LIMIT $2`, day, limit)
	if err != nil {
		return nil, fmt.Errorf("list finished bookings: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func selectBooking(ctx context.Context, db postgres.DB, id string, forUpdate bool) (domain.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var (
		b      domain.Booking
		policy []byte
		meta   []byte
	)
	err := db.QueryRow(ctx, q, id).Scan(
		&b.ID, &b.ListingID, &b.UserID, &b.StartDate, &b.EndDate, &b.Guests, &b.Quantity, &b.TotalCents,
		&b.Status, &b.CancellationReason, &policy, &b.SpecialRequests, &meta, &b.InventoryHeld,
		&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Booking{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("select booking %s: %w", id, err)
	}
	if err := json.Unmarshal(policy, &b.Policy); err != nil {
		return domain.Booking{}, fmt.Errorf("decode policy of %s: %w", id, err)
	}
	b.Metadata = domain.Metadata{}
	if err := json.Unmarshal(meta, &b.Metadata); err != nil {
		return domain.Booking{}, fmt.Errorf("decode metadata of %s: %w", id, err)
	}
	b.StartDate = b.StartDate.UTC()
	b.EndDate = b.EndDate.UTC()
	return b, nil
}

func encode(b domain.Booking) (policy, meta []byte, err error) {
	if policy, err = json.Marshal(b.Policy); err != nil {
		return nil, nil, fmt.Errorf("encode policy: %w", err)
	}
	if b.Metadata == nil {
		b.Metadata = domain.Metadata{}
	}
	if meta, err = json.Marshal(b.Metadata); err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return policy, meta, nil
}
