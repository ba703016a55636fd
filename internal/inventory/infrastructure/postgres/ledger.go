package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/Travel-Booking-System/internal/inventory/domain"
	"github.com/dmehra2102/Travel-Booking-System/pkg/postgres"
)

// Ledger mutates inventory_ledger rows. The *Tx methods join the caller's
// transaction so a reservation commits together with the booking row and
// its outbox entry.
type Ledger struct {
	log         *slog.Logger
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	tracer      trace.Tracer
}

func NewLedger(log *slog.Logger, pool *pgxpool.Pool, lockTimeout time.Duration) *Ledger {
	return &Ledger{log: log, pool: pool, lockTimeout: lockTimeout, tracer: otel.Tracer("inventory-ledger")}
}

func (l *Ledger) CheckAvailability(ctx context.Context, listingID string, r domain.Range, qty int) (bool, error) {
	entries, err := l.Entries(ctx, listingID, r)
	if err != nil {
		return false, err
	}
	return domain.Covers(entries, r, qty), nil
}

func (l *Ledger) Entries(ctx context.Context, listingID string, r domain.Range) ([]domain.Entry, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT listing_id, day, available_quantity, reserved_quantity
		FROM inventory_ledger
		WHERE listing_id = $1 AND day >= $2 AND day < $3
		ORDER BY day`, listingID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	return scanEntries(rows)
}

// Reserve runs ReserveTx in its own transaction.
func (l *Ledger) Reserve(ctx context.Context, listingID string, r domain.Range, qty int) error {
	return postgres.WithTx(ctx, l.pool, l.log, func(tx pgx.Tx) error {
		return l.ReserveTx(ctx, tx, listingID, r, qty)
	})
}

// ReserveTx locks every row of the range in ascending day order, re-checks
// availability under the locks and increments reserved_quantity on all of
// them. Either every day is reserved or none is.
func (l *Ledger) ReserveTx(ctx context.Context, tx pgx.Tx, listingID string, r domain.Range, qty int) error {
	if qty <= 0 {
		return domain.ErrInvalidQuantity
	}
	ctx, span := l.tracer.Start(ctx, "Ledger.Reserve", trace.WithAttributes(
		attribute.String("listing_id", listingID),
		attribute.Int("nights", r.Nights()),
		attribute.Int("qty", qty),
	))
	defer span.End()

	entries, err := l.lockRange(ctx, tx, listingID, r)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !domain.Covers(entries, r, qty) {
		return fmt.Errorf("%w: listing %s %s..%s", domain.ErrInsufficientInventory, listingID,
			r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly))
	}

	ct, err := tx.Exec(ctx, `
		UPDATE inventory_ledger
		SET reserved_quantity = reserved_quantity + $4, updated_at = now()
		WHERE listing_id = $1 AND day >= $2 AND day < $3`, listingID, r.Start, r.End, qty)
	if err != nil {
		if postgres.IsCheckViolation(err) {
			return fmt.Errorf("%w: %v", domain.ErrInsufficientInventory, err)
		}
		return l.busyOr(err, "reserve")
	}
	if int(ct.RowsAffected()) != r.Nights() {
		return fmt.Errorf("reserve touched %d rows, want %d", ct.RowsAffected(), r.Nights())
	}
	return nil
}

func (l *Ledger) Release(ctx context.Context, listingID string, r domain.Range, qty int) (int, error) {
	var released int
	err := postgres.WithTx(ctx, l.pool, l.log, func(tx pgx.Tx) error {
		var err error
		released, err = l.ReleaseTx(ctx, tx, listingID, r, qty)
		return err
	})
	return released, err
}

// ReleaseTx decrements reserved_quantity on every day of the range, clamped
// at zero, and returns the number of rows that still had units to release.
// Zero means the range was already released.
func (l *Ledger) ReleaseTx(ctx context.Context, tx pgx.Tx, listingID string, r domain.Range, qty int) (int, error) {
	if qty <= 0 {
		return 0, domain.ErrInvalidQuantity
	}
	ctx, span := l.tracer.Start(ctx, "Ledger.Release", trace.WithAttributes(
		attribute.String("listing_id", listingID),
		attribute.Int("qty", qty),
	))
	defer span.End()

	if _, err := l.lockRange(ctx, tx, listingID, r); err != nil {
		span.RecordError(err)
		return 0, err
	}
	ct, err := tx.Exec(ctx, `
		UPDATE inventory_ledger
		SET reserved_quantity = GREATEST(reserved_quantity - $4, 0), updated_at = now()
		WHERE listing_id = $1 AND day >= $2 AND day < $3 AND reserved_quantity > 0`,
		listingID, r.Start, r.End, qty)
	if err != nil {
		return 0, l.busyOr(err, "release")
	}
	released := int(ct.RowsAffected())
	if released == 0 {
		l.log.InfoContext(ctx, "release was a no-op", "listing_id", listingID,
			"start", r.Start.Format(time.DateOnly), "end", r.End.Format(time.DateOnly))
	}
	return released, nil
}

// Seed upserts availability rows. Used by the vendor flow and tests; it never
// lowers available below what is already reserved.
func (l *Ledger) Seed(ctx context.Context, entries ...domain.Entry) error {
	return postgres.WithTx(ctx, l.pool, l.log, func(tx pgx.Tx) error {
		for _, e := range entries {
			_, err := tx.Exec(ctx, `
				INSERT INTO inventory_ledger (listing_id, day, available_quantity, reserved_quantity)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (listing_id, day) DO UPDATE
				SET available_quantity = GREATEST(EXCLUDED.available_quantity, inventory_ledger.reserved_quantity),
				    updated_at = now()`,
				e.ListingID, domain.Day(e.Day), e.Available, e.Reserved)
			if err != nil {
				return fmt.Errorf("seed %s %s: %w", e.ListingID, e.Day.Format(time.DateOnly), err)
			}
		}
		return nil
	})
}

// lockRange takes FOR UPDATE locks day by day in ascending order so that two
// reservations over overlapping ranges always queue in the same order. The
// wait is bounded by lock_timeout for the rest of the transaction.
func (l *Ledger) lockRange(ctx context.Context, tx pgx.Tx, listingID string, r domain.Range) ([]domain.Entry, error) {
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
		fmt.Sprintf("%dms", l.lockTimeout.Milliseconds())); err != nil {
		return nil, fmt.Errorf("set lock_timeout: %w", err)
	}
	rows, err := tx.Query(ctx, `
		SELECT listing_id, day, available_quantity, reserved_quantity
		FROM inventory_ledger
		WHERE listing_id = $1 AND day >= $2 AND day < $3
		ORDER BY day
		FOR UPDATE`, listingID, r.Start, r.End)
	if err != nil {
		return nil, l.busyOr(err, "lock")
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, l.busyOr(err, "lock")
	}
	return entries, nil
}

func (l *Ledger) busyOr(err error, op string) error {
	if postgres.IsLockTimeout(err) {
		return fmt.Errorf("%w: %s: %v", domain.ErrResourceBusy, op, err)
	}
	return fmt.Errorf("ledger %s: %w", op, err)
}

func scanEntries(rows pgx.Rows) ([]domain.Entry, error) {
	defer rows.Close()

	var entries []domain.Entry
	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.ListingID, &e.Day, &e.Available, &e.Reserved); err != nil {
			return nil, err
		}
		e.Day = domain.Day(e.Day)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
