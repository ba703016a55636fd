package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
)

// Listings reads the listings table owned by the vendor flow.
type Listings struct {
	pool *pgxpool.Pool
}

func NewListings(pool *pgxpool.Pool) *Listings {
	return &Listings{pool: pool}
}

func (l *Listings) Get(ctx context.Context, id string) (domain.Listing, error) {
	var (
		lst    domain.Listing
		policy []byte
	)
	err := l.pool.QueryRow(ctx, `SELECT id, vendor_id, max_guests, cancellation_policy FROM listings WHERE id = $1`, id).
		Scan(&lst.ID, &lst.VendorID, &lst.MaxGuests, &policy)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Listing{}, fmt.Errorf("%w: %s", domain.ErrListingNotFound, id)
	}
	if err != nil {
		return domain.Listing{}, fmt.Errorf("select listing %s: %w", id, err)
	}
	lst.Policy, err = decodePolicy(policy)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("listing %s: %w", id, err)
	}
	return lst, nil
}

// Upsert is used by seeding and tests; listings are otherwise vendor managed.
func (l *Listings) Upsert(ctx context.Context, lst domain.Listing) error {
	policy := []byte(`{}`)
	if lst.Policy != nil {
		var err error
		if policy, err = json.Marshal(lst.Policy); err != nil {
			return err
		}
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO listings (id, vendor_id, max_guests, cancellation_policy)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET vendor_id = $2, max_guests = $3, cancellation_policy = $4`,
		lst.ID, lst.VendorID, lst.MaxGuests, policy)
	return err
}

// decodePolicy returns nil for an empty object so the booking falls back to
// the default policy.
func decodePolicy(raw []byte) (*domain.CancellationPolicy, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode cancellation policy: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	p := domain.DefaultPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode cancellation policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
