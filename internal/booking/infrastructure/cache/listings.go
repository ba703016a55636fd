// Package cache puts a Redis read-through cache in front of the listing
// directory.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/Travel-Booking-System/internal/booking/application"
	"github.com/dmehra2102/Travel-Booking-System/internal/booking/domain"
)

const keyPrefix = "listing:"

// Client is the subset of redis.Cmdable the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Listings struct {
	log  *slog.Logger
	rdb  Client
	next application.ListingDirectory
	ttl  time.Duration
}

func NewListings(log *slog.Logger, rdb Client, next application.ListingDirectory, ttl time.Duration) *Listings {
	return &Listings{log: log, rdb: rdb, next: next, ttl: ttl}
}

type cachedListing struct {
	ID        string                     `json:"id"`
	VendorID  string                     `json:"vendor_id"`
	MaxGuests int                        `json:"max_guests"`
	Policy    *domain.CancellationPolicy `json:"policy,omitempty"`
}

// Get serves from Redis when possible. Redis failures degrade to the
// underlying directory.
func (l *Listings) Get(ctx context.Context, id string) (domain.Listing, error) {
	key := keyPrefix + id
	raw, err := l.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var c cachedListing
		if err := json.Unmarshal(raw, &c); err == nil {
			return domain.Listing(c), nil
		}
		l.log.Warn("dropping corrupt listing cache entry", "listing_id", id)
		l.rdb.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		l.log.Warn("listing cache read failed", "listing_id", id, "err", err)
	}

	lst, err := l.next.Get(ctx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	b, err := json.Marshal(cachedListing(lst))
	if err == nil {
		err = l.rdb.Set(ctx, key, b, l.ttl).Err()
	}
	if err != nil {
		l.log.Warn("listing cache write failed", "listing_id", id, "err", err)
	}
	return lst, nil
}

func (l *Listings) Invalidate(ctx context.Context, id string) error {
	return l.rdb.Del(ctx, keyPrefix+id).Err()
}
