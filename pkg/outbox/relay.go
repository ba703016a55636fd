package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrBrokerUnavailable wraps a publish failure that aborted a relay batch.
var ErrBrokerUnavailable = errors.New("broker unavailable")

type Store interface {
	DrainPending(ctx context.Context, batchSize int, maxAge time.Duration) ([]Entry, error)
	MarkProcessed(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) (Status, error)
	ReleaseClaims(ctx context.Context, ids []int64) error
}

type Publisher interface {
	Dispatch(ctx context.Context, entry Entry) error
}

type RelayConfig struct {
	BatchSize      int
	Interval       time.Duration
	PublishTimeout time.Duration
	MaxAttempts    int
	StuckAfter     time.Duration
	MaxBackoff     time.Duration
}

type Relay struct {
	log   *slog.Logger
	store Store
	pub   Publisher
	cfg   RelayConfig
	now   func() time.Time
}

func NewRelay(log *slog.Logger, store Store, pub Publisher, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Relay{log: log, store: store, pub: pub, cfg: cfg, now: time.Now}
}

// Run polls until ctx is cancelled. Consecutive broker failures stretch the
// poll interval exponentially up to MaxBackoff.
func (r *Relay) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.cfg.Interval),
		backoff.WithMaxInterval(r.cfg.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	timer := time.NewTimer(r.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping")
			return nil
		case <-timer.C:
		}

		wait := r.cfg.Interval
		n, err := r.RunOnce(ctx)
		switch {
		case err == nil:
			bo.Reset()
			if n == r.cfg.BatchSize {
				wait = 0
			}
		case errors.Is(err, ErrBrokerUnavailable):
			wait = bo.NextBackOff()
			r.log.Warn("relay backing off", "wait", wait, "err", err)
		case ctx.Err() != nil:
			continue
		default:
			r.log.Error("relay batch error", "err", err)
		}
		timer.Reset(wait)
	}
}

// RunOnce drains and publishes a single batch, returning how many entries
// were published. Entries are handled in creation order and the batch stops
// at the first broker failure so later events of the same aggregate do not
// overtake an earlier one. Across relays the same order is kept by the
// store's claim rule.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.store.DrainPending(ctx, r.cfg.BatchSize, r.cfg.StuckAfter)
	if err != nil {
		return 0, fmt.Errorf("drain pending: %w", err)
	}

	published := 0
	for i, e := range entries {
		if e.Stuck {
			r.log.Error("outbox entry stuck", "event_id", e.ID, "type", e.EventType,
				"aggregate_id", e.AggregateID, "age", e.Age(r.now()), "attempts", e.Attempts)
		}

		pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		err := r.pub.Dispatch(pctx, e)
		cancel()

		if err != nil {
			if errors.Is(err, ErrPermanent) {
				if _, mErr := r.store.MarkFailed(ctx, e.ID, err.Error(), 0); mErr != nil {
					r.log.Error("relay mark failed error", "event_id", e.ID, "err", mErr)
				}
				r.log.Error("outbox entry parked", "event_id", e.ID, "type", e.EventType, "err", err)
				continue
			}

			status, mErr := r.store.MarkFailed(ctx, e.ID, err.Error(), r.cfg.MaxAttempts)
			if mErr != nil {
				r.log.Error("relay mark failed error", "event_id", e.ID, "err", mErr)
			} else if status == StatusFailed {
				r.log.Error("outbox entry exhausted attempts", "event_id", e.ID, "type", e.EventType, "attempts", e.Attempts+1)
			}
			if rErr := r.store.ReleaseClaims(ctx, ids(entries[i+1:])); rErr != nil {
				r.log.Warn("relay release claims error", "err", rErr)
			}
			return published, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}

		if err := r.store.MarkProcessed(ctx, e.ID, r.now()); err != nil {
			// The broker already has the event; it will be redelivered once the
			// lease runs out, which consumers tolerate.
			r.log.Error("relay mark processed error", "event_id", e.ID, "err", err)
			continue
		}
		published++
	}
	return published, nil
}

func ids(entries []Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}
