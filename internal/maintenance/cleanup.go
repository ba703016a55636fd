// Package maintenance runs the periodic housekeeping of the booking
// pipeline: outbox and de-duplication retention and the completion sweep.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type OutboxPurger interface {
	PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error)
}

// PruneFunc deletes processed-event records older than the cutoff.
type PruneFunc func(ctx context.Context, olderThan time.Time) (int64, error)

type Completer interface {
	CompleteFinished(ctx context.Context) (int, error)
}

type Retention struct {
	ProcessedOutbox time.Duration
	ProcessedEvents time.Duration
}

type Service struct {
	log       *slog.Logger
	outbox    OutboxPurger
	prune     PruneFunc
	bookings  Completer
	retention Retention
	now       func() time.Time
}

func NewService(log *slog.Logger, outbox OutboxPurger, prune PruneFunc, bookings Completer, retention Retention) *Service {
	return &Service{log: log, outbox: outbox, prune: prune, bookings: bookings, retention: retention, now: time.Now}
}

// PurgeOutbox deletes PROCESSED outbox entries past retention. PENDING and
// FAILED entries are never touched.
func (s *Service) PurgeOutbox(ctx context.Context) error {
	n, err := s.outbox.PurgeProcessed(ctx, s.now().Add(-s.retention.ProcessedOutbox))
	if err != nil {
		s.log.Error("outbox purge failed", "err", err)
		return err
	}
	if n > 0 {
		s.log.Info("purged processed outbox entries", "count", n)
	}
	return nil
}

func (s *Service) PruneProcessedEvents(ctx context.Context) error {
	n, err := s.prune(ctx, s.now().Add(-s.retention.ProcessedEvents))
	if err != nil {
		s.log.Error("processed events prune failed", "err", err)
		return err
	}
	if n > 0 {
		s.log.Info("pruned processed events", "count", n)
	}
	return nil
}

func (s *Service) CompleteBookings(ctx context.Context) error {
	n, err := s.bookings.CompleteFinished(ctx)
	if err != nil {
		s.log.Error("completion sweep failed", "completed", n, "err", err)
		return err
	}
	if n > 0 {
		s.log.Info("completed finished bookings", "count", n)
	}
	return nil
}

// RunAll runs every job once and returns their joined errors.
func (s *Service) RunAll(ctx context.Context) error {
	return errors.Join(
		s.PurgeOutbox(ctx),
		s.PruneProcessedEvents(ctx),
		s.CompleteBookings(ctx),
	)
}
