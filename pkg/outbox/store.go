package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmehra2102/Travel-Booking-System/pkg/postgres"
	"github.com/dmehra2102/Travel-Booking-System/pkg/tracing"
)

// Enqueue inserts entries through db, which is normally the transaction of the
// business mutation that produced them.
func Enqueue(ctx context.Context, db postgres.DB, entries ...Entry) error {
	traceparent := tracing.Traceparent(ctx)
	for _, e := range entries {
		if e.Headers == nil {
			e.Headers = map[string]string{}
		}
		if e.Traceparent == "" {
			e.Traceparent = traceparent
		}
		_, err := db.Exec(ctx, `
			INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, headers, traceparent, status)
			VALUES ($1, $2, $3, $4, $5, $6, 'PENDING')`,
			e.AggregateType, e.AggregateID, e.EventType, e.Payload, e.Headers, e.Traceparent)
		if err != nil {
			return fmt.Errorf("enqueue %s for %s/%s: %w", e.EventType, e.AggregateType, e.AggregateID, err)
		}
	}
	return nil
}

// PgStore claims entries with a lease instead of holding row locks across the
// broker round trip. An entry whose relay died is picked up again once its
// lease expires.
type PgStore struct {
	log     *slog.Logger
	pool    *pgxpool.Pool
	relayID string
	lease   time.Duration
	now     func() time.Time
}

func NewPgStore(log *slog.Logger, pool *pgxpool.Pool, relayID string, lease time.Duration) *PgStore {
	return &PgStore{log: log, pool: pool, relayID: relayID, lease: lease, now: time.Now}
}

// DrainPending leases up to batchSize PENDING entries, oldest first. An entry
// is only claimed when every earlier PENDING entry of the same aggregate is in
// the same batch, so a relay never overtakes an entry another relay holds.
func (s *PgStore) DrainPending(ctx context.Context, batchSize int, maxAge time.Duration) ([]Entry, error) {
	var entries []Entry
	err := postgres.WithTx(ctx, s.pool, s.log, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH candidates AS (
				SELECT id, aggregate_type, aggregate_id, created_at FROM outbox_events
				WHERE status = 'PENDING'
				  AND (locked_until IS NULL OR locked_until < now())
				ORDER BY created_at, id
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			), claimed AS (
				SELECT c.id FROM candidates c
				WHERE NOT EXISTS (
					SELECT 1 FROM outbox_events p
					WHERE p.aggregate_type = c.aggregate_type
					  AND p.aggregate_id = c.aggregate_id
					  AND p.status = 'PENDING'
					  AND (p.created_at, p.id) < (c.created_at, c.id)
					  AND p.id NOT IN (SELECT id FROM candidates)
				)
			)
			UPDATE outbox_events o
			SET locked_by = $2, locked_until = now() + make_interval(secs => $3)
			FROM claimed
			WHERE o.id = claimed.id
			RETURNING o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload, o.headers,
			          o.traceparent, o.status, o.attempts, o.last_error, o.created_at`,
			batchSize, s.relayID, s.lease.Seconds())
		if err != nil {
			return fmt.Errorf("claim pending: %w", err)
		}
		entries, err = scanEntries(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	now := s.now()
	for i := range entries {
		entries[i].Stuck = maxAge > 0 && entries[i].Age(now) > maxAge
	}
	return entries, nil
}

func (s *PgStore) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PROCESSED', processed_at = $2, locked_by = NULL, locked_until = NULL, last_error = NULL
		WHERE id = $1 AND status = 'PENDING'`, id, at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %d: %w", id, ErrNotPending)
	}
	return nil
}

// MarkFailed records a failed publish attempt. The entry goes back to the
// queue until maxAttempts is reached, then it is parked as FAILED.
func (s *PgStore) MarkFailed(ctx context.Context, id int64, errMsg string, maxAttempts int) (Status, error) {
	var status Status
	err := s.pool.QueryRow(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN attempts + 1 >= $3 THEN 'FAILED' ELSE 'PENDING' END,
		    locked_by = NULL,
		    locked_until = NULL
		WHERE id = $1 AND status = 'PENDING'
		RETURNING status`, id, errMsg, maxAttempts).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("outbox entry %d: %w", id, ErrNotPending)
	}
	return status, err
}

func (s *PgStore) ReleaseClaims(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events SET locked_by = NULL, locked_until = NULL
		WHERE id = ANY($1) AND locked_by = $2 AND status = 'PENDING'`, ids, s.relayID)
	return err
}

// ReplayFailed moves FAILED entries back to PENDING with a fresh attempt
// budget. An empty ids slice replays every failed entry.
func (s *PgStore) ReplayFailed(ctx context.Context, ids []int64) (int64, error) {
	var (
		sql  = `UPDATE outbox_events SET status = 'PENDING', attempts = 0, locked_by = NULL, locked_until = NULL WHERE status = 'FAILED'`
		args []any
	)
	if len(ids) > 0 {
		sql += ` AND id = ANY($1)`
		args = append(args, ids)
	}
	ct, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *PgStore) ListFailed(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, headers,
		       traceparent, status, attempts, last_error, created_at
		FROM outbox_events
		WHERE status = 'FAILED'
		ORDER BY created_at, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (s *PgStore) PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `DELETE FROM outbox_events WHERE status = 'PROCESSED' AND processed_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.Headers,
			&e.Traceparent, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
