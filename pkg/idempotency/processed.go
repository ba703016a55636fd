package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/dmehra2102/Travel-Booking-System/pkg/postgres"
)

// MessageKey is the fallback message id for events that carry none of their
// own: the broker coordinates are unique per delivery position.
func MessageKey(topic string, partition int, offset int64) string {
	return fmt.Sprintf("%s/%d/%d", topic, partition, offset)
}

// Claim records messageID in processed_events through db, which must be the
// transaction applying the event. It reports false when the id was already
// recorded, in which case the caller must not apply the event again. A
// concurrent claim of the same id blocks on the unique index until the first
// transaction finishes.
func Claim(ctx context.Context, db postgres.DB, messageID, eventType string) (bool, error) {
	ct, err := db.Exec(ctx, `
		INSERT INTO processed_events (message_id, event_type, processed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (message_id) DO NOTHING`, messageID, eventType)
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", messageID, err)
	}
	return ct.RowsAffected() == 1, nil
}

func Seen(ctx context.Context, db postgres.DB, messageID string) (bool, error) {
	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE message_id = $1)`, messageID).Scan(&exists)
	return exists, err
}

// Prune deletes de-duplication records older than the cutoff.
func Prune(ctx context.Context, db postgres.DB, olderThan time.Time) (int64, error) {
	ct, err := db.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
