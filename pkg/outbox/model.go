package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotPending is returned when a relay marker targets an entry that is no
// longer PENDING.
var ErrNotPending = errors.New("outbox entry not pending")

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

type Entry struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Headers       map[string]string
	Traceparent   string
	Status        Status
	Attempts      int
	LastError     *string
	CreatedAt     time.Time
	ProcessedAt   *time.Time

	// Stuck is set by DrainPending for entries older than the drain's maxAge.
	Stuck bool
}

// NewEntry serialises payload as JSON into a PENDING entry. ID and CreatedAt
// are assigned by the store.
func NewEntry(aggregateType, aggregateID, eventType string, payload any) (Entry, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Entry{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       b,
		Headers:       map[string]string{},
		Status:        StatusPending,
	}, nil
}

func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
