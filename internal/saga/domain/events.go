package domain

import (
	"encoding/json"
	"fmt"
)

// Event types consumed from the refund topic.
const (
	EventRefundSucceeded = "RefundSucceeded"
	EventRefundFailed    = "RefundFailed"
)

type RefundSucceeded struct {
	MessageID string `json:"messageId,omitempty"`
	BookingID string `json:"bookingId"`
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	Message   string `json:"message,omitempty"`
}

type RefundFailed struct {
	MessageID    string `json:"messageId,omitempty"`
	BookingID    string `json:"bookingId"`
	PaymentID    string `json:"paymentId"`
	Amount       int64  `json:"amount"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Decode parses payload as the event named by eventType.
func Decode(eventType string, payload []byte) (any, error) {
	switch eventType {
	case EventRefundSucceeded:
		var ev RefundSucceeded
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, eventType, err)
		}
		if ev.BookingID == "" {
			return nil, fmt.Errorf("%w: %s without bookingId", ErrMalformedEvent, eventType)
		}
		return ev, nil
	case EventRefundFailed:
		var ev RefundFailed
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, eventType, err)
		}
		if ev.BookingID == "" {
			return nil, fmt.Errorf("%w: %s without bookingId", ErrMalformedEvent, eventType)
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, eventType)
}
