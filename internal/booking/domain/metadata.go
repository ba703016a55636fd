package domain

import "strconv"

// Metadata keys written by cancellation and the refund saga.
const (
	MetaRefundStatus        = "refund_status"
	MetaRefundReference     = "refund_reference"
	MetaRefundAmount        = "refund_amount"
	MetaRefundClass         = "refund_class"
	MetaRefundErrorCode     = "refund_error_code"
	MetaRefundErrorMessage  = "refund_error_message"
	MetaCompensationApplied = "compensation_applied"
	MetaPaymentID           = "payment_id"
)

// Refund saga states kept under MetaRefundStatus.
const (
	RefundNotRequired = "NOT_REQUIRED"
	RefundRequested   = "REQUESTED"
	RefundCompleted   = "COMPLETED"
	RefundFailed      = "FAILED"
)

// Metadata is the free-form JSON bag on a booking. Values decoded from JSONB
// arrive as float64, so getters are lenient about numeric types.
type Metadata map[string]any

func (m Metadata) Set(key string, v any) { m[key] = v }

func (m Metadata) Delete(keys ...string) {
	for _, k := range keys {
		delete(m, k)
	}
}

func (m Metadata) String(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (m Metadata) Int64(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (m Metadata) Bool(key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (b Booking) RefundStatus() string {
	if s := b.Metadata.String(MetaRefundStatus); s != "" {
		return s
	}
	return RefundNotRequired
}
