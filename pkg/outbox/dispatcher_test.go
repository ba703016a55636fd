package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/Travel-Booking-System/pkg/tracing"
)

type recordingProducer struct {
	msgs []kafka.Message
	err  error
}

func (p *recordingProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func TestDispatcherBuildsMessage(t *testing.T) {
	p := &recordingProducer{}
	d := NewDispatcher(discard(), p, "booking.events")

	err := d.Dispatch(context.Background(), Entry{
		ID: 42, AggregateType: "booking", AggregateID: "b-1", EventType: "RefundRequested",
		Payload: []byte(`{"amount":5000}`), Headers: map[string]string{"source": "booking-service"},
	})
	require.NoError(t, err)
	require.Len(t, p.msgs, 1)

	msg := p.msgs[0]
	assert.Equal(t, "booking.events", msg.Topic)
	assert.Equal(t, "b-1", string(msg.Key))
	assert.JSONEq(t, `{"amount":5000}`, string(msg.Value))
	assert.Equal(t, "RefundRequested", tracing.HeaderValue(msg.Headers, HeaderEventType))
	assert.Equal(t, "booking", tracing.HeaderValue(msg.Headers, HeaderAggregateType))
	assert.Equal(t, "42", tracing.HeaderValue(msg.Headers, HeaderMessageID))
	assert.Equal(t, "booking-service", tracing.HeaderValue(msg.Headers, "source"))
}

func TestDispatcherRejectsInvalidPayload(t *testing.T) {
	p := &recordingProducer{}
	d := NewDispatcher(discard(), p, "t")

	err := d.Dispatch(context.Background(), Entry{ID: 1, Payload: []byte("{not json")})
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Empty(t, p.msgs)
}

func TestDispatcherPropagatesBrokerError(t *testing.T) {
	p := &recordingProducer{err: errors.New("leader not available")}
	d := NewDispatcher(discard(), p, "t")

	err := d.Dispatch(context.Background(), Entry{ID: 1, Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPermanent)
}
