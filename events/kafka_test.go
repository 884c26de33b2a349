package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/workflow"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	block  bool
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block {
		<-ctx.Done()
		return ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func TestPublisher_Publish(t *testing.T) {
	// GIVEN: A domain event for a request
	// WHEN: Publishing it
	// THEN: One message keyed by the request UUID with the event headers

	w := &fakeWriter{}
	p := NewPublisher(w, logger.NewNop())

	err := p.Publish(context.Background(), workflow.DomainEvent{
		ID:         "evt-1",
		Type:       workflow.EventRequestApproved,
		RequestID:  7,
		RequestRef: "req-uuid",
		OccurredAt: t0,
		Data:       map[string]any{"resource_id": "block-a"},
	})

	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "req-uuid", string(msg.Key))
	assert.Equal(t, "evt-1", headerValue(msg, HeaderEventID))
	assert.Equal(t, string(workflow.EventRequestApproved), headerValue(msg, HeaderEventType))
	assert.Equal(t, Source, headerValue(msg, HeaderSource))
	assert.Equal(t, "2025-03-01T09:00:00Z", headerValue(msg, HeaderTimestamp))

	var body eventBody
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, int64(7), body.RequestID)
	assert.Equal(t, "block-a", body.Data["resource_id"])
}

func TestPublisher_AssignsMissingID(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, logger.NewNop())

	require.NoError(t, p.Publish(context.Background(), workflow.DomainEvent{Type: workflow.EventRequestCreated, OccurredAt: t0}))

	require.Len(t, w.msgs, 1)
	assert.NotEmpty(t, headerValue(w.msgs[0], HeaderEventID))
}

func TestPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewPublisher(w, logger.NewNop())

	err := p.Publish(context.Background(), workflow.DomainEvent{Type: workflow.EventRequestCreated})

	assert.ErrorContains(t, err, "broker down")
}

func TestNotifier_Notify(t *testing.T) {
	w := &fakeWriter{}
	n := NewNotifier(w, &workflow.FixedClock{T: t0}, logger.NewNop())

	err := n.Notify(context.Background(), workflow.Notification{
		Recipient: "hotel-1",
		Event:     workflow.EventRequestReminder,
		Payload:   map[string]any{"expires_in": "3h0m0s"},
	})

	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "hotel-1", string(msg.Key))
	assert.Equal(t, t0, msg.Time)

	var body notificationBody
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, "hotel-1", body.Recipient)
	assert.Equal(t, string(workflow.EventRequestReminder), body.Event)
	assert.Equal(t, "3h0m0s", body.Payload["expires_in"])

	require.NoError(t, n.Close())
	assert.True(t, w.closed)
}

func TestNewWriter(t *testing.T) {
	w := NewWriter([]string{"kafka-1:9092"}, "service-requests.events", logger.NewNop())

	assert.Equal(t, "service-requests.events", w.Topic)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.True(t, w.Async, "callers must not wait on the broker")
	assert.NotNil(t, w.Completion)
}

func TestPublisher_UnresponsiveBrokerTimesOut(t *testing.T) {
	// GIVEN: A writer that hangs until its context is done, as when the
	//        broker cannot be reached
	// WHEN: Publishing and notifying with a caller context that never ends
	// THEN: Both return a deadline error after the write timeout

	w := &fakeWriter{block: true}
	p := NewPublisher(w, logger.NewNop())
	p.timeout = 20 * time.Millisecond
	n := NewNotifier(w, &workflow.FixedClock{T: t0}, logger.NewNop())
	n.timeout = 20 * time.Millisecond

	start := time.Now()
	err := p.Publish(context.Background(), workflow.DomainEvent{Type: workflow.EventRequestCreated, OccurredAt: t0})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	err = n.Notify(context.Background(), workflow.Notification{Recipient: "hotel-1", Event: workflow.EventRequestReminder})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Less(t, time.Since(start), time.Second)
}

func TestLogFailedWrites(t *testing.T) {
	// GIVEN: A completion callback for an async writer
	// WHEN: A batch fails delivery, then another succeeds
	// THEN: Each failed message is logged once with its event type; the
	//       successful batch logs nothing

	core, logs := observer.New(zapcore.DebugLevel)
	complete := logFailedWrites("service-requests.events", logger.FromZap(zap.New(core)))
	msg := kafka.Message{
		Key:     []byte("req-uuid"),
		Headers: headers("evt-1", string(workflow.EventRequestApproved), t0),
	}

	complete([]kafka.Message{msg}, errors.New("broker down"))
	complete([]kafka.Message{msg}, nil)

	entries := logs.FilterMessage("Kafka delivery failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-uuid", fields["key"])
	assert.Equal(t, "evt-1", fields["event_id"])
	assert.Equal(t, string(workflow.EventRequestApproved), fields["event_type"])
	assert.Equal(t, "broker down", fields["error"])
}
