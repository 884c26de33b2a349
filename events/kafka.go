/*
Package events delivers domain events and notifications over Kafka.

PURPOSE:
  The workflow emits events after every committed state change and asks for
  notifications to agents and providers. This package puts both on Kafka
  topics; delivery to mail, SMS or push is done by downstream consumers.

MESSAGES:
  key:     request UUID (events) or recipient (notifications), so that all
           messages of one request or one recipient stay ordered
  value:   JSON body
  headers: event-id, event-type, source, timestamp

SEE ALSO:
  - workflow/ports.go: EventPublisher and Notifier interfaces
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/seferet/allocation-engine/logger"
	"github.com/seferet/allocation-engine/workflow"
)

// Header keys.
const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
	HeaderSource    = "source"
	HeaderTimestamp = "timestamp"
)

// Source is written into the source header of every message.
const Source = "allocation-engine"

// WriteTimeout bounds a single enqueue, including the partition lookup the
// writer does before buffering a message.
const WriteTimeout = 2 * time.Second

// MessageWriter is the part of *kafka.Writer the package uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds an async kafka writer hashing on the message key.
// WriteMessages only enqueues, so a slow or unreachable broker never holds up
// the caller; failed deliveries are logged once retries are exhausted.
func NewWriter(brokers []string, topic string, log logger.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion:   logFailedWrites(topic, log),
		Logger:       kafka.LoggerFunc(func(string, ...any) {}),
	}
}

func logFailedWrites(topic string, log logger.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, msg := range msgs {
			log.Error("Kafka delivery failed",
				"topic", topic,
				"key", string(msg.Key),
				"event_type", headerValue(msg, HeaderEventType),
				"event_id", headerValue(msg, HeaderEventID),
				"error", err,
			)
		}
	}
}

// =============================================================================
// EVENT PUBLISHER
// =============================================================================

type eventBody struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	RequestID  int64          `json:"request_id"`
	RequestRef string         `json:"request_ref"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher implements workflow.EventPublisher.
type Publisher struct {
	writer  MessageWriter
	log     logger.Logger
	timeout time.Duration
}

func NewPublisher(w MessageWriter, log logger.Logger) *Publisher {
	return &Publisher{writer: w, log: log, timeout: WriteTimeout}
}

func (p *Publisher) Publish(ctx context.Context, e workflow.DomainEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	value, err := json.Marshal(eventBody{
		ID:         e.ID,
		Type:       string(e.Type),
		RequestID:  e.RequestID,
		RequestRef: e.RequestRef,
		OccurredAt: e.OccurredAt,
		Data:       e.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", e.Type, err)
	}

	msg := kafka.Message{
		Key:     []byte(e.RequestRef),
		Value:   value,
		Time:    e.OccurredAt,
		Headers: headers(e.ID, string(e.Type), e.OccurredAt),
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", e.Type, err)
	}
	p.log.Debug("Event published", "event_id", e.ID, "type", e.Type, "request_id", e.RequestID)
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// =============================================================================
// NOTIFIER
// =============================================================================

type notificationBody struct {
	Recipient string         `json:"recipient"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Notifier implements workflow.Notifier by queuing notifications.
type Notifier struct {
	writer  MessageWriter
	clock   workflow.Clock
	log     logger.Logger
	timeout time.Duration
}

func NewNotifier(w MessageWriter, clock workflow.Clock, log logger.Logger) *Notifier {
	return &Notifier{writer: w, clock: clock, log: log, timeout: WriteTimeout}
}

func (n *Notifier) Notify(ctx context.Context, note workflow.Notification) error {
	value, err := json.Marshal(notificationBody{
		Recipient: note.Recipient,
		Event:     string(note.Event),
		Payload:   note.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	now := n.clock.Now()
	msg := kafka.Message{
		Key:     []byte(note.Recipient),
		Value:   value,
		Time:    now,
		Headers: headers(uuid.NewString(), string(note.Event), now),
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to queue notification for %s: %w", note.Recipient, err)
	}
	return nil
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}

// LogNotifier writes notifications to the log. Used when no broker is configured.
type LogNotifier struct {
	Logger logger.Logger
}

func (n LogNotifier) Notify(_ context.Context, note workflow.Notification) error {
	n.Logger.Info("Notification", "recipient", note.Recipient, "event", note.Event)
	return nil
}

func headers(id, eventType string, at time.Time) []kafka.Header {
	return []kafka.Header{
		{Key: HeaderEventID, Value: []byte(id)},
		{Key: HeaderEventType, Value: []byte(eventType)},
		{Key: HeaderSource, Value: []byte(Source)},
		{Key: HeaderTimestamp, Value: []byte(at.UTC().Format(time.RFC3339))},
	}
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
