// Package events publishes engine activity to a message bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	AttemptRecorded    = "autoresa.attempt.recorded"
	BatchCompleted     = "autoresa.batch.completed"
	AvailabilityOpened = "autoresa.availability.opened"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data any) error
	Close() error
}

type AttemptRecordedEvent struct {
	SlotID    string    `json:"slot_id"`
	UserID    string    `json:"user_id"`
	Outcome   string    `json:"outcome"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type BatchCompletedEvent struct {
	Total      int       `json:"total"`
	Attempted  int       `json:"attempted"`
	Successes  int       `json:"successes"`
	Failures   int       `json:"failures"`
	Skipped    int       `json:"skipped"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

type AvailabilityOpenedEvent struct {
	SlotID   string    `json:"slot_id"`
	UserID   string    `json:"user_id"`
	Capacity int       `json:"capacity"`
	Total    int       `json:"total"`
	SeenAt   time.Time `json:"seen_at"`
}

type NATSPublisher struct {
	conn *nats.Conn
	log  *zap.Logger
}

func NewNATSPublisher(url string, log *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("autoresa"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, log: log}, nil
}

func (n *NATSPublisher) Publish(ctx context.Context, subject string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	n.log.Debug("publishing event", zap.String("subject", subject), zap.Int("bytes", len(payload)))
	return n.conn.Publish(subject, payload)
}

func (n *NATSPublisher) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                               { return nil }
