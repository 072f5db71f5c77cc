// Package bus publishes lifecycle events so external systems can
// observe task and session activity.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/forgeflow/forgeflow/internal/common/logger"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventSessionRemoved EventType = "session.removed"
	EventTaskStarted    EventType = "task.started"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"
	EventGitCommitted   EventType = "git.committed"
	EventGitPushed      EventType = "git.pushed"
)

// Event is a single lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(eventType EventType, sessionID string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventBus publishes lifecycle events. Publishing is best-effort from
// the caller's perspective; failures must not block task execution.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

// NoopBus discards all events. Used when no broker is configured.
type NoopBus struct{}

func NewNoopBus() *NoopBus { return &NoopBus{} }

func (b *NoopBus) Publish(ctx context.Context, event Event) error { return nil }

func (b *NoopBus) Close() {}

const subjectPrefix = "forgeflow.events"

// NATSBus publishes events to a NATS subject derived from the event
// type, e.g. forgeflow.events.task.completed.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to the NATS server at url.
func NewNATSBus(url string, log *logger.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSBus{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "event-bus")),
	}, nil
}

func (b *NATSBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, event.Type)
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *NATSBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("failed to drain nats connection", zap.Error(err))
	}
}
