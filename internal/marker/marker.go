package marker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"leadsheet/internal/model"
	"leadsheet/internal/mq"
	"leadsheet/pkg/metrics"
)

// MessageStore is the write side of the terminal mark.
type MessageStore interface {
	MarkProcessed(ctx context.Context, id int64, status model.StatusPayload) error
}

// EventPublisher announces terminal marks downstream. Optional.
type EventPublisher interface {
	Publish(routingKey string, payload any) error
}

// Marker writes the terminal outcome back onto the source message: the
// processed flag, the aggregate status payload, and a processing
// timestamp. The underlying store overwrites on re-invocation, so marking
// is idempotent.
type Marker struct {
	store  MessageStore
	events EventPublisher
	logger *zap.Logger
	clock  func() time.Time
}

func New(store MessageStore, events EventPublisher, logger *zap.Logger) *Marker {
	return &Marker{
		store:  store,
		events: events,
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock replaces the time source. Test hook.
func (m *Marker) WithClock(clock func() time.Time) *Marker {
	m.clock = clock
	return m
}

// MarkProcessed stamps and persists the terminal status, then announces it
// best-effort. A publish failure never undoes or fails the mark.
func (m *Marker) MarkProcessed(ctx context.Context, messageID int64, status model.StatusPayload) error {
	status.ProcessedAt = m.clock()
	if err := m.store.MarkProcessed(ctx, messageID, status); err != nil {
		return err
	}
	metrics.IncrementMessageProcessed(status.Result)

	if m.events != nil {
		payload := mq.MessageProcessedPayload{MessageID: messageID, Result: status.Result}
		if err := m.events.Publish(mq.RoutingKeyMessageProcessed, payload); err != nil {
			m.logger.Warn("failed to publish processed event",
				zap.Int64("message_id", messageID),
				zap.Error(err),
			)
		}
	}
	return nil
}
