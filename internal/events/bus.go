// Package events carries domain events from the platform's services to the
// automation engine over an in-process watermill pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sirupsen/logrus"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/automation"
)

const (
	Topic                = "arcana.domain-events"
	EventTypeMetadataKey = "event_type"
	EntityIDMetadataKey  = "entity_id"
)

// Handler consumes one domain event.
type Handler func(ctx context.Context, e automation.DomainEvent) error

// Bus publishes and delivers domain events.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *logrus.Logger
	now    func() time.Time

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewBus creates a non-persistent bus; buffer is the per-subscriber backlog.
func NewBus(buffer int64, logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	if buffer <= 0 {
		buffer = 256
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		NewLoggerAdapter(logger),
	)
	return &Bus{pubsub: pubsub, logger: logger, now: time.Now}
}

// Publish validates e and puts it on the bus.
func (b *Bus) Publish(ctx context.Context, e automation.DomainEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.EntityKind == "" {
		e.EntityKind = e.Kind()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = b.now()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(EventTypeMetadataKey, e.EventType)
	msg.Metadata.Set(EntityIDMetadataKey, fmt.Sprint(e.EntityID))

	if err := b.pubsub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.EventType, err)
	}
	return nil
}

// Subscribe delivers every event to h until ctx ends or the bus closes.
// Handler failures are logged and the message acked; the dispatcher
// already records them in the execution log.
func (b *Bus) Subscribe(ctx context.Context, h Handler) error {
	messages, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			b.deliver(ctx, msg, h)
		}
	}()
	return nil
}

func (b *Bus) deliver(ctx context.Context, msg *message.Message, h Handler) {
	defer msg.Ack()

	var e automation.DomainEvent
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		b.logger.WithField("message_id", msg.UUID).Errorf("drop undecodable domain event: %v", err)
		return
	}
	if err := h(ctx, e); err != nil {
		b.logger.WithFields(logrus.Fields{
			"message_id": msg.UUID,
			"event_type": e.EventType,
			"entity_id":  e.EntityID,
		}).Warnf("domain event handler failed: %v", err)
	}
}

// Close stops delivery and waits for in-flight handlers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}

// Dispatch returns a Handler that feeds events to a dispatcher without
// waiting for the resulting executions.
func Dispatch(d interface {
	DispatchEvent(ctx context.Context, e automation.DomainEvent) (int, error)
}) Handler {
	return func(ctx context.Context, e automation.DomainEvent) error {
		_, err := d.DispatchEvent(ctx, e)
		return err
	}
}
