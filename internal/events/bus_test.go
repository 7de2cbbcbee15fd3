package events

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/automation"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type recorder struct {
	mu     sync.Mutex
	events []automation.DomainEvent
	err    error
}

func (r *recorder) handle(ctx context.Context, e automation.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(8, quietLogger())
	defer bus.Close()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return at }

	rec := &recorder{}
	require.NoError(t, bus.Subscribe(context.Background(), rec.handle))

	require.NoError(t, bus.Publish(context.Background(), automation.DomainEvent{
		EventType: "task.updated",
		EntityID:  7,
		Before:    map[string]interface{}{"status": "todo"},
		After:     map[string]interface{}{"status": "done"},
	}))

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	got := rec.events[0]
	assert.Equal(t, automation.EntityTask, got.EntityKind)
	assert.Equal(t, uint(7), got.EntityID)
	assert.Equal(t, "done", got.After["status"])
	assert.True(t, got.OccurredAt.Equal(at))
}

func TestBus_RejectsMalformed(t *testing.T) {
	bus := NewBus(8, quietLogger())
	defer bus.Close()

	err := bus.Publish(context.Background(), automation.DomainEvent{EventType: "task.exploded", EntityID: 1})
	assert.True(t, errors.Is(err, automation.ErrValidation))
	err = bus.Publish(context.Background(), automation.DomainEvent{EventType: "task.created"})
	assert.True(t, errors.Is(err, automation.ErrValidation))
}

func TestBus_HandlerErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(8, quietLogger())
	rec := &recorder{err: errors.New("boom")}
	require.NoError(t, bus.Subscribe(context.Background(), rec.handle))

	for i := 1; i <= 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), automation.DomainEvent{EventType: "booking.created", EntityID: uint(i)}))
	}
	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(context.Background(), automation.DomainEvent{EventType: "booking.created", EntityID: 9}))
}

type fakeDispatcher struct{ got []automation.DomainEvent }

func (f *fakeDispatcher) DispatchEvent(ctx context.Context, e automation.DomainEvent) (int, error) {
	f.got = append(f.got, e)
	return 1, nil
}

func TestDispatch(t *testing.T) {
	d := &fakeDispatcher{}
	h := Dispatch(d)
	require.NoError(t, h(context.Background(), automation.DomainEvent{EventType: "task.created", EntityID: 1}))
	assert.Len(t, d.got, 1)
}

func TestLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	a := NewLoggerAdapter(l).With(watermill.LogFields{"topic": Topic})
	a.Info("subscribed", watermill.LogFields{"n": 1})
	a.Error("failed", errors.New("nope"), nil)
	assert.Contains(t, buf.String(), "subscribed")
	assert.Contains(t, buf.String(), Topic)
	assert.Contains(t, buf.String(), "nope")
}
