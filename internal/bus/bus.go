// Package bus is the in-process publish/subscribe core plus the durable
// audit log of every event it carries.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/metrics"
	"github.com/austindbirch/nexus/internal/store"
	"github.com/austindbirch/nexus/internal/tracing"
)

// Handler reacts to a dispatched event. Returned errors and panics are
// logged and never reach other handlers or the dispatcher.
type Handler func(ctx context.Context, ev event.Event) error

type subscription struct {
	name string
	typ  event.Type // empty matches every type
	fn   Handler
}

// Bus fans events out to handlers in registration order.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription

	log    store.EventLog
	logger *logging.Logger
	now    func() time.Time
}

type Option func(*Bus)

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func New(log store.EventLog, opts ...Option) *Bus {
	b := &Bus{
		log:    log,
		logger: logging.New("bus"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers fn for one event type. Handlers live for the life of the bus.
func (b *Bus) On(t event.Type, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, typ: t, fn: fn})
}

// OnAny registers fn for every event type.
func (b *Bus) OnAny(name string, fn Handler) {
	b.On("", name, fn)
}

// Handlers returns the names registered for t, in dispatch order.
func (b *Bus) Handlers(t event.Type) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var names []string
	for _, s := range b.subs {
		if s.typ == "" || s.typ == t {
			names = append(names, s.name)
		}
	}
	return names
}

// Dispatch runs every matching handler synchronously in registration order
// and returns the event that was delivered. It does not persist.
func (b *Bus) Dispatch(ctx context.Context, t event.Type, payload json.RawMessage) event.Event {
	ctx, span := tracing.StartSpan(ctx, "bus.dispatch", attribute.String("event.type", string(t)))
	defer span.End()

	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	ev := event.Event{Type: t, Payload: payload, Timestamp: b.now().UTC()}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.typ == "" || s.typ == t {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	b.logger.WithContext(ctx).WithEvent(string(t)).
		WithField("handlers", len(subs)).
		Debug("dispatching event")

	for _, s := range subs {
		b.invoke(ctx, s, ev)
	}
	return ev
}

func (b *Bus) invoke(ctx context.Context, s subscription, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			tracing.SetSpanError(ctx, err)
			b.logger.WithContext(ctx).WithEvent(string(ev.Type)).
				WithField("handler", s.name).
				WithError(err).
				Error("event handler panicked")
		}
	}()

	if err := s.fn(ctx, ev); err != nil {
		b.logger.WithContext(ctx).WithEvent(string(ev.Type)).
			WithField("handler", s.name).
			WithError(err).
			Error("event handler failed")
	}
}

// Persist appends the event to the audit log and returns its id.
// Storage failures are returned to the caller.
func (b *Bus) Persist(ctx context.Context, t event.Type, payload json.RawMessage, source string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "bus.persist",
		attribute.String("event.type", string(t)),
		attribute.String("event.source", source),
	)
	defer span.End()

	start := time.Now()
	id, err := b.log.AppendEvent(ctx, t, payload, source, b.now().UTC())
	metrics.ObservePersist(time.Since(start))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		b.logger.WithContext(ctx).WithEvent(string(t)).
			WithField("source", source).
			WithError(err).
			Error("failed to persist event")
		return 0, err
	}

	metrics.RecordEvent(string(t), source)
	span.SetAttributes(attribute.Int64("event.id", id))
	return id, nil
}

// Publish dispatches and then persists. The dispatch happens even if the
// store is down; the returned error reports the persistence outcome.
func (b *Bus) Publish(ctx context.Context, t event.Type, payload json.RawMessage, source string) (event.Event, int64, error) {
	ev := b.Dispatch(ctx, t, payload)
	id, err := b.Persist(ctx, t, ev.Payload, source)
	return ev, id, err
}

// EventLog returns persisted events, newest first.
func (b *Bus) EventLog(ctx context.Context, filter store.EventFilter) ([]event.Record, error) {
	return b.log.ListEvents(ctx, filter.Normalize())
}
