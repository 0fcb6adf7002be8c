package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/faults"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/store"
	"github.com/austindbirch/nexus/internal/store/sqlite"
)

type failingLog struct{}

func (failingLog) AppendEvent(context.Context, event.Type, json.RawMessage, string, time.Time) (int64, error) {
	return 0, faults.StorageError("test.AppendEvent", errors.New("disk gone"))
}

func (failingLog) ListEvents(context.Context, store.EventFilter) ([]event.Record, error) {
	return nil, faults.StorageError("test.ListEvents", errors.New("disk gone"))
}

func quietLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := logging.SetOutput(&buf)
	t.Cleanup(func() { logging.SetOutput(prev) })
	return &buf
}

func newSQLiteBus(t *testing.T) *Bus {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "nexus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func TestDispatchRegistrationOrder(t *testing.T) {
	quietLogs(t)
	b := New(failingLog{})

	var calls []string
	record := func(name string) Handler {
		return func(ctx context.Context, ev event.Event) error {
			calls = append(calls, name)
			return nil
		}
	}
	b.On(event.PaymentReceived, "first", record("first"))
	b.OnAny("all", record("all"))
	b.On(event.MintConfirmed, "other", record("other"))
	b.On(event.PaymentReceived, "second", record("second"))

	ev := b.Dispatch(context.Background(), event.PaymentReceived, json.RawMessage(`{"orderId":"ORDER-1"}`))

	assert.Equal(t, []string{"first", "all", "second"}, calls)
	assert.Equal(t, event.PaymentReceived, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, []string{"first", "all", "second"}, b.Handlers(event.PaymentReceived))
}

func TestDispatchIsolatesFailures(t *testing.T) {
	logs := quietLogs(t)
	b := New(failingLog{})

	var reached []string
	b.On(event.MintConfirmed, "panics", func(ctx context.Context, ev event.Event) error {
		panic("boom")
	})
	b.On(event.MintConfirmed, "errors", func(ctx context.Context, ev event.Event) error {
		return errors.New("downstream unhappy")
	})
	b.On(event.MintConfirmed, "survivor", func(ctx context.Context, ev event.Event) error {
		reached = append(reached, "survivor")
		return nil
	})

	assert.NotPanics(t, func() {
		b.Dispatch(context.Background(), event.MintConfirmed, nil)
	})
	assert.Equal(t, []string{"survivor"}, reached)
	assert.Contains(t, logs.String(), "event handler panicked")
	assert.Contains(t, logs.String(), "downstream unhappy")

	// The bus is still usable after a panic.
	reached = nil
	b.Dispatch(context.Background(), event.MintConfirmed, nil)
	assert.Equal(t, []string{"survivor"}, reached)
}

func TestDispatchDefaultsEmptyPayload(t *testing.T) {
	quietLogs(t)
	b := New(failingLog{})
	ev := b.Dispatch(context.Background(), event.NexusStart, nil)
	assert.JSONEq(t, `{}`, string(ev.Payload))
}

func TestPersistPropagatesStorageError(t *testing.T) {
	quietLogs(t)
	b := New(failingLog{})

	_, err := b.Persist(context.Background(), event.PaymentReceived, json.RawMessage(`{}`), "ingress")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Storage))

	delivered := false
	b.On(event.PaymentReceived, "recorder", func(ctx context.Context, ev event.Event) error {
		delivered = true
		return nil
	})
	_, _, err = b.Publish(context.Background(), event.PaymentReceived, json.RawMessage(`{}`), "ingress")
	require.Error(t, err)
	assert.True(t, delivered, "dispatch must not depend on persistence")
}

func TestPublishRoundTrip(t *testing.T) {
	quietLogs(t)
	b := newSQLiteBus(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"orderId":"ORDER-1","amount":10}`)
	_, id, err := b.Publish(ctx, event.PaymentReceived, payload, "ingress")
	require.NoError(t, err)
	_, _, err = b.Publish(ctx, event.NexusStart, json.RawMessage(`{"version":"dev"}`), "internal")
	require.NoError(t, err)

	records, err := b.EventLog(ctx, store.EventFilter{Type: event.PaymentReceived})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.JSONEq(t, string(payload), string(records[0].Payload))
	assert.Equal(t, "ingress", records[0].Source)

	all, err := b.EventLog(ctx, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, event.NexusStart, all[0].Type)
}

func TestWithClock(t *testing.T) {
	quietLogs(t)
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	b := New(failingLog{}, WithClock(func() time.Time { return fixed }))
	ev := b.Dispatch(context.Background(), event.VoteCast, nil)
	assert.True(t, fixed.Equal(ev.Timestamp))
}
