package relay

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/nexus/internal/bus"
	"github.com/austindbirch/nexus/internal/config"
	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/metrics"
	"github.com/austindbirch/nexus/internal/store/sqlite"
)

func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err, "starting embedded NATS")
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

type published struct {
	topic string
	body  []byte
}

type fakeProducer struct {
	mu      sync.Mutex
	msgs    []published
	err     error
	stopped bool
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic, body})
	return nil
}

func (f *fakeProducer) Ping() error { return nil }
func (f *fakeProducer) Stop()       { f.stopped = true }

var nsqCfg = config.Relay{Driver: DriverNSQ, Topic: "nexus_events", DLQTopic: "nexus_dead_letters"}

func TestNoopDriver(t *testing.T) {
	r, err := New(config.Relay{Driver: "none", Topic: "nexus_events"})
	require.NoError(t, err)
	assert.False(t, r.Enabled())
	assert.Equal(t, DriverNone, r.Driver())
	assert.NoError(t, r.Forward(context.Background(), event.Event{Type: event.VoteCast}))
	assert.NoError(t, r.Close())
}

func TestUnknownDriver(t *testing.T) {
	_, err := New(config.Relay{Driver: "kafka"})
	assert.ErrorContains(t, err, "unknown relay driver")
}

func TestSubject(t *testing.T) {
	nsqRelay := NewWithPublisher(&NSQPublisher{prod: &fakeProducer{}}, nsqCfg)
	assert.Equal(t, "nexus_events", nsqRelay.Subject(event.MintConfirmed))

	natsRelay := NewWithPublisher(NoopPublisher{}, config.Relay{Driver: DriverNATS, Topic: "nexus_events"})
	assert.Equal(t, "nexus_events.factory.mint_confirmed", natsRelay.Subject(event.MintConfirmed))
	assert.Equal(t, "nexus_events.nexus.start", natsRelay.Subject(event.NexusStart))
}

func TestForwardNSQ(t *testing.T) {
	metrics.RelayPublishedTotal.Reset()
	prod := &fakeProducer{}
	r := NewWithPublisher(&NSQPublisher{prod: prod}, nsqCfg)

	ts := time.UnixMilli(1700000000123)
	err := r.Forward(context.Background(), event.Event{
		Type:      event.PaymentReceived,
		Payload:   json.RawMessage(`{"orderId":"ORDER-1"}`),
		Timestamp: ts,
	})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.True(t, prod.stopped)

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, "nexus_events", prod.msgs[0].topic)
	var msg Message
	require.NoError(t, json.Unmarshal(prod.msgs[0].body, &msg))
	assert.Equal(t, event.PaymentReceived, msg.Event)
	assert.Equal(t, "bus", msg.Source)
	assert.Equal(t, ts.UnixMilli(), msg.Timestamp)
	assert.JSONEq(t, `{"orderId":"ORDER-1"}`, string(msg.Payload))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RelayPublishedTotal.WithLabelValues("nexus_events", "ok")))
}

func TestForwardFailureIsSwallowed(t *testing.T) {
	metrics.RelayPublishedTotal.Reset()
	prod := &fakeProducer{err: errors.New("nsqd down")}
	r := NewWithPublisher(&NSQPublisher{prod: prod}, nsqCfg)

	err := r.Forward(context.Background(), event.Event{Type: event.VoteCast, Payload: json.RawMessage(`{}`)})
	assert.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RelayPublishedTotal.WithLabelValues("nexus_events", "error")))
}

func TestDeadLetterRespectsToggle(t *testing.T) {
	dl := delivery.DeadLetter{
		TaskID:     "ORDER-9",
		Kind:       delivery.KindMintRequest,
		TargetURL:  "http://factory/api/mint",
		Payload:    json.RawMessage(`{"orderId":"ORDER-9"}`),
		Headers:    map[string]string{"Authorization": "Bearer k"},
		Attempts:   5,
		FinalError: "HTTP 503",
		FailedAt:   time.Unix(1700000000, 0).UTC(),
	}

	prod := &fakeProducer{}
	off := NewWithPublisher(&NSQPublisher{prod: prod}, nsqCfg)
	off.DeadLetter(context.Background(), dl)
	require.NoError(t, off.Close())
	assert.Empty(t, prod.msgs)

	cfg := nsqCfg
	cfg.PublishDLQ = true
	on := NewWithPublisher(&NSQPublisher{prod: prod}, cfg)
	on.DeadLetter(context.Background(), dl)
	require.NoError(t, on.Close())

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, "nexus_dead_letters", prod.msgs[0].topic)
	assert.NotContains(t, string(prod.msgs[0].body), "Bearer")

	var got DeadLetterMessage
	require.NoError(t, json.Unmarshal(prod.msgs[0].body, &got))
	assert.Equal(t, "ORDER-9", got.TaskID)
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, "HTTP 503", got.FinalError)
}

func TestForwardNATS(t *testing.T) {
	url := startTestNATS(t)

	r, err := New(config.Relay{Driver: DriverNATS, NATSURL: url, Topic: "nexus_events"})
	require.NoError(t, err)
	defer r.Close()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	ch := make(chan *nats.Msg, 4)
	sub, err := nc.ChanSubscribe("nexus_events.factory.>", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck
	require.NoError(t, nc.Flush())

	ctx := context.Background()
	require.NoError(t, r.Forward(ctx, event.Event{Type: event.PaymentReceived, Payload: json.RawMessage(`{}`)}))
	require.NoError(t, r.Forward(ctx, event.Event{Type: event.MintConfirmed, Payload: json.RawMessage(`{"orderId":"A"}`)}))

	select {
	case msg := <-ch:
		assert.Equal(t, "nexus_events.factory.mint_confirmed", msg.Subject)
		var got Message
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, event.MintConfirmed, got.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed message")
	}
}

// stalledPublisher blocks every Publish until release is closed.
type stalledPublisher struct {
	started chan struct{}
	release chan struct{}

	mu     sync.Mutex
	topics []string
}

func newStalledPublisher() *stalledPublisher {
	return &stalledPublisher{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (p *stalledPublisher) Publish(_ context.Context, topic string, _ []byte) error {
	p.started <- struct{}{}
	<-p.release
	p.mu.Lock()
	p.topics = append(p.topics, topic)
	p.mu.Unlock()
	return nil
}

func (p *stalledPublisher) Close() error { return nil }

func (p *stalledPublisher) published() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.topics)
}

func TestDispatchDoesNotWaitOnBroker(t *testing.T) {
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "nexus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	pub := newStalledPublisher()
	r := NewWithPublisher(pub, nsqCfg)
	b := bus.New(s)
	b.OnAny("relay", r.Forward)

	start := time.Now()
	b.Dispatch(context.Background(), event.PaymentReceived, json.RawMessage(`{"orderId":"ORDER-1"}`))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "Dispatch waited on the publisher")

	select {
	case <-pub.started:
	case <-time.After(2 * time.Second):
		t.Fatal("relay never attempted to publish")
	}
	close(pub.release)
	require.NoError(t, r.Close())
	assert.Equal(t, 1, pub.published())
}

func TestForwardDropsWhenQueueFull(t *testing.T) {
	metrics.RelayPublishedTotal.Reset()
	pub := newStalledPublisher()
	cfg := nsqCfg
	cfg.QueueSize = 1
	r := NewWithPublisher(pub, cfg)
	ctx := context.Background()
	ev := event.Event{Type: event.VoteCast, Payload: json.RawMessage(`{}`)}

	require.NoError(t, r.Forward(ctx, ev))
	<-pub.started // the worker holds the first message

	require.NoError(t, r.Forward(ctx, ev)) // fills the queue
	require.NoError(t, r.Forward(ctx, ev)) // dropped
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RelayPublishedTotal.WithLabelValues("nexus_events", "dropped")))

	close(pub.release)
	require.NoError(t, r.Close())
	assert.Equal(t, 2, pub.published())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RelayPublishedTotal.WithLabelValues("nexus_events", "ok")))
}

func TestForwardAfterCloseIsDiscarded(t *testing.T) {
	prod := &fakeProducer{}
	r := NewWithPublisher(&NSQPublisher{prod: prod}, nsqCfg)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.NoError(t, r.Forward(context.Background(), event.Event{Type: event.VoteCast, Payload: json.RawMessage(`{}`)}))
	assert.Empty(t, prod.msgs)
}

func TestNATSConnectError(t *testing.T) {
	_, err := NewNATSPublisher("nats://127.0.0.1:1", nats.Timeout(200*time.Millisecond), nats.MaxReconnects(0))
	assert.ErrorContains(t, err, "connecting to NATS at nats://127.0.0.1:1")
}
