// Package relay mirrors bus events and dead letters onto NSQ or NATS.
// Publishing happens on a single background goroutine fed by a bounded
// queue; a full queue drops the message. Failures are logged and counted,
// never returned to the bus.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/nexus/internal/config"
	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/metrics"
	"github.com/austindbirch/nexus/internal/tracing"
)

const (
	DriverNone = "none"
	DriverNSQ  = "nsq"
	DriverNATS = "nats"
)

// Message is the relayed form of a bus event.
type Message struct {
	Event        event.Type        `json:"event"`
	Payload      json.RawMessage   `json:"payload"`
	Source       string            `json:"source"`
	Timestamp    int64             `json:"timestamp"`
	TraceHeaders map[string]string `json:"traceHeaders,omitempty"`
}

// DeadLetterMessage is the relayed form of a dead letter. Stored request
// headers are left out since they carry credentials.
type DeadLetterMessage struct {
	TaskID     string          `json:"taskId"`
	Kind       string          `json:"type"`
	TargetURL  string          `json:"targetUrl"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	FinalError string          `json:"finalError"`
	FailedAt   time.Time       `json:"failedAt"`
}

const defaultQueueSize = 1024

type outbound struct {
	ctx   context.Context
	topic string
	body  []byte
	tag   func(*logging.LogEntry) *logging.LogEntry
}

type Relay struct {
	pub        Publisher
	driver     string
	topic      string
	dlqTopic   string
	publishDLQ bool
	logger     *logging.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan outbound
	done   chan struct{}
}

// New connects the configured driver.
func New(cfg config.Relay) (*Relay, error) {
	var (
		pub Publisher
		err error
	)
	switch cfg.Driver {
	case "", DriverNone:
		pub = NoopPublisher{}
		cfg.Driver = DriverNone
	case DriverNSQ:
		pub, err = NewNSQPublisher(cfg.NsqdTCPAddr)
	case DriverNATS:
		pub, err = NewNATSPublisher(cfg.NATSURL)
	default:
		return nil, fmt.Errorf("unknown relay driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewWithPublisher(pub, cfg), nil
}

func NewWithPublisher(pub Publisher, cfg config.Relay) *Relay {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverNone
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	r := &Relay{
		pub:        pub,
		driver:     driver,
		topic:      cfg.Topic,
		dlqTopic:   cfg.DLQTopic,
		publishDLQ: cfg.PublishDLQ,
		logger:     logging.New("relay"),
		queue:      make(chan outbound, size),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Relay) Driver() string { return r.driver }

// Enabled reports whether messages actually leave the process.
func (r *Relay) Enabled() bool { return r.driver != DriverNone }

// Subject is where an event of type t goes. NATS subjects are
// hierarchical: <topic>.<family>.<name>, lowercased.
func (r *Relay) Subject(t event.Type) string {
	if r.driver != DriverNATS {
		return r.topic
	}
	return strings.ToLower(r.topic + "." + t.Family() + "." + t.Name())
}

// Forward relays ev. It has the bus.Handler signature and always
// returns nil.
func (r *Relay) Forward(ctx context.Context, ev event.Event) error {
	if !r.Enabled() {
		return nil
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	body, err := json.Marshal(Message{
		Event:        ev.Type,
		Payload:      ev.Payload,
		Source:       "bus",
		Timestamp:    ts.UnixMilli(),
		TraceHeaders: tracing.InjectHeaders(ctx),
	})
	if err != nil {
		r.logger.WithContext(ctx).WithEvent(string(ev.Type)).WithError(err).Error("failed to encode relay message")
		return nil
	}
	r.enqueue(ctx, r.Subject(ev.Type), body, func(e *logging.LogEntry) *logging.LogEntry {
		return e.WithEvent(string(ev.Type))
	})
	return nil
}

// DeadLetter relays dl when PUBLISH_DLQ_TOPIC is on. It has the
// retry.DeadLetterFunc signature.
func (r *Relay) DeadLetter(ctx context.Context, dl delivery.DeadLetter) {
	if !r.Enabled() || !r.publishDLQ {
		return
	}
	body, err := json.Marshal(DeadLetterMessage{
		TaskID:     dl.TaskID,
		Kind:       dl.Kind,
		TargetURL:  dl.TargetURL,
		Payload:    dl.Payload,
		Attempts:   dl.Attempts,
		FinalError: dl.FinalError,
		FailedAt:   dl.FailedAt,
	})
	if err != nil {
		r.logger.WithContext(ctx).WithTask(dl.TaskID).WithError(err).Error("failed to encode dead letter message")
		return
	}
	r.enqueue(ctx, r.dlqTopic, body, func(e *logging.LogEntry) *logging.LogEntry {
		return e.WithTask(dl.TaskID)
	})
}

// enqueue hands a message to the publisher goroutine without blocking.
// The caller's cancellation is dropped so a finished request does not
// abort its relay; trace context is kept.
func (r *Relay) enqueue(ctx context.Context, topic string, body []byte, tag func(*logging.LogEntry) *logging.LogEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- outbound{ctx: context.WithoutCancel(ctx), topic: topic, body: body, tag: tag}:
	default:
		metrics.RecordRelayDropped(topic)
		tag(r.logger.WithContext(ctx)).WithField("topic", topic).Warn("relay queue full, message dropped")
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for m := range r.queue {
		r.publish(m.ctx, m.topic, m.body, m.tag)
	}
}

func (r *Relay) publish(ctx context.Context, topic string, body []byte, tag func(*logging.LogEntry) *logging.LogEntry) {
	ctx, span := tracing.StartSpan(ctx, "relay.publish")
	defer span.End()

	err := r.pub.Publish(ctx, topic, body)
	metrics.RecordRelay(topic, err)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		tag(r.logger.WithContext(ctx)).WithField("topic", topic).WithError(err).Warn("relay publish failed")
	}
}

// Close publishes whatever is still queued, then stops the underlying
// producer. Messages relayed after Close are discarded.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	return r.pub.Close()
}
