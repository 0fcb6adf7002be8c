package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nsqio/go-nsq"
)

// Publisher puts one message on a topic (NSQ) or subject (NATS).
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Close() error
}

// NoopPublisher discards everything. Used when RELAY_DRIVER=none.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }

// nsqProducer is the subset of *nsq.Producer the relay uses.
type nsqProducer interface {
	Publish(topic string, body []byte) error
	Ping() error
	Stop()
}

type NSQPublisher struct {
	prod nsqProducer
}

func NewNSQPublisher(addr string) (*NSQPublisher, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	prod.SetLoggerLevel(nsq.LogLevelWarning)
	return &NSQPublisher{prod: prod}, nil
}

// Publish ignores ctx; the go-nsq producer has its own timeouts.
func (p *NSQPublisher) Publish(_ context.Context, topic string, body []byte) error {
	return p.prod.Publish(topic, body)
}

// Ping checks the nsqd connection.
func (p *NSQPublisher) Ping() error { return p.prod.Ping() }

func (p *NSQPublisher) Close() error {
	p.prod.Stop()
	return nil
}

type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string, opts ...nats.Option) (*NATSPublisher, error) {
	defaults := []nats.Option{
		nats.Name("nexus-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, body []byte) error {
	return p.conn.Publish(subject, body)
}

func (p *NATSPublisher) Connected() bool { return p.conn.IsConnected() }

func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
