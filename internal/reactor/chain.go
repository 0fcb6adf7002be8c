// Package reactor holds the rules that turn bus events into downstream
// calls: payment confirmations become mint requests and mint outcomes are
// pushed to the interested nodes.
package reactor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/nexus/internal/bus"
	"github.com/austindbirch/nexus/internal/config"
	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/metrics"
	"github.com/austindbirch/nexus/internal/signer"
	"github.com/austindbirch/nexus/internal/tracing"
)

// Reactor names, used in logs, metrics and event sources.
const (
	PaymentToMint   = "payment-to-mint"
	MintToNotify    = "mint-to-notify"
	MintFailNotify  = "mint-failed-notify"
	firstRetryDelay = 2 * time.Second
)

// Bus is the subset of *bus.Bus the reactors need.
type Bus interface {
	On(t event.Type, name string, fn bus.Handler)
	Dispatch(ctx context.Context, t event.Type, payload json.RawMessage) event.Event
	Persist(ctx context.Context, t event.Type, payload json.RawMessage, source string) (int64, error)
}

// Queue receives calls that failed and must be retried.
type Queue interface {
	Requeue(ctx context.Context, t delivery.Task) error
}

// Resolver maps a node id to its base URL.
type Resolver interface {
	Resolve(ctx context.Context, nodeID string) (string, error)
}

// Chain wires the reactors to a bus. Reactor work runs off the dispatching
// goroutine; Wait blocks until all started work has finished.
type Chain struct {
	bus     Bus
	queue   Queue
	nodes   Resolver
	signer  *signer.Signer
	factory config.Factory
	client  delivery.Doer
	timeout time.Duration
	now     func() time.Time
	logger  *logging.Logger

	// notify targets per event type, in call order
	targets map[event.Type][]string

	wg sync.WaitGroup
}

type Option func(*Chain)

func WithFactory(f config.Factory) Option {
	return func(c *Chain) { c.factory = f }
}

func WithSigner(s *signer.Signer) Option {
	return func(c *Chain) { c.signer = s }
}

func WithHTTPClient(d delivery.Doer) Option {
	return func(c *Chain) { c.client = d }
}

func WithCallTimeout(d time.Duration) Option {
	return func(c *Chain) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

func New(b Bus, q Queue, nodes Resolver, opts ...Option) *Chain {
	c := &Chain{
		bus:     b,
		queue:   q,
		nodes:   nodes,
		signer:  signer.New(""),
		client:  &http.Client{},
		timeout: delivery.DefaultCallTimeout,
		now:     time.Now,
		logger:  logging.New("reactor"),
		targets: map[event.Type][]string{
			event.MintConfirmed: {"flowpay", "smart-core", "neobot"},
			event.MintFailed:    {"flowpay"},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register subscribes every reactor. Call once at startup.
func (c *Chain) Register() {
	c.bus.On(event.PaymentReceived, PaymentToMint, c.async(PaymentToMint, c.HandlePayment))
	c.bus.On(event.MintConfirmed, MintToNotify, c.async(MintToNotify, c.HandleMintOutcome))
	c.bus.On(event.MintFailed, MintFailNotify, c.async(MintFailNotify, c.HandleMintOutcome))
	c.logger.Plain().WithField("reactors", []string{PaymentToMint, MintToNotify, MintFailNotify}).
		Info("reactors registered")
}

// Wait blocks until every reactor run started so far has returned.
func (c *Chain) Wait() {
	c.wg.Wait()
}

type reactFunc func(ctx context.Context, ev event.Event) error

// async runs fn in its own goroutine so a slow downstream never holds up
// the dispatch. The request context's cancellation is dropped; trace
// context is kept.
func (c *Chain) async(name string, fn reactFunc) bus.Handler {
	return func(ctx context.Context, ev event.Event) error {
		ctx = context.WithoutCancel(ctx)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.run(ctx, name, fn, ev)
		}()
		return nil
	}
}

func (c *Chain) run(ctx context.Context, name string, fn reactFunc, ev event.Event) {
	ctx, span := tracing.StartSpan(ctx, "reactor."+name, attribute.String("event.type", string(ev.Type)))
	defer span.End()

	start := time.Now()
	status := "success"
	defer func() {
		if r := recover(); r != nil {
			status = "error"
			err := fmt.Errorf("reactor panic: %v", r)
			tracing.SetSpanError(ctx, err)
			c.logger.WithContext(ctx).WithReactor(name).WithEvent(string(ev.Type)).
				WithError(err).Error("reactor panicked")
		}
		metrics.RecordReactor(name, status, time.Since(start))
	}()

	if err := fn(ctx, ev); err != nil {
		status = "error"
		tracing.SetSpanError(ctx, err)
		c.logger.WithContext(ctx).WithReactor(name).WithEvent(string(ev.Type)).
			WithError(err).Warn("reactor finished with error")
	}
}
