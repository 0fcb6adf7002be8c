// Package retry drives the durable retry queue: a periodic, single-flight
// tick that replays failed outbound calls with exponential backoff and moves
// exhausted tasks to the dead letter table.
package retry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/faults"
	"github.com/austindbirch/nexus/internal/logging"
	"github.com/austindbirch/nexus/internal/metrics"
	"github.com/austindbirch/nexus/internal/store"
	"github.com/austindbirch/nexus/internal/tracing"
)

type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxRetries  int
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		BatchSize:   10,
		MaxRetries:  delivery.DefaultMaxRetries,
		CallTimeout: delivery.DefaultCallTimeout,
	}
}

// DeadLetterFunc observes every task that reached the dead letter table.
type DeadLetterFunc func(ctx context.Context, dl delivery.DeadLetter)

// TickResult summarises one processed batch.
type TickResult struct {
	Selected     int
	Succeeded    int
	Rescheduled  int
	DeadLettered int
}

type Engine struct {
	queue  store.RetryQueue
	client delivery.Doer
	cfg    Config
	now    func() time.Time
	logger *logging.Logger

	onDeadLetter DeadLetterFunc

	running atomic.Bool
	ticks   sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.Interval > 0 {
			e.cfg.Interval = cfg.Interval
		}
		if cfg.BatchSize > 0 {
			e.cfg.BatchSize = cfg.BatchSize
		}
		if cfg.MaxRetries > 0 {
			e.cfg.MaxRetries = cfg.MaxRetries
		}
		if cfg.CallTimeout > 0 {
			e.cfg.CallTimeout = cfg.CallTimeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithHTTPClient(c delivery.Doer) Option {
	return func(e *Engine) { e.client = c }
}

func WithDeadLetterHook(fn DeadLetterFunc) Option {
	return func(e *Engine) { e.onDeadLetter = fn }
}

func New(queue store.RetryQueue, opts ...Option) *Engine {
	e := &Engine{
		queue:  queue,
		client: &http.Client{},
		cfg:    DefaultConfig(),
		now:    time.Now,
		logger: logging.New("retry"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Requeue inserts or replaces the task keyed by TaskID. Attempts always
// restart at zero, even when a live task with the same id was further along.
// NextRetryAt defaults to now+1s.
func (e *Engine) Requeue(ctx context.Context, t delivery.Task) error {
	if t.TaskID == "" {
		return faults.Invalid("retry.Requeue", "taskId is required")
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = e.cfg.MaxRetries
	}
	t.Normalize(e.now().UTC())
	if err := e.queue.UpsertTask(ctx, t); err != nil {
		return err
	}
	e.logger.WithContext(ctx).WithTask(t.TaskID).WithFields(map[string]any{
		"type":          t.Kind,
		"next_retry_at": t.NextRetryAt,
	}).Info("task queued for retry")
	e.refreshGauges(ctx)
	return nil
}

// Enqueue inserts the task only if no live task has the same id. It reports
// whether the task was inserted.
func (e *Engine) Enqueue(ctx context.Context, t delivery.Task) (bool, error) {
	if t.TaskID == "" {
		return false, faults.Invalid("retry.Enqueue", "taskId is required")
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = e.cfg.MaxRetries
	}
	t.Normalize(e.now().UTC())
	inserted, err := e.queue.InsertTaskIfAbsent(ctx, t)
	if err != nil {
		return false, err
	}
	if inserted {
		e.refreshGauges(ctx)
	}
	return inserted, nil
}

// Start launches the background loop. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.loop(ctx, e.done)
	e.logger.Plain().WithFields(map[string]any{
		"interval":   e.cfg.Interval.String(),
		"batch_size": e.cfg.BatchSize,
	}).Info("retry engine started")
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick outlives Stop so the batch in hand is finished.
			tickCtx := context.WithoutCancel(ctx)
			e.ticks.Add(1)
			go func() {
				defer e.ticks.Done()
				e.Tick(tickCtx)
			}()
		}
	}
}

// Stop ends the loop and waits for an in-flight tick to finish its batch.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.ticks.Wait()
	e.logger.Plain().Info("retry engine stopped")
}

// Tick processes one batch of due tasks sequentially. If another tick is
// still running it returns immediately with ran=false.
func (e *Engine) Tick(ctx context.Context) (res TickResult, ran bool) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.WithContext(ctx).Debug("previous retry tick still running, skipping")
		return res, false
	}
	defer e.running.Store(false)

	ctx, span := tracing.StartSpan(ctx, "retry.tick")
	defer span.End()

	tasks, err := e.queue.DueTasks(ctx, e.now().UTC(), e.cfg.BatchSize)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		e.logger.WithContext(ctx).WithError(err).Error("failed to load due retry tasks")
		return res, true
	}
	res.Selected = len(tasks)

	for _, t := range tasks {
		switch e.process(ctx, t) {
		case outcomeSuccess:
			res.Succeeded++
		case outcomeRescheduled:
			res.Rescheduled++
		case outcomeDeadLettered:
			res.DeadLettered++
		}
	}

	span.SetAttributes(
		attribute.Int("retry.selected", res.Selected),
		attribute.Int("retry.succeeded", res.Succeeded),
		attribute.Int("retry.rescheduled", res.Rescheduled),
		attribute.Int("retry.dead_lettered", res.DeadLettered),
	)
	if res.Selected > 0 {
		e.refreshGauges(ctx)
	}
	return res, true
}

// Running reports whether a tick is executing.
func (e *Engine) Running() bool {
	return e.running.Load()
}

type outcome int

const (
	outcomeError outcome = iota
	outcomeSuccess
	outcomeRescheduled
	outcomeDeadLettered
)

func (e *Engine) process(ctx context.Context, t delivery.Task) outcome {
	ctx = tracing.ExtractHeaders(ctx, t.Headers)
	ctx, span := tracing.StartSpan(ctx, "retry.execute",
		attribute.String("task.id", t.TaskID),
		attribute.String("task.type", t.Kind),
		attribute.Int("task.attempts", t.Attempts),
	)
	defer span.End()

	log := e.logger.WithContext(ctx).WithTask(t.TaskID)
	log.WithFields(map[string]any{
		"type":    t.Kind,
		"attempt": t.Attempts + 1,
		"max":     t.MaxRetries,
	}).Info("processing retry task")

	_, callErr := delivery.Post(ctx, e.client, targetLabel(t), t.TargetURL, t.Headers, t.Payload, e.cfg.CallTimeout)
	if callErr == nil {
		if err := e.queue.DeleteTask(ctx, t.TaskID); err != nil {
			tracing.SetSpanError(ctx, err)
			log.WithError(err).Error("retry succeeded but task could not be removed")
			return outcomeError
		}
		metrics.RecordRetryAttempt(t.Kind, "success")
		log.Info("retry task completed")
		return outcomeSuccess
	}

	tracing.SetSpanError(ctx, callErr)
	reason := faults.Reason(callErr)
	now := e.now().UTC()

	if t.Exhausted() {
		dl := delivery.NewDeadLetter(t, callErr.Error(), now)
		if err := e.queue.DeadLetterTask(ctx, dl); err != nil {
			if errors.Is(err, store.ErrTaskNotFound) {
				log.Warn("task vanished before dead-lettering")
				return outcomeError
			}
			log.WithError(err).Error("failed to dead-letter task")
			return outcomeError
		}
		metrics.RecordRetryAttempt(t.Kind, "dead_lettered")
		metrics.RecordDeadLetter(t.Kind)
		span.SetAttributes(attribute.String("task.final_status", "dead"))
		log.WithFields(map[string]any{
			"attempts": t.Attempts,
			"reason":   reason,
		}).WithError(callErr).Error("task failed permanently, moved to dead letters")
		if e.onDeadLetter != nil {
			e.onDeadLetter(ctx, dl)
		}
		return outcomeDeadLettered
	}

	attempts := t.Attempts + 1
	next := now.Add(delivery.Backoff(attempts))
	if err := e.queue.RescheduleTask(ctx, t.TaskID, attempts, callErr.Error(), next, now); err != nil {
		log.WithError(err).Error("failed to reschedule task")
		return outcomeError
	}
	metrics.RecordRetryAttempt(t.Kind, "rescheduled")
	span.SetAttributes(attribute.String("task.final_status", "rescheduled"))
	log.WithFields(map[string]any{
		"attempts":      attempts,
		"reason":        reason,
		"next_retry_at": next,
	}).Warn("retry failed, rescheduled")
	return outcomeRescheduled
}

func targetLabel(t delivery.Task) string {
	switch t.Kind {
	case delivery.KindMintRequest:
		return "factory"
	default:
		return "webhook"
	}
}

func (e *Engine) Stats(ctx context.Context) (delivery.Stats, error) {
	return e.queue.RetryStats(ctx)
}

// DeadLetters returns the most recently failed tasks first.
func (e *Engine) DeadLetters(ctx context.Context, limit int) ([]delivery.DeadLetter, error) {
	return e.queue.DeadLetters(ctx, store.ClampLimit(limit, store.DefaultDLQLimit, store.MaxDLQLimit))
}

func (e *Engine) refreshGauges(ctx context.Context) {
	stats, err := e.queue.RetryStats(ctx)
	if err != nil {
		return
	}
	metrics.UpdateQueueSizes(stats.Pending, stats.DeadLetters)
}
