// Package store defines the durable storage used by the bus and the retry
// engine: the append-only event log, the retry queue and the dead letter table.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/event"
)

const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
	DefaultDLQLimit   = 50
	MaxDLQLimit       = 1000
)

// ErrTaskNotFound is returned when a task id is not in the live queue.
var ErrTaskNotFound = errors.New("retry task not found")

// EventFilter selects entries from the event log, newest first.
type EventFilter struct {
	Limit int
	Type  event.Type
}

// Normalize clamps the limit to [1, MaxEventLimit] with DefaultEventLimit for zero.
func (f EventFilter) Normalize() EventFilter {
	f.Limit = ClampLimit(f.Limit, DefaultEventLimit, MaxEventLimit)
	return f
}

func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// EventLog is the append-only audit log.
type EventLog interface {
	AppendEvent(ctx context.Context, typ event.Type, payload json.RawMessage, source string, at time.Time) (int64, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]event.Record, error)
}

// RetryQueue holds live retry tasks and terminal dead letters.
type RetryQueue interface {
	// UpsertTask inserts or replaces the task keyed by TaskID. A replaced
	// task takes every field from t, including Attempts.
	UpsertTask(ctx context.Context, t delivery.Task) error
	// InsertTaskIfAbsent inserts t unless a live task with the same id exists.
	InsertTaskIfAbsent(ctx context.Context, t delivery.Task) (bool, error)
	DueTasks(ctx context.Context, now time.Time, limit int) ([]delivery.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	RescheduleTask(ctx context.Context, taskID string, attempts int, lastErr string, next, now time.Time) error
	// DeadLetterTask writes dl and removes the live task in one transaction.
	DeadLetterTask(ctx context.Context, dl delivery.DeadLetter) error
	RetryStats(ctx context.Context) (delivery.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]delivery.DeadLetter, error)
}

// Store is the full durable store.
type Store interface {
	EventLog
	RetryQueue
	Ping(ctx context.Context) error
	Close() error
}

// EncodeHeaders serializes task headers for a text/jsonb column.
func EncodeHeaders(h map[string]string) ([]byte, error) {
	if h == nil {
		h = map[string]string{}
	}
	return json.Marshal(h)
}

func DecodeHeaders(raw []byte) (map[string]string, error) {
	h := map[string]string{}
	if len(raw) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, err
	}
	return h, nil
}
