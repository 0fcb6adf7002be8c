// Package sqlite implements store.Store on an embedded SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/faults"
	"github.com/austindbirch/nexus/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type, id);

CREATE TABLE IF NOT EXISTS retry_tasks (
	task_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	target_url TEXT NOT NULL,
	payload TEXT NOT NULL,
	headers TEXT NOT NULL DEFAULT '{}',
	attempts INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 5,
	next_retry_at INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_retry_tasks_next ON retry_tasks(next_retry_at);

CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	target_url TEXT NOT NULL,
	payload TEXT NOT NULL,
	headers TEXT NOT NULL DEFAULT '{}',
	attempts INTEGER NOT NULL,
	final_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	failed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_failed ON dead_letters(failed_at);
`

const taskColumns = `task_id, kind, target_url, payload, headers, attempts, max_retries, next_retry_at, last_error, created_at, updated_at`

// Store persists events and retry state in SQLite. Times are stored as unix milliseconds.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates the data directory if needed, opens the database at path and
// applies the schema. Use ":memory:" for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle without touching the schema.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return faults.StorageError("sqlite.Ping", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, typ event.Type, payload json.RawMessage, source string, at time.Time) (int64, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_type, payload, source, created_at) VALUES (?, ?, ?, ?)`,
		string(typ), string(payload), source, at.UnixMilli())
	if err != nil {
		return 0, faults.StorageError("sqlite.AppendEvent", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, faults.StorageError("sqlite.AppendEvent", err)
	}
	return id, nil
}

func (s *Store) ListEvents(ctx context.Context, filter store.EventFilter) ([]event.Record, error) {
	filter = filter.Normalize()

	query := `SELECT id, event_type, payload, source, created_at FROM events`
	args := []any{}
	if filter.Type != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(filter.Type))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.StorageError("sqlite.ListEvents", err)
	}
	defer rows.Close()

	records := []event.Record{}
	for rows.Next() {
		var (
			r       event.Record
			typ     string
			payload string
			at      int64
		)
		if err := rows.Scan(&r.ID, &typ, &payload, &r.Source, &at); err != nil {
			return nil, faults.StorageError("sqlite.ListEvents", err)
		}
		r.Type = event.Type(typ)
		r.Payload = json.RawMessage(payload)
		r.Timestamp = time.UnixMilli(at).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.StorageError("sqlite.ListEvents", err)
	}
	return records, nil
}

func taskArgs(t delivery.Task) ([]any, error) {
	headers, err := store.EncodeHeaders(t.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	payload := t.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return []any{
		t.TaskID, t.Kind, t.TargetURL, string(payload), string(headers),
		t.Attempts, t.MaxRetries, t.NextRetryAt.UnixMilli(), t.LastError,
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	}, nil
}

func (s *Store) UpsertTask(ctx context.Context, t delivery.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return faults.StorageError("sqlite.UpsertTask", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO retry_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			kind = excluded.kind,
			target_url = excluded.target_url,
			payload = excluded.payload,
			headers = excluded.headers,
			attempts = excluded.attempts,
			max_retries = excluded.max_retries,
			next_retry_at = excluded.next_retry_at,
			last_error = excluded.last_error,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`, args...)
	if err != nil {
		return faults.StorageError("sqlite.UpsertTask", err)
	}
	return nil
}

func (s *Store) InsertTaskIfAbsent(ctx context.Context, t delivery.Task) (bool, error) {
	args, err := taskArgs(t)
	if err != nil {
		return false, faults.StorageError("sqlite.InsertTaskIfAbsent", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO NOTHING`, args...)
	if err != nil {
		return false, faults.StorageError("sqlite.InsertTaskIfAbsent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, faults.StorageError("sqlite.InsertTaskIfAbsent", err)
	}
	return n == 1, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (delivery.Task, error) {
	var (
		t                          delivery.Task
		payload, headers           string
		next, createdAt, updatedAt int64
	)
	if err := row.Scan(&t.TaskID, &t.Kind, &t.TargetURL, &payload, &headers,
		&t.Attempts, &t.MaxRetries, &next, &t.LastError, &createdAt, &updatedAt); err != nil {
		return t, err
	}
	h, err := store.DecodeHeaders([]byte(headers))
	if err != nil {
		return t, fmt.Errorf("decode headers: %w", err)
	}
	t.Payload = json.RawMessage(payload)
	t.Headers = h
	t.NextRetryAt = time.UnixMilli(next).UTC()
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return t, nil
}

func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]delivery.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM retry_tasks
		WHERE next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, faults.StorageError("sqlite.DueTasks", err)
	}
	defer rows.Close()

	var tasks []delivery.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, faults.StorageError("sqlite.DueTasks", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.StorageError("sqlite.DueTasks", err)
	}
	return tasks, nil
}

// Task returns the live task with the given id.
func (s *Store) Task(ctx context.Context, taskID string) (delivery.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM retry_tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return t, store.ErrTaskNotFound
	}
	if err != nil {
		return t, faults.StorageError("sqlite.Task", err)
	}
	return t, nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM retry_tasks WHERE task_id = ?`, taskID); err != nil {
		return faults.StorageError("sqlite.DeleteTask", err)
	}
	return nil
}

func (s *Store) RescheduleTask(ctx context.Context, taskID string, attempts int, lastErr string, next, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retry_tasks
		SET attempts = ?, last_error = ?, next_retry_at = ?, updated_at = ?
		WHERE task_id = ?`, attempts, lastErr, next.UnixMilli(), now.UnixMilli(), taskID)
	if err != nil {
		return faults.StorageError("sqlite.RescheduleTask", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

func (s *Store) DeadLetterTask(ctx context.Context, dl delivery.DeadLetter) (err error) {
	headers, err := store.EncodeHeaders(dl.Headers)
	if err != nil {
		return faults.StorageError("sqlite.DeadLetterTask", err)
	}
	payload := dl.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return faults.StorageError("sqlite.DeadLetterTask", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM retry_tasks WHERE task_id = ?`, dl.TaskID)
	if err != nil {
		return faults.StorageError("sqlite.DeadLetterTask", fmt.Errorf("delete task: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrTaskNotFound
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO dead_letters (task_id, kind, target_url, payload, headers, attempts, final_error, created_at, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.TaskID, dl.Kind, dl.TargetURL, string(payload), string(headers),
		dl.Attempts, dl.FinalError, dl.CreatedAt.UnixMilli(), dl.FailedAt.UnixMilli()); err != nil {
		return faults.StorageError("sqlite.DeadLetterTask", fmt.Errorf("insert dead letter: %w", err))
	}

	if err = tx.Commit(); err != nil {
		return faults.StorageError("sqlite.DeadLetterTask", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) RetryStats(ctx context.Context) (delivery.Stats, error) {
	var (
		stats  delivery.Stats
		oldest sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(next_retry_at) FROM retry_tasks`).Scan(&stats.Pending, &oldest); err != nil {
		return stats, faults.StorageError("sqlite.RetryStats", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters`).Scan(&stats.DeadLetters); err != nil {
		return stats, faults.StorageError("sqlite.RetryStats", err)
	}
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64).UTC()
		stats.OldestRetry = &t
	}
	return stats, nil
}

func (s *Store) DeadLetters(ctx context.Context, limit int) ([]delivery.DeadLetter, error) {
	limit = store.ClampLimit(limit, store.DefaultDLQLimit, store.MaxDLQLimit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, target_url, payload, headers, attempts, final_error, created_at, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, faults.StorageError("sqlite.DeadLetters", err)
	}
	defer rows.Close()

	out := []delivery.DeadLetter{}
	for rows.Next() {
		var (
			dl                delivery.DeadLetter
			payload, headers  string
			createdAt, failed int64
		)
		if err := rows.Scan(&dl.ID, &dl.TaskID, &dl.Kind, &dl.TargetURL, &payload, &headers,
			&dl.Attempts, &dl.FinalError, &createdAt, &failed); err != nil {
			return nil, faults.StorageError("sqlite.DeadLetters", err)
		}
		h, err := store.DecodeHeaders([]byte(headers))
		if err != nil {
			return nil, faults.StorageError("sqlite.DeadLetters", err)
		}
		dl.Payload = json.RawMessage(payload)
		dl.Headers = h
		dl.CreatedAt = time.UnixMilli(createdAt).UTC()
		dl.FailedAt = time.UnixMilli(failed).UTC()
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.StorageError("sqlite.DeadLetters", err)
	}
	return out, nil
}
