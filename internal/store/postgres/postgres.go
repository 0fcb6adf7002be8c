// Package postgres implements store.Store on PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/nexus/internal/db"
	"github.com/austindbirch/nexus/internal/delivery"
	"github.com/austindbirch/nexus/internal/event"
	"github.com/austindbirch/nexus/internal/faults"
	"github.com/austindbirch/nexus/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const taskColumns = `task_id, kind, target_url, payload, headers, attempts, max_retries, next_retry_at, last_error, created_at, updated_at`

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := db.Connect(ctx, dsn, db.DefaultPoolOptions())
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := runMigrations(pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool. The schema must already exist.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func runMigrations(pool *pgxpool.Pool) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	sqlDB := db.SQLDB(pool)
	defer sqlDB.Close()

	dbDriver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return faults.StorageError("postgres.Ping", err)
	}
	return nil
}

func nonEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func (s *Store) AppendEvent(ctx context.Context, typ event.Type, payload json.RawMessage, source string, at time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (event_type, payload, source, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		string(typ), nonEmpty(payload), source, at).Scan(&id)
	if err != nil {
		return 0, faults.StorageError("postgres.AppendEvent", err)
	}
	return id, nil
}

func (s *Store) ListEvents(ctx context.Context, filter store.EventFilter) ([]event.Record, error) {
	filter = filter.Normalize()

	query := `SELECT id, event_type, payload, source, created_at FROM events`
	args := []any{}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += ` WHERE event_type = $1`
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, faults.StorageError("postgres.ListEvents", err)
	}
	defer rows.Close()

	records := []event.Record{}
	for rows.Next() {
		var (
			r       event.Record
			typ     string
			payload []byte
		)
		if err := rows.Scan(&r.ID, &typ, &payload, &r.Source, &r.Timestamp); err != nil {
			return nil, faults.StorageError("postgres.ListEvents", err)
		}
		r.Type = event.Type(typ)
		r.Payload = json.RawMessage(payload)
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.StorageError("postgres.ListEvents", err)
	}
	return records, nil
}

func taskArgs(t delivery.Task) ([]any, error) {
	headers, err := store.EncodeHeaders(t.Headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return []any{
		t.TaskID, t.Kind, t.TargetURL, nonEmpty(t.Payload), headers,
		t.Attempts, t.MaxRetries, t.NextRetryAt, t.LastError, t.CreatedAt, t.UpdatedAt,
	}, nil
}

func (s *Store) UpsertTask(ctx context.Context, t delivery.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return faults.StorageError("postgres.UpsertTask", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO retry_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			target_url = EXCLUDED.target_url,
			payload = EXCLUDED.payload,
			headers = EXCLUDED.headers,
			attempts = EXCLUDED.attempts,
			max_retries = EXCLUDED.max_retries,
			next_retry_at = EXCLUDED.next_retry_at,
			last_error = EXCLUDED.last_error,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`, args...)
	if err != nil {
		return faults.StorageError("postgres.UpsertTask", err)
	}
	return nil
}

func (s *Store) InsertTaskIfAbsent(ctx context.Context, t delivery.Task) (bool, error) {
	args, err := taskArgs(t)
	if err != nil {
		return false, faults.StorageError("postgres.InsertTaskIfAbsent", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO retry_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO NOTHING`, args...)
	if err != nil {
		return false, faults.StorageError("postgres.InsertTaskIfAbsent", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanTask(row pgx.Row) (delivery.Task, error) {
	var (
		t                delivery.Task
		payload, headers []byte
	)
	if err := row.Scan(&t.TaskID, &t.Kind, &t.TargetURL, &payload, &headers,
		&t.Attempts, &t.MaxRetries, &t.NextRetryAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	h, err := store.DecodeHeaders(headers)
	if err != nil {
		return t, fmt.Errorf("decode headers: %w", err)
	}
	t.Payload = json.RawMessage(payload)
	t.Headers = h
	t.NextRetryAt = t.NextRetryAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]delivery.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM retry_tasks
		WHERE next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, faults.StorageError("postgres.DueTasks", err)
	}
	defer rows.Close()

	var tasks []delivery.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, faults.StorageError("postgres.DueTasks", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.StorageError("postgres.DueTasks", err)
	}
	return tasks, nil
}

// Task returns the live task with the given id.
func (s *Store) Task(ctx context.Context, taskID string) (delivery.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM retry_tasks WHERE task_id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, store.ErrTaskNotFound
	}
	if err != nil {
		return t, faults.StorageError("postgres.Task", err)
	}
	return t, nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM retry_tasks WHERE task_id = $1`, taskID); err != nil {
		return faults.StorageError("postgres.DeleteTask", err)
	}
	return nil
}

func (s *Store) RescheduleTask(ctx context.Context, taskID string, attempts int, lastErr string, next, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE retry_tasks
		SET attempts = $1, last_error = $2, next_retry_at = $3, updated_at = $4
		WHERE task_id = $5`, attempts, lastErr, next, now, taskID)
	if err != nil {
		return faults.StorageError("postgres.RescheduleTask", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

func (s *Store) DeadLetterTask(ctx context.Context, dl delivery.DeadLetter) error {
	headers, err := store.EncodeHeaders(dl.Headers)
	if err != nil {
		return faults.StorageError("postgres.DeadLetterTask", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return faults.StorageError("postgres.DeadLetterTask", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM retry_tasks WHERE task_id = $1`, dl.TaskID)
	if err != nil {
		return faults.StorageError("postgres.DeadLetterTask", fmt.Errorf("delete task: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTaskNotFound
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO dead_letters (task_id, kind, target_url, payload, headers, attempts, final_error, created_at, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		dl.TaskID, dl.Kind, dl.TargetURL, nonEmpty(dl.Payload), headers,
		dl.Attempts, dl.FinalError, dl.CreatedAt, dl.FailedAt); err != nil {
		return faults.StorageError("postgres.DeadLetterTask", fmt.Errorf("insert dead letter: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return faults.StorageError("postgres.DeadLetterTask", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) RetryStats(ctx context.Context) (delivery.Stats, error) {
	var stats delivery.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM retry_tasks),
			(SELECT COUNT(*) FROM dead_letters),
			(SELECT MIN(next_retry_at) FROM retry_tasks)`).
		Scan(&stats.Pending, &stats.DeadLetters, &stats.OldestRetry)
	if err != nil {
		return stats, faults.StorageError("postgres.RetryStats", err)
	}
	if stats.OldestRetry != nil {
		utc := stats.OldestRetry.UTC()
		stats.OldestRetry = &utc
	}
	return stats, nil
}

func (s *Store) DeadLetters(ctx context.Context, limit int) ([]delivery.DeadLetter, error) {
	limit = store.ClampLimit(limit, store.DefaultDLQLimit, store.MaxDLQLimit)
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, kind, target_url, payload, headers, attempts, final_error, created_at, failed_at
		FROM dead_letters
		ORDER BY failed_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, faults.StorageError("postgres.DeadLetters", err)
	}
	defer rows.Close()

	out := []delivery.DeadLetter{}
	for rows.Next() {
		var (
			dl               delivery.DeadLetter
			payload, headers []byte
		)
		if err := rows.Scan(&dl.ID, &dl.TaskID, &dl.Kind, &dl.TargetURL, &payload, &headers,
			&dl.Attempts, &dl.FinalError, &dl.CreatedAt, &dl.FailedAt); err != nil {
			return nil, faults.StorageError("postgres.DeadLetters", err)
		}
		h, err := store.DecodeHeaders(headers)
		if err != nil {
			return nil, faults.StorageError("postgres.DeadLetters", err)
		}
		dl.Payload = json.RawMessage(payload)
		dl.Headers = h
		dl.CreatedAt = dl.CreatedAt.UTC()
		dl.FailedAt = dl.FailedAt.UTC()
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.StorageError("postgres.DeadLetters", err)
	}
	return out, nil
}
