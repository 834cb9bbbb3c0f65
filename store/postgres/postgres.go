// Package postgres implements openswe.ThreadStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	openswe "github.com/openswe/openswe"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements openswe.ThreadStore backed by PostgreSQL.
// Thread state and pending interrupts are stored as JSONB; optimistic
// version checks run inside the UPDATE itself.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ openswe.ThreadStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			state JSONB NOT NULL,
			status TEXT NOT NULL,
			interrupt JSONB,
			version BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error { return nil }

// CreateThread allocates a thread with status not_started and version 1.
func (s *Store) CreateThread(ctx context.Context, id, graphID string) (*openswe.Thread, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	stateJSON, err := json.Marshal(openswe.ThreadState{})
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO threads (id, graph_id, state, status, interrupt, version, created_at, updated_at)
		 VALUES ($1, $2, $3::jsonb, $4, NULL, 1, $5, $6)`,
		id, graphID, string(stateJSON), string(openswe.StatusNotStarted), now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: create thread: %w", err)
	}
	s.logger.Debug("postgres: thread created", "id", id, "graph", graphID)
	return s.GetThread(ctx, id)
}

// GetThread returns the thread, or openswe.ErrThreadNotFound.
func (s *Store) GetThread(ctx context.Context, id string) (*openswe.Thread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, graph_id, state, status, interrupt, version, created_at, updated_at
		 FROM threads WHERE id = $1`, id)
	return scanThread(row)
}

// UpdateThread commits state, status, and interrupt against the expected
// version, returning the new version. A mismatched version returns
// openswe.ErrVersionConflict and leaves the row untouched.
func (s *Store) UpdateThread(ctx context.Context, id string, expectVersion int64, state openswe.ThreadState, status openswe.RunStatus, intr *openswe.PendingInterrupt) (int64, error) {
	start := time.Now()
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("postgres: marshal state: %w", err)
	}
	var intrJSON *string
	if intr != nil {
		data, err := json.Marshal(intr)
		if err != nil {
			return 0, fmt.Errorf("postgres: marshal interrupt: %w", err)
		}
		v := string(data)
		intrJSON = &v
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE threads
		 SET state = $1::jsonb, status = $2, interrupt = $3::jsonb, version = version + 1, updated_at = $4
		 WHERE id = $5 AND version = $6`,
		string(stateJSON), string(status), intrJSON, time.Now().UTC().Unix(), id, expectVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: update thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists int
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM threads WHERE id = $1`, id).Scan(&exists); err == nil && exists == 0 {
			return 0, openswe.ErrThreadNotFound
		}
		return 0, openswe.ErrVersionConflict
	}
	s.logger.Debug("postgres: thread updated", "id", id, "status", status, "duration", time.Since(start))
	return expectVersion + 1, nil
}

// ListInterrupted returns the threads currently awaiting a human response.
func (s *Store) ListInterrupted(ctx context.Context) ([]*openswe.Thread, error) {
	return s.ListByStatus(ctx, openswe.StatusInterrupted)
}

// ListByStatus returns threads in the given status, oldest update first.
func (s *Store) ListByStatus(ctx context.Context, status openswe.RunStatus) ([]*openswe.Thread, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, graph_id, state, status, interrupt, version, created_at, updated_at
		 FROM threads WHERE status = $1 ORDER BY updated_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	var threads []*openswe.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate threads: %w", err)
	}
	return threads, nil
}

// DeleteThread removes the thread. Deleting an unknown id is a no-op.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete thread: %w", err)
	}
	return nil
}

// scanner abstracts pgx.Row and pgx.Rows for scanThread.
type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (*openswe.Thread, error) {
	var t openswe.Thread
	var stateJSON []byte
	var intrJSON []byte
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.GraphID, &stateJSON, &status, &intrJSON, &t.Version, &createdAt, &updatedAt)
	if err == pgx.ErrNoRows {
		return nil, openswe.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: scan thread: %w", err)
	}
	if err := json.Unmarshal(stateJSON, &t.State); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal state: %w", err)
	}
	if len(intrJSON) > 0 {
		var intr openswe.PendingInterrupt
		if err := json.Unmarshal(intrJSON, &intr); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal interrupt: %w", err)
		}
		t.Interrupt = &intr
	}
	t.Status = openswe.RunStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}
