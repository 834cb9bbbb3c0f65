// Package sqlite implements openswe.ThreadStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	openswe "github.com/openswe/openswe"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including timing
// and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements openswe.ThreadStore backed by a local SQLite file.
// Thread state and pending interrupts are stored as JSON text; optimistic
// version checks run inside the UPDATE itself.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ openswe.ThreadStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL,
		state TEXT NOT NULL,
		status TEXT NOT NULL,
		interrupt TEXT,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// CreateThread allocates a thread with status not_started and version 1.
func (s *Store) CreateThread(ctx context.Context, id, graphID string) (*openswe.Thread, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	stateJSON, err := json.Marshal(openswe.ThreadState{})
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, graph_id, state, status, interrupt, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, NULL, 1, ?, ?)`,
		id, graphID, string(stateJSON), string(openswe.StatusNotStarted), now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	s.logger.Debug("sqlite: thread created", "id", id, "graph", graphID)
	return s.GetThread(ctx, id)
}

// GetThread returns the thread, or openswe.ErrThreadNotFound.
func (s *Store) GetThread(ctx context.Context, id string) (*openswe.Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, graph_id, state, status, interrupt, version, created_at, updated_at
		 FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

// UpdateThread commits state, status, and interrupt against the expected
// version, returning the new version. A mismatched version returns
// openswe.ErrVersionConflict and leaves the row untouched.
func (s *Store) UpdateThread(ctx context.Context, id string, expectVersion int64, state openswe.ThreadState, status openswe.RunStatus, intr *openswe.PendingInterrupt) (int64, error) {
	start := time.Now()
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal state: %w", err)
	}
	var intrJSON *string
	if intr != nil {
		data, err := json.Marshal(intr)
		if err != nil {
			return 0, fmt.Errorf("marshal interrupt: %w", err)
		}
		v := string(data)
		intrJSON = &v
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE threads
		 SET state = ?, status = ?, interrupt = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(stateJSON), string(status), intrJSON, time.Now().UTC().Unix(), id, expectVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("update thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
			return 0, openswe.ErrThreadNotFound
		}
		return 0, openswe.ErrVersionConflict
	}
	s.logger.Debug("sqlite: thread updated", "id", id, "status", status, "duration", time.Since(start))
	return expectVersion + 1, nil
}

// ListInterrupted returns the threads currently awaiting a human response.
func (s *Store) ListInterrupted(ctx context.Context) ([]*openswe.Thread, error) {
	return s.ListByStatus(ctx, openswe.StatusInterrupted)
}

// ListByStatus returns threads in the given status, oldest update first.
func (s *Store) ListByStatus(ctx context.Context, status openswe.RunStatus) ([]*openswe.Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, graph_id, state, status, interrupt, version, created_at, updated_at
		 FROM threads WHERE status = ? ORDER BY updated_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
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
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// DeleteThread removes the thread. Deleting an unknown id is a no-op.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanThread.
type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (*openswe.Thread, error) {
	var t openswe.Thread
	var stateJSON string
	var intrJSON sql.NullString
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.GraphID, &stateJSON, &status, &intrJSON, &t.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, openswe.ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &t.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if intrJSON.Valid {
		var intr openswe.PendingInterrupt
		if err := json.Unmarshal([]byte(intrJSON.String), &intr); err != nil {
			return nil, fmt.Errorf("unmarshal interrupt: %w", err)
		}
		t.Interrupt = &intr
	}
	t.Status = openswe.RunStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}
