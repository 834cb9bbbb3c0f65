package openswe

import (
	"context"
	"errors"
	"time"
)

// --- Thread persistence ---

// RunStatus describes where a thread's latest run stands.
type RunStatus string

const (
	StatusNotStarted  RunStatus = "not_started"
	StatusBusy        RunStatus = "busy"
	StatusIdle        RunStatus = "idle"
	StatusInterrupted RunStatus = "interrupted"
	StatusError       RunStatus = "error"
	StatusCancelled   RunStatus = "cancelled"
)

// Thread is one persisted conversation context, addressable by UUID.
// Version increases monotonically with every commit; commits that present a
// stale version fail with ErrVersionConflict.
type Thread struct {
	ID        string            `json:"id"`
	GraphID   string            `json:"graph_id"`
	State     ThreadState       `json:"state"`
	Status    RunStatus         `json:"status"`
	Interrupt *PendingInterrupt `json:"interrupt,omitempty"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ErrVersionConflict reports a commit raced another writer on the same
// thread. The runtime serializes runs per thread, so hitting it outside a
// crash-recovery window indicates a second process.
var ErrVersionConflict = errors.New("thread version conflict")

// ErrThreadNotFound reports an unknown thread id.
var ErrThreadNotFound = errors.New("thread not found")

// ThreadStore persists threads. Commits are atomic: state, status, and the
// pending interrupt change together or not at all. Implementations must make
// committed state durable across process restarts.
type ThreadStore interface {
	// CreateThread allocates a thread with the given id (or a fresh UUID when
	// id is empty), status not_started, and version 1.
	CreateThread(ctx context.Context, id, graphID string) (*Thread, error)

	// GetThread returns the thread, or ErrThreadNotFound.
	GetThread(ctx context.Context, id string) (*Thread, error)

	// UpdateThread commits state, status, and interrupt against the expected
	// version, returning the new version. A mismatched version returns
	// ErrVersionConflict and leaves the thread untouched.
	UpdateThread(ctx context.Context, id string, expectVersion int64, state ThreadState, status RunStatus, intr *PendingInterrupt) (int64, error)

	// ListInterrupted returns the threads currently awaiting a human response.
	ListInterrupted(ctx context.Context) ([]*Thread, error)

	// ListByStatus returns threads in the given status. The dispatcher uses it
	// on startup to fail runs orphaned by a crash.
	ListByStatus(ctx context.Context, status RunStatus) ([]*Thread, error)

	// DeleteThread removes the thread. Deleting an unknown id is a no-op.
	DeleteThread(ctx context.Context, id string) error
}
