package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	openswe "github.com/openswe/openswe"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestCreateAndGetThread(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.CreateThread(ctx, "", "manager")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated thread id")
	}
	if created.Status != openswe.StatusNotStarted {
		t.Errorf("status = %s, want %s", created.Status, openswe.StatusNotStarted)
	}
	if created.Version != 1 {
		t.Errorf("version = %d, want 1", created.Version)
	}

	got, err := s.GetThread(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.GraphID != "manager" {
		t.Errorf("graph = %q, want manager", got.GraphID)
	}
}

func TestGetThread_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetThread(context.Background(), "missing")
	if !errors.Is(err, openswe.ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestUpdateThread_VersionedCommit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "t1", "planner")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	state := thread.State
	state.BranchName = "open-swe/issue-7-abc"
	v, err := s.UpdateThread(ctx, "t1", thread.Version, state, openswe.StatusBusy, nil)
	if err != nil {
		t.Fatalf("UpdateThread: %v", err)
	}
	if v != thread.Version+1 {
		t.Errorf("version = %d, want %d", v, thread.Version+1)
	}

	got, err := s.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.State.BranchName != "open-swe/issue-7-abc" {
		t.Errorf("branch = %q, not persisted", got.State.BranchName)
	}
	if got.Status != openswe.StatusBusy {
		t.Errorf("status = %s, want busy", got.Status)
	}
	if got.Version != v {
		t.Errorf("stored version = %d, want %d", got.Version, v)
	}
}

func TestUpdateThread_StaleVersion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "t1", "planner")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if _, err := s.UpdateThread(ctx, "t1", thread.Version, thread.State, openswe.StatusBusy, nil); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// Second writer using the original version must lose.
	_, err = s.UpdateThread(ctx, "t1", thread.Version, thread.State, openswe.StatusIdle, nil)
	if !errors.Is(err, openswe.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

func TestUpdateThread_MissingThread(t *testing.T) {
	s := testStore(t)
	_, err := s.UpdateThread(context.Background(), "missing", 1, openswe.ThreadState{}, openswe.StatusBusy, nil)
	if !errors.Is(err, openswe.ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestInterruptRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "t1", "planner")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	intr := &openswe.PendingInterrupt{
		RunID:   "run-1",
		Node:    "interrupt-proposed-plan",
		Payload: []byte(`{"type":"proposed_plan"}`),
	}
	if _, err := s.UpdateThread(ctx, "t1", thread.Version, thread.State, openswe.StatusInterrupted, intr); err != nil {
		t.Fatalf("UpdateThread: %v", err)
	}

	interrupted, err := s.ListInterrupted(ctx)
	if err != nil {
		t.Fatalf("ListInterrupted: %v", err)
	}
	if len(interrupted) != 1 {
		t.Fatalf("interrupted count = %d, want 1", len(interrupted))
	}
	got := interrupted[0]
	if got.Interrupt == nil {
		t.Fatal("interrupt not round-tripped")
	}
	if got.Interrupt.Node != "interrupt-proposed-plan" || got.Interrupt.RunID != "run-1" {
		t.Errorf("interrupt = %+v", got.Interrupt)
	}

	// Resuming clears the interrupt by writing nil.
	if _, err := s.UpdateThread(ctx, "t1", got.Version, got.State, openswe.StatusBusy, nil); err != nil {
		t.Fatalf("clear interrupt: %v", err)
	}
	cleared, err := s.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if cleared.Interrupt != nil {
		t.Error("interrupt should be cleared after resume")
	}
}

func TestListByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, err := s.CreateThread(ctx, "a", "manager")
	if err != nil {
		t.Fatalf("CreateThread a: %v", err)
	}
	b, err := s.CreateThread(ctx, "b", "manager")
	if err != nil {
		t.Fatalf("CreateThread b: %v", err)
	}
	if _, err := s.UpdateThread(ctx, a.ID, a.Version, a.State, openswe.StatusBusy, nil); err != nil {
		t.Fatalf("update a: %v", err)
	}
	if _, err := s.UpdateThread(ctx, b.ID, b.Version, b.State, openswe.StatusIdle, nil); err != nil {
		t.Fatalf("update b: %v", err)
	}

	busy, err := s.ListByStatus(ctx, openswe.StatusBusy)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(busy) != 1 || busy[0].ID != "a" {
		t.Errorf("busy = %d threads, want just thread a", len(busy))
	}
	idle, err := s.ListByStatus(ctx, openswe.StatusIdle)
	if err != nil {
		t.Fatalf("ListByStatus idle: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "b" {
		t.Errorf("idle = %d threads, want just thread b", len(idle))
	}
}

func TestDeleteThread(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "t1", "manager")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := s.DeleteThread(ctx, thread.ID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := s.GetThread(ctx, thread.ID); !errors.Is(err, openswe.ErrThreadNotFound) {
		t.Fatalf("err = %v, want ErrThreadNotFound", err)
	}
	// Deleting an unknown id is a no-op.
	if err := s.DeleteThread(ctx, thread.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestStatePersistsTaskPlan(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "t1", "programmer")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	state := thread.State
	state.TaskPlan.CreateTask("fix the bug", "Fix bug", []string{"find it", "fix it"}, "")
	if _, err := s.UpdateThread(ctx, "t1", thread.Version, state, openswe.StatusIdle, nil); err != nil {
		t.Fatalf("UpdateThread: %v", err)
	}

	got, err := s.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	task, ok := got.State.TaskPlan.ActiveTask()
	if !ok {
		t.Fatal("task plan not persisted")
	}
	if task.Title != "Fix bug" {
		t.Errorf("title = %q, want Fix bug", task.Title)
	}
	rev, ok := task.ActiveRevision()
	if !ok {
		t.Fatal("no active revision")
	}
	if len(rev.Plans) != 2 {
		t.Errorf("plan items = %d, want 2", len(rev.Plans))
	}
}
