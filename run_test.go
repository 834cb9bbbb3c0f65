package openswe

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// registerTestGraph compiles and installs a graph into the env's runtime.
func registerTestGraph(t *testing.T, env *testEnv, g *Graph) *CompiledGraph {
	t.Helper()
	compiled, err := g.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	env.runtime.RegisterGraph(compiled)
	return compiled
}

func TestExecuteWalksToEnd(t *testing.T) {
	env := newTestEnv(Config{})
	var order []string
	record := func(name, next string) NodeFunc {
		return func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
			order = append(order, name)
			return NodeResult{Update: &StateUpdate{Messages: []Message{AIMessage(name)}}}, nil
		}
	}
	registerTestGraph(t, env, NewGraph("walk").
		AddNode("a", record("a", "b")).
		AddNode("b", record("b", END)).
		AddEdge(START, "a").
		AddEdge("a", "b").
		AddEdge("b", END))

	thread, err := env.runtime.Execute(context.Background(), "walk", "t1", "", &StateUpdate{
		Messages: []Message{HumanMessage("go")},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if thread.Status != StatusIdle {
		t.Errorf("status = %s, want idle", thread.Status)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("node order = %v", order)
	}
	// Initial update plus one message per node, committed in order.
	if len(thread.State.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(thread.State.Messages))
	}
}

func TestExecuteStartNodeOverridesEntry(t *testing.T) {
	env := newTestEnv(Config{})
	var ranA, ranB atomic.Bool
	registerTestGraph(t, env, NewGraph("entry").
		AddNode("a", func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
			ranA.Store(true)
			return NodeResult{}, nil
		}).
		AddNode("b", func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
			ranB.Store(true)
			return NodeResult{}, nil
		}).
		AddEdge(START, "a").
		AddEdge("a", "b").
		AddEdge("b", END))

	if _, err := env.runtime.Execute(context.Background(), "entry", "t1", "b", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ranA.Load() {
		t.Error("entry node override still ran the START edge target")
	}
	if !ranB.Load() {
		t.Error("start node b never ran")
	}
}

func TestExecuteNodeErrorSetsErrorStatus(t *testing.T) {
	env := newTestEnv(Config{})
	boom := errors.New("boom")
	registerTestGraph(t, env, NewGraph("err").
		AddNode("a", func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
			return NodeResult{}, boom
		}).
		AddEdge(START, "a").
		AddEdge("a", END))

	_, err := env.runtime.Execute(context.Background(), "err", "t1", "", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Execute error = %v, want boom", err)
	}
	thread, err := env.store.GetThread(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if thread.Status != StatusError {
		t.Errorf("status = %s, want error", thread.Status)
	}
}

func TestExecuteRecursionLimit(t *testing.T) {
	env := newTestEnv(Config{})
	env.runtime.recursionLimit = 5
	registerTestGraph(t, env, NewGraph("spin").
		AddNode("a", passthrough).
		AddEdge(START, "a").
		AddEdge("a", "a"))

	_, err := env.runtime.Execute(context.Background(), "spin", "t1", "", nil)
	var budget *ErrBudgetExhausted
	if !errors.As(err, &budget) {
		t.Fatalf("error = %v, want ErrBudgetExhausted", err)
	}
	if budget.Budget != "recursion" {
		t.Errorf("Budget = %q, want recursion", budget.Budget)
	}
}

func TestExecuteUnknownGraph(t *testing.T) {
	env := newTestEnv(Config{})
	var verr *ErrValidation
	if _, err := env.runtime.Execute(context.Background(), "nope", "t1", "", nil); !errors.As(err, &verr) {
		t.Errorf("unknown graph: %v, want ErrValidation", err)
	}
}

func TestInterruptAndResume(t *testing.T) {
	env := newTestEnv(Config{})
	var answer json.RawMessage
	registerTestGraph(t, env, NewGraph("ask").
		AddNode("ask", func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
			raw, err := cfg.Interrupt(map[string]string{"question": "proceed?"})
			if err != nil {
				return NodeResult{}, err
			}
			answer = raw
			return NodeResult{Update: &StateUpdate{Messages: []Message{AIMessage("resumed")}}}, nil
		}).
		AddEdge(START, "ask").
		AddEdge("ask", END))

	thread, err := env.runtime.Execute(context.Background(), "ask", "t1", "", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if thread.Status != StatusInterrupted {
		t.Fatalf("status = %s, want interrupted", thread.Status)
	}
	if thread.Interrupt == nil || thread.Interrupt.Node != "ask" {
		t.Fatalf("Interrupt = %+v", thread.Interrupt)
	}
	var payload map[string]string
	if err := json.Unmarshal(thread.Interrupt.Payload, &payload); err != nil || payload["question"] != "proceed?" {
		t.Errorf("payload = %s", thread.Interrupt.Payload)
	}

	thread, err = env.runtime.Resume(context.Background(), "t1", json.RawMessage(`true`))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if thread.Status != StatusIdle {
		t.Errorf("status after resume = %s, want idle", thread.Status)
	}
	if string(answer) != "true" {
		t.Errorf("resume value = %s", answer)
	}
	if thread.Interrupt != nil {
		t.Errorf("interrupt not cleared: %+v", thread.Interrupt)
	}
}

func TestResumeIdleThreadIsNoOp(t *testing.T) {
	env := newTestEnv(Config{})
	registerTestGraph(t, env, NewGraph("noop").
		AddNode("a", passthrough).
		AddEdge(START, "a").
		AddEdge("a", END))

	if _, err := env.runtime.Execute(context.Background(), "noop", "t1", "", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	thread, err := env.runtime.Resume(context.Background(), "t1", json.RawMessage(`true`))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if thread.Status != StatusIdle {
		t.Errorf("status = %s, want idle", thread.Status)
	}
}

func TestCancelStopsAfterCurrentNode(t *testing.T) {
	env := newTestEnv(Config{})
	var steps atomic.Int32
	registerTestGraph(t, env, NewGraph("cancel").
		AddNode("a", func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
			if steps.Add(1) == 1 {
				cfg.Services.Runtime.Cancel(cfg.ThreadID)
			}
			return NodeResult{Update: &StateUpdate{Messages: []Message{AIMessage("step")}}}, nil
		}).
		AddEdge(START, "a").
		AddEdge("a", "a"))

	thread, err := env.runtime.Execute(context.Background(), "cancel", "t1", "", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if thread.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", thread.Status)
	}
	if got := steps.Load(); got != 1 {
		t.Errorf("node ran %d times after cancel, want 1", got)
	}
	// The in-flight node's update still committed.
	if len(thread.State.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(thread.State.Messages))
	}
}

func TestContextCancellationFinishesCancelled(t *testing.T) {
	env := newTestEnv(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	registerTestGraph(t, env, NewGraph("ctx").
		AddNode("a", func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
			cancel()
			return NodeResult{}, nil
		}).
		AddEdge(START, "a").
		AddEdge("a", "a"))

	thread, err := env.runtime.Execute(ctx, "ctx", "t1", "", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if thread.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", thread.Status)
	}
}

func TestConcurrentRunsOnOneThreadSerialize(t *testing.T) {
	env := newTestEnv(Config{})
	var inNode atomic.Int32
	registerTestGraph(t, env, NewGraph("serial").
		AddNode("a", func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
			if inNode.Add(1) > 1 {
				t.Error("two runs inside the same thread concurrently")
			}
			time.Sleep(10 * time.Millisecond)
			inNode.Add(-1)
			return NodeResult{Update: &StateUpdate{Messages: []Message{AIMessage("ran")}}}, nil
		}).
		AddEdge(START, "a").
		AddEdge("a", END))

	done := make(chan struct{})
	for range 3 {
		go func() {
			defer func() { done <- struct{}{} }()
			if _, err := env.runtime.Execute(context.Background(), "serial", "t1", "", nil); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	for range 3 {
		<-done
	}

	thread, err := env.store.GetThread(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(thread.State.Messages) != 3 {
		t.Errorf("messages = %d, want 3 (one per serialized run)", len(thread.State.Messages))
	}
}

func TestStartRunIsAsync(t *testing.T) {
	env := newTestEnv(Config{})
	ran := make(chan struct{})
	registerTestGraph(t, env, NewGraph("bg").
		AddNode("a", func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
			close(ran)
			return NodeResult{}, nil
		}).
		AddEdge(START, "a").
		AddEdge("a", END))

	session := env.runtime.StartRun("bg", "", "", nil)
	if session.ThreadID == "" || session.RunID == "" {
		t.Fatalf("session = %+v", session)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("background run never executed")
	}
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	store := NewMemoryThreadStore()
	ctx := context.Background()
	thread, err := store.CreateThread(ctx, "t1", "g")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	if _, err := store.UpdateThread(ctx, "t1", thread.Version, ThreadState{}, StatusBusy, nil); err != nil {
		t.Fatalf("UpdateThread: %v", err)
	}
	// Stale version must be rejected.
	if _, err := store.UpdateThread(ctx, "t1", thread.Version, ThreadState{}, StatusIdle, nil); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}
}

func TestMemoryStoreSnapshotsState(t *testing.T) {
	store := NewMemoryThreadStore()
	ctx := context.Background()
	thread, _ := store.CreateThread(ctx, "t1", "g")

	state := ThreadState{Messages: []Message{HumanMessage("a")}}
	if _, err := store.UpdateThread(ctx, "t1", thread.Version, state, StatusIdle, nil); err != nil {
		t.Fatalf("UpdateThread: %v", err)
	}
	// Mutating the caller's copy must not leak into the store.
	state.Messages[0].Content = "mutated"

	got, err := store.GetThread(ctx, "t1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.State.Messages[0].Content != "a" {
		t.Errorf("stored state aliased caller memory: %q", got.State.Messages[0].Content)
	}
}

func TestListInterrupted(t *testing.T) {
	env := newTestEnv(Config{})
	registerTestGraph(t, env, NewGraph("pause").
		AddNode("a", func(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
			if _, err := cfg.Interrupt("waiting"); err != nil {
				return NodeResult{}, err
			}
			return NodeResult{}, nil
		}).
		AddEdge(START, "a").
		AddEdge("a", END))

	if _, err := env.runtime.Execute(context.Background(), "pause", "t1", "", nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	threads, err := env.store.ListInterrupted(context.Background())
	if err != nil {
		t.Fatalf("ListInterrupted: %v", err)
	}
	if len(threads) != 1 || threads[0].ID != "t1" {
		t.Errorf("ListInterrupted = %+v", threads)
	}
}
