package openswe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// defaultRecursionLimit bounds the number of node executions in one run.
const defaultRecursionLimit = 150

// --- Run configuration ---

// Services bundles the process-wide collaborators handed to every node.
// Each is initialized once at startup and passed explicitly; nodes never
// reach for ambient globals.
type Services struct {
	Runtime       *Runtime
	Store         ThreadStore
	Router        *ModelRouter
	SourceControl SourceControl
	Coordinator   *Coordinator
	Tools         *ToolRegistry
	Safety        *SafetyGate
	Tokens        *TokenCounter
	Config        Config
}

// RunConfig is the per-run context a node executes under.
type RunConfig struct {
	ThreadID string
	RunID    string
	GraphID  string
	Services *Services
	Logger   *slog.Logger

	// Step counts node executions within the run, for the recursion limit.
	Step int

	resumeValue json.RawMessage
	hasResume   bool
}

// Run identifies one execution of a graph against a thread.
type Run struct {
	ThreadID string    `json:"thread_id"`
	RunID    string    `json:"run_id"`
	GraphID  string    `json:"graph_id"`
	Status   RunStatus `json:"status"`
}

// --- Runtime ---

// Runtime executes compiled graphs against a thread store. Concurrent runs on
// the same thread serialize FIFO; different threads run in parallel.
type Runtime struct {
	store          ThreadStore
	services       *Services
	logger         *slog.Logger
	recursionLimit int

	mu        sync.Mutex
	graphs    map[string]*CompiledGraph
	locks     map[string]*sync.Mutex
	cancelled map[string]bool // runID -> cancel requested
	active    map[string]string
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the runtime's structured logger.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// WithRecursionLimit overrides the per-run node execution budget.
func WithRecursionLimit(n int) RuntimeOption {
	return func(r *Runtime) {
		if n > 0 {
			r.recursionLimit = n
		}
	}
}

// NewRuntime creates a runtime over the given store.
func NewRuntime(store ThreadStore, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		store:          store,
		logger:         nopLogger,
		recursionLimit: defaultRecursionLimit,
		graphs:         make(map[string]*CompiledGraph),
		locks:          make(map[string]*sync.Mutex),
		cancelled:      make(map[string]bool),
		active:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetServices installs the collaborator bundle handed to nodes. Must be
// called before the first run; the bundle's Runtime field is set to r.
func (r *Runtime) SetServices(s *Services) {
	s.Runtime = r
	s.Store = r.store
	r.services = s
}

// RegisterGraph adds a compiled graph to the runtime's registry.
func (r *Runtime) RegisterGraph(g *CompiledGraph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.ID()] = g
}

func (r *Runtime) graph(id string) (*CompiledGraph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.graphs[id]
	if !ok {
		return nil, &ErrValidation{Field: "graphId", Message: "unknown graph " + id}
	}
	return g, nil
}

// threadLock returns the mutex serializing runs on one thread.
func (r *Runtime) threadLock(threadID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lk, ok := r.locks[threadID]
	if !ok {
		lk = &sync.Mutex{}
		r.locks[threadID] = lk
	}
	return lk
}

// Execute runs a graph against a thread until END, an interrupt, an error, or
// cancellation, committing state after every node. The thread is created if it
// does not exist. startNode routes the first step ("" = the edge out of
// START); initial is merged before the first node runs.
func (r *Runtime) Execute(ctx context.Context, graphID, threadID, startNode string, initial *StateUpdate) (*Thread, error) {
	return r.execute(ctx, graphID, threadID, startNode, initial, uuid.NewString())
}

func (r *Runtime) execute(ctx context.Context, graphID, threadID, startNode string, initial *StateUpdate, runID string) (*Thread, error) {
	g, err := r.graph(graphID)
	if err != nil {
		return nil, err
	}

	lk := r.threadLock(threadID)
	lk.Lock()
	defer lk.Unlock()

	thread, err := r.store.GetThread(ctx, threadID)
	if errors.Is(err, ErrThreadNotFound) {
		thread, err = r.store.CreateThread(ctx, threadID, graphID)
	}
	if err != nil {
		return nil, err
	}

	cfg := &RunConfig{
		ThreadID: thread.ID,
		RunID:    runID,
		GraphID:  graphID,
		Services: r.services,
		Logger:   r.logger.With("graph", graphID, "thread", thread.ID),
	}
	r.trackRun(thread.ID, cfg.RunID)
	defer r.untrackRun(cfg.RunID)

	state := applyUpdate(thread.State, initial)
	version, err := r.store.UpdateThread(ctx, thread.ID, thread.Version, state, StatusBusy, nil)
	if err != nil {
		return nil, err
	}

	current := startNode
	if current == "" {
		current, err = g.next(START, "", state)
		if err != nil {
			return r.fail(ctx, thread.ID, version, state, err)
		}
	}
	return r.loop(ctx, g, cfg, thread.ID, version, state, current)
}

// loop is the shared node-walk used by Execute and Resume.
func (r *Runtime) loop(ctx context.Context, g *CompiledGraph, cfg *RunConfig, threadID string, version int64, state ThreadState, current string) (*Thread, error) {
	for current != END {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, threadID, version, state, StatusCancelled)
		}
		cfg.Step++
		if cfg.Step > r.recursionLimit {
			return r.fail(ctx, threadID, version, state, &ErrBudgetExhausted{Budget: "recursion"})
		}

		fn, ok := g.node(current)
		if !ok {
			return r.fail(ctx, threadID, version, state, &ErrValidation{Field: "graph", Message: fmt.Sprintf("%s: unknown node %s", g.ID(), current)})
		}

		cfg.Logger.Debug("node start", "node", current, "step", cfg.Step)
		result, err := fn(ctx, state, cfg)
		if err != nil {
			var sig *interruptSignal
			if errors.As(err, &sig) {
				return r.suspend(ctx, cfg, threadID, version, state, current, sig)
			}
			cfg.Logger.Error("node failed", "node", current, "error", err)
			return r.fail(ctx, threadID, version, state, err)
		}

		state = applyUpdate(state, result.Update)
		version, err = r.store.UpdateThread(ctx, threadID, version, state, StatusBusy, nil)
		if err != nil {
			return nil, err
		}

		if r.isCancelled(cfg.RunID) {
			return r.finish(ctx, threadID, version, state, StatusCancelled)
		}

		current, err = g.next(current, result.Goto, state)
		if err != nil {
			return r.fail(ctx, threadID, version, state, err)
		}
	}
	return r.finish(ctx, threadID, version, state, StatusIdle)
}

// suspend persists the pending interrupt and returns the thread in
// interrupted status.
func (r *Runtime) suspend(ctx context.Context, cfg *RunConfig, threadID string, version int64, state ThreadState, node string, sig *interruptSignal) (*Thread, error) {
	payload, err := json.Marshal(sig.Payload)
	if err != nil {
		return r.fail(ctx, threadID, version, state, fmt.Errorf("marshal interrupt payload: %w", err))
	}
	intr := &PendingInterrupt{RunID: cfg.RunID, Node: node, Payload: payload, CreatedAt: nowUTC()}
	if _, err := r.store.UpdateThread(ctx, threadID, version, state, StatusInterrupted, intr); err != nil {
		return nil, err
	}
	cfg.Logger.Info("run interrupted", "node", node)
	return r.store.GetThread(ctx, threadID)
}

func (r *Runtime) finish(ctx context.Context, threadID string, version int64, state ThreadState, status RunStatus) (*Thread, error) {
	if _, err := r.store.UpdateThread(ctx, threadID, version, state, status, nil); err != nil {
		return nil, err
	}
	return r.store.GetThread(ctx, threadID)
}

// fail commits the last successful state with error status, then returns the
// node's error. Commit failures are logged but do not mask the original.
func (r *Runtime) fail(ctx context.Context, threadID string, version int64, state ThreadState, cause error) (*Thread, error) {
	if _, err := r.store.UpdateThread(ctx, threadID, version, state, StatusError, nil); err != nil {
		r.logger.Error("commit of error status failed", "thread", threadID, "error", err)
	}
	return nil, cause
}

// Resume replays the interrupted node with the human's response and continues
// the run. Resuming a thread that is not interrupted is a no-op that returns
// the thread unchanged, so a resume racing a cancel stays safe.
func (r *Runtime) Resume(ctx context.Context, threadID string, userResponse json.RawMessage) (*Thread, error) {
	lk := r.threadLock(threadID)
	lk.Lock()
	defer lk.Unlock()

	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.Status != StatusInterrupted || thread.Interrupt == nil {
		return thread, nil
	}
	g, err := r.graph(thread.GraphID)
	if err != nil {
		return nil, err
	}

	cfg := &RunConfig{
		ThreadID:    thread.ID,
		RunID:       uuid.NewString(),
		GraphID:     thread.GraphID,
		Services:    r.services,
		Logger:      r.logger.With("graph", thread.GraphID, "thread", thread.ID),
		resumeValue: userResponse,
		hasResume:   true,
	}
	r.trackRun(thread.ID, cfg.RunID)
	defer r.untrackRun(cfg.RunID)

	version, err := r.store.UpdateThread(ctx, thread.ID, thread.Version, thread.State, StatusBusy, nil)
	if err != nil {
		return nil, err
	}
	return r.loop(ctx, g, cfg, thread.ID, version, thread.State, thread.Interrupt.Node)
}

// StartRun launches a run asynchronously and returns its identifiers. The
// caller must not assume the run has started, let alone finished; results are
// observable only through the child thread's status.
func (r *Runtime) StartRun(graphID, threadID, startNode string, initial *StateUpdate) Session {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	runID := uuid.NewString()
	go func() {
		if _, err := r.execute(context.Background(), graphID, threadID, startNode, initial, runID); err != nil {
			r.logger.Error("background run failed", "graph", graphID, "thread", threadID, "error", err)
		}
	}()
	return Session{ThreadID: threadID, RunID: runID}
}

// Cancel requests cancellation of the thread's active run. The current node
// completes and its update is committed; the run then terminates in cancelled
// status. Cancelling an idle thread does nothing.
func (r *Runtime) Cancel(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runID, ok := r.active[threadID]; ok {
		r.cancelled[runID] = true
	}
}

func (r *Runtime) trackRun(threadID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[threadID] = runID
}

func (r *Runtime) untrackRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, runID)
	for tid, rid := range r.active {
		if rid == runID {
			delete(r.active, tid)
		}
	}
}

func (r *Runtime) isCancelled(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled[runID]
}
