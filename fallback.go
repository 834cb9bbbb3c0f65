package openswe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// --- Task classes ---

// TaskClass selects which model chain serves an LLM call.
type TaskClass string

const (
	ClassRouter     TaskClass = "router"     // request classification
	ClassSummarizer TaskClass = "summarizer" // history compaction, notes
	ClassPlanner    TaskClass = "planner"
	ClassProgrammer TaskClass = "programmer"
	ClassReviewer   TaskClass = "reviewer"
	ClassSafety     TaskClass = "safety" // command-safety evaluation
)

// ModelConfig binds a model key to its provider and quirks.
type ModelConfig struct {
	Key      string
	Provider Provider
	// NoParallelToolCalls marks models on the known-incompatible list; calls
	// through them carry DisableParallelToolCalls.
	NoParallelToolCalls bool
}

// --- Circuit breaker ---

// breakerWindow is the number of recent outcomes tracked per model.
const breakerWindow = 10

// circuitBreaker excludes a model from the fallback chain while its recent
// failure rate is above threshold. After the cooldown the circuit half-opens:
// one trial call is let through, and its outcome closes or re-opens it.
type circuitBreaker struct {
	mu        sync.Mutex
	outcomes  []bool // ring of recent call results, true = success
	next      int
	filled    bool
	threshold float64
	cooldown  time.Duration
	openUntil time.Time
	halfOpen  bool
}

func newCircuitBreaker(threshold float64, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{
		outcomes:  make([]bool, breakerWindow),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// allow reports whether a call may proceed. In the open state it returns
// false until the cooldown passes, then lets exactly one trial through.
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return true
	}
	if time.Now().Before(b.openUntil) {
		return false
	}
	if b.halfOpen {
		return false // a trial is already in flight
	}
	b.halfOpen = true
	return true
}

// record notes a call outcome and re-evaluates the circuit.
func (b *circuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halfOpen {
		b.halfOpen = false
		if success {
			// Trial succeeded: close the circuit and forget history.
			b.openUntil = time.Time{}
			b.outcomes = make([]bool, breakerWindow)
			b.next = 0
			b.filled = false
			b.outcomes[0] = true
			b.next = 1
			return
		}
		b.openUntil = time.Now().Add(b.cooldown)
		return
	}

	b.outcomes[b.next] = success
	b.next++
	if b.next == len(b.outcomes) {
		b.next = 0
		b.filled = true
	}
	if !b.filled && b.next < 3 {
		return // too few samples to judge
	}
	n := b.next
	if b.filled {
		n = len(b.outcomes)
	}
	var failures int
	for i := 0; i < n; i++ {
		if !b.outcomes[i] {
			failures++
		}
	}
	if float64(failures)/float64(n) > b.threshold {
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

// --- Model router ---

// ModelRouter picks a primary model per task class and walks a fallback chain
// when it fails, skipping models whose circuit is open. Chain exhaustion is a
// budget error naming every attempted model key.
type ModelRouter struct {
	mu        sync.RWMutex
	models    map[string]*routedModel
	chains    map[TaskClass][]string
	maxChains map[TaskClass][]string
	logger    *slog.Logger
	onResult  func(modelKey string, usage Usage) // token accounting hook
}

type routedModel struct {
	cfg     ModelConfig
	breaker *circuitBreaker
}

// RouterOption configures a ModelRouter.
type RouterOption func(*ModelRouter)

// RouterLogger sets the structured logger for fallback events.
func RouterLogger(l *slog.Logger) RouterOption {
	return func(r *ModelRouter) { r.logger = l }
}

// RouterUsageHook registers a callback invoked with the usage of every
// successful call, keyed by the model that served it.
func RouterUsageHook(fn func(modelKey string, usage Usage)) RouterOption {
	return func(r *ModelRouter) { r.onResult = fn }
}

// NewModelRouter creates an empty router. Register models with AddModel and
// chains with SetChain before use.
func NewModelRouter(opts ...RouterOption) *ModelRouter {
	r := &ModelRouter{
		models:    make(map[string]*routedModel),
		chains:    make(map[TaskClass][]string),
		maxChains: make(map[TaskClass][]string),
		logger:    nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddModel registers a model. The breaker opens when more than 50% of the
// last ten calls failed and half-opens after a 60s cooldown.
func (r *ModelRouter) AddModel(cfg ModelConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[cfg.Key] = &routedModel{cfg: cfg, breaker: newCircuitBreaker(0.5, time.Minute)}
}

// SetChain declares the ordered model keys for a task class; the first entry
// is the primary.
func (r *ModelRouter) SetChain(class TaskClass, keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[class] = append([]string(nil), keys...)
}

// SetMaxChain declares the chain serving requests flagged MaxModels for a
// task class. A class without a max chain keeps its regular chain for those
// requests.
func (r *ModelRouter) SetMaxChain(class TaskClass, keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxChains[class] = append([]string(nil), keys...)
}

func (r *ModelRouter) chain(class TaskClass, maxModels bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if maxModels {
		if keys := r.maxChains[class]; len(keys) > 0 {
			return keys
		}
	}
	return r.chains[class]
}

func (r *ModelRouter) model(key string) (*routedModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[key]
	return m, ok
}

// Chat sends the request through the class's chain and returns the first
// success along with the model key that served it. Tool bindings carry over
// to every fallback; the parallel-tool-calls flag follows each model's
// compatibility. No state is committed for failed attempts.
func (r *ModelRouter) Chat(ctx context.Context, class TaskClass, req ChatRequest) (ChatResponse, string, error) {
	keys := r.chain(class, req.MaxModels)
	if len(keys) == 0 {
		return ChatResponse{}, "", &ErrValidation{Field: "modelChain", Message: "no chain configured for class " + string(class)}
	}

	var attempted []string
	for _, key := range keys {
		m, ok := r.model(key)
		if !ok {
			r.logger.Warn("chain references unregistered model", "class", class, "model", key)
			continue
		}
		if !m.breaker.allow() {
			r.logger.Debug("circuit open, skipping model", "class", class, "model", key)
			continue
		}
		attempted = append(attempted, key)

		call := req
		call.DisableParallelToolCalls = m.cfg.NoParallelToolCalls
		resp, err := m.cfg.Provider.Chat(ctx, call)
		m.breaker.record(err == nil)
		if err == nil {
			if r.onResult != nil {
				r.onResult(key, resp.Usage)
			}
			return resp, key, nil
		}
		if ctx.Err() != nil {
			return ChatResponse{}, "", ctx.Err()
		}
		r.logger.Warn("model call failed, falling back", "class", class, "model", key, "error", err)
	}

	if len(attempted) == 0 {
		// Every circuit was open. Report the whole chain so the operator
		// can see what was unavailable.
		attempted = keys
	}
	return ChatResponse{}, "", &ErrBudgetExhausted{Budget: "fallback-chain", Attempted: attempted}
}
