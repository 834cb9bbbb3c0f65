package openswe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

// maxParallelDispatch caps the number of concurrent tool call goroutines
// when the model emits several calls in one turn.
const maxParallelDispatch = 10

// --- Tool registry ---

// ToolStatus is the outcome class of a tool execution.
type ToolStatus string

const (
	ToolSuccess ToolStatus = "success"
	ToolError   ToolStatus = "error"
)

// ToolResult is what a tool executor returns. Content is propagated to the
// model as a tool message; Update, when set, is folded into thread state by
// the executing node.
type ToolResult struct {
	Content string
	Status  ToolStatus
	Update  *StateUpdate
}

// Tool is one registered capability: schema for the model, executor for the
// loop. Executors receive the state snapshot read-only; mutations travel back
// through ToolResult.Update.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Exec        func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error)
}

// ToolRegistry holds tools keyed by name, preserving registration order for
// stable Definitions output.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Re-registering a name replaces the tool in place.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the named tool.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the tool specs for binding to a model call, restricted
// to names when given.
func (r *ToolRegistry) Definitions(names ...string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.order
	if len(names) > 0 {
		keys = names
	}
	defs := make([]ToolDefinition, 0, len(keys))
	for _, name := range keys {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Schema})
		}
	}
	return defs
}

// --- Execution ---

// ToolOutcome pairs one call with its result, in call order.
type ToolOutcome struct {
	Call     ToolCall
	Result   ToolResult
	Duration time.Duration
}

// Execute runs one call with the per-call timeout from config. Executor
// failures and unknown tools become error results, never node errors, so the
// model can recover autonomously. Panics in executors are contained the same
// way.
func (r *ToolRegistry) Execute(ctx context.Context, tc ToolCall, state ThreadState, cfg *RunConfig) ToolResult {
	t, ok := r.Get(tc.Name)
	if !ok {
		return ToolResult{Content: "error: unknown tool " + tc.Name, Status: ToolError}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Services.Config.toolTimeout())
	defer cancel()

	result, err := safeExec(ctx, t, tc.Args, state, cfg)
	if err != nil {
		return ToolResult{Content: "error: " + err.Error(), Status: ToolError}
	}
	if result.Status == "" {
		result.Status = ToolSuccess
	}
	return result
}

func safeExec(ctx context.Context, t Tool, args json.RawMessage, state ThreadState, cfg *RunConfig) (result ToolResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &ErrToolExecution{Tool: t.Name, Message: fmt.Sprintf("panic: %v", rec)}
		}
	}()
	return t.Exec(ctx, args, state, cfg)
}

// ExecuteAll dispatches the calls and returns outcomes in call order. A
// single call runs inline; multiple calls use a fixed worker pool of
// min(len(calls), maxParallelDispatch) goroutines pulling from a shared work
// channel. Cancellation mid-flight yields error outcomes for the calls whose
// results never arrived.
func (r *ToolRegistry) ExecuteAll(ctx context.Context, calls []ToolCall, state ThreadState, cfg *RunConfig) []ToolOutcome {
	if len(calls) == 0 {
		return nil
	}
	if len(calls) == 1 {
		start := time.Now()
		res := r.Execute(ctx, calls[0], state, cfg)
		return []ToolOutcome{{Call: calls[0], Result: res, Duration: time.Since(start)}}
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	type indexed struct {
		idx     int
		outcome ToolOutcome
	}

	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	resultCh := make(chan indexed, len(calls))
	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexed{w.idx, ToolOutcome{Call: w.tc, Result: ToolResult{Content: "error: " + ctx.Err().Error(), Status: ToolError}}}
					continue
				}
				start := time.Now()
				res := r.Execute(ctx, w.tc, state, cfg)
				resultCh <- indexed{w.idx, ToolOutcome{Call: w.tc, Result: res, Duration: time.Since(start)}}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	outcomes := make([]ToolOutcome, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			outcomes[r.idx] = r.outcome
			seen[r.idx] = true
		case <-ctx.Done():
			break collect
		}
	}
	for i := range outcomes {
		if !seen[i] {
			outcomes[i] = ToolOutcome{Call: calls[i], Result: ToolResult{Content: "error: result not received", Status: ToolError}}
		}
	}
	return outcomes
}

// --- Schemas ---

// SchemaFor reflects a JSON Schema from a struct type for tool parameter
// declarations. Definitions are inlined so every provider accepts the result.
func SchemaFor[T any]() json.RawMessage {
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	var v T
	schema := reflector.Reflect(&v)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return raw
}

// RegisterCoreTools installs the standard tool set every agent graph binds
// from: shell and dependency installation, search, file reading and editing,
// document fetch, note taking, and plan management.
func RegisterCoreTools(r *ToolRegistry) {
	r.Register(ShellTool())
	r.Register(InstallDependenciesTool())
	r.Register(GrepTool())
	r.Register(ViewTool())
	r.Register(StrReplaceEditTool())
	r.Register(ApplyPatchTool())
	r.Register(GetURLContentTool())
	r.Register(SearchDocumentTool())
	r.Register(ScratchpadTool())
	r.Register(WriteTechnicalNotesTool())
	r.Register(SessionPlanTool())
	r.Register(UpdatePlanTool())
	r.Register(MarkTaskCompletedTool())
	r.Register(MarkTaskNotCompletedTool())
	r.Register(RequestHumanHelpTool())
	r.Register(OpenPRTool())
	r.Register(WriteDefaultTSConfigTool())
}

// RegisterReviewTools installs the comment-reply tools. They are registered
// only for runs triggered by a pull-request review, so the model cannot post
// replies out of context.
func RegisterReviewTools(r *ToolRegistry) {
	r.Register(ReplyToCommentTool())
	r.Register(ReplyToReviewCommentTool())
	r.Register(ReplyToReviewTool())
}

// ValidateStructuredCall checks that the response contains exactly one call
// to the named tool and unmarshals its arguments into out. A schema mismatch
// is a ToolExecutionError, not a crash.
func ValidateStructuredCall(resp ChatResponse, name string, out any) error {
	for _, tc := range resp.ToolCalls {
		if tc.Name != name {
			continue
		}
		if err := json.Unmarshal(tc.Args, out); err != nil {
			return &ErrToolExecution{Tool: name, Message: "malformed structured output: " + err.Error()}
		}
		return nil
	}
	return &ErrToolExecution{Tool: name, Message: "expected structured call missing from response"}
}
