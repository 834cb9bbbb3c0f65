package openswe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// --- Scripted LLM provider ---

// scriptedProvider returns queued responses in order. A nil error with an
// empty queue fails the call, which doubles as a "model down" script.
type scriptedProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	errs      []error
	calls     []ChatRequest
}

func (p *scriptedProvider) Name() string {
	if p.name == "" {
		return "scripted"
	}
	return p.name
}

func (p *scriptedProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return ChatResponse{}, err
		}
	}
	if len(p.responses) == 0 {
		return ChatResponse{}, &ErrLLM{Provider: p.Name(), Message: "script exhausted"}
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// failingProvider always errors.
type failingProvider struct{ name string }

func (p *failingProvider) Name() string { return p.name }
func (p *failingProvider) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, &ErrLLM{Provider: p.name, Message: "forced failure"}
}

// structuredResponse builds a ChatResponse carrying one tool call with the
// given JSON args.
func structuredResponse(toolName, args string) ChatResponse {
	return ChatResponse{
		ToolCalls: []ToolCall{{ID: "call-1", Name: toolName, Args: []byte(args)}},
		Usage:     Usage{InputTokens: 10, OutputTokens: 5},
	}
}

// singleModelRouter wires one scripted provider as every chain.
func singleModelRouter(p Provider) *ModelRouter {
	r := NewModelRouter()
	r.AddModel(ModelConfig{Key: "test-model", Provider: p})
	for _, class := range []TaskClass{ClassRouter, ClassSummarizer, ClassPlanner, ClassProgrammer, ClassReviewer, ClassSafety} {
		r.SetChain(class, "test-model")
	}
	return r
}

// --- Fake source control ---

type fakeSourceControl struct {
	mu          sync.Mutex
	issues      map[int]*Issue
	comments    map[int][]IssueComment
	updatedBody map[int]string
	prs         []*PullRequest
	created     []*Issue
	nextIssue   int
	nextPR      int
	baseBranch  string
	refreshed   int
	pat         bool
}

func newFakeSourceControl() *fakeSourceControl {
	return &fakeSourceControl{
		issues:      make(map[int]*Issue),
		comments:    make(map[int][]IssueComment),
		updatedBody: make(map[int]string),
		nextIssue:   100,
		nextPR:      1,
		baseBranch:  "main",
	}
}

func (f *fakeSourceControl) GetIssue(_ context.Context, _ Repository, number int) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue %d not found", number)
	}
	cp := *issue
	return &cp, nil
}

func (f *fakeSourceControl) CreateIssue(_ context.Context, _ Repository, title, body string, labels []string) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIssue++
	issue := &Issue{Number: f.nextIssue, Title: title, Body: body, Labels: labels}
	f.issues[issue.Number] = issue
	f.created = append(f.created, issue)
	return issue, nil
}

func (f *fakeSourceControl) UpdateIssueBody(_ context.Context, _ Repository, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[number]; ok {
		issue.Body = body
	}
	f.updatedBody[number] = body
	return nil
}

func (f *fakeSourceControl) ListIssueComments(_ context.Context, _ Repository, number int) ([]IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]IssueComment(nil), f.comments[number]...), nil
}

func (f *fakeSourceControl) CreateIssueComment(_ context.Context, _ Repository, number int, body string) (*IssueComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := IssueComment{ID: int64(len(f.comments[number]) + 1), Author: "bot", Body: body, CreatedAt: time.Now()}
	f.comments[number] = append(f.comments[number], c)
	return &c, nil
}

func (f *fakeSourceControl) CreatePullRequest(_ context.Context, _ Repository, _, _, title, _ string, draft bool) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := &PullRequest{Number: f.nextPR, Title: title, Draft: draft, URL: fmt.Sprintf("https://example.test/pr/%d", f.nextPR)}
	f.nextPR++
	f.prs = append(f.prs, pr)
	return pr, nil
}

func (f *fakeSourceControl) ReplyToReviewComment(context.Context, Repository, int, int64, string) error {
	return nil
}

func (f *fakeSourceControl) CreateReviewReply(context.Context, Repository, int, int64, string) error {
	return nil
}

func (f *fakeSourceControl) DefaultBranch(context.Context, Repository) (string, error) {
	return f.baseBranch, nil
}

func (f *fakeSourceControl) CloneToken(context.Context) (string, error) { return "token", nil }

func (f *fakeSourceControl) RefreshAuth(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	return nil
}

func (f *fakeSourceControl) UsesPAT() bool { return f.pat }

// --- Fake executor and sandbox provider ---

// fakeExecutor keeps files in memory and answers Exec through an optional
// handler; without one every command succeeds with empty output.
type fakeExecutor struct {
	mu     sync.Mutex
	files  map[string][]byte
	execFn func(ExecRequest) (ExecResult, error)
	execs  []ExecRequest
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{files: make(map[string][]byte)}
}

func (e *fakeExecutor) Exec(_ context.Context, req ExecRequest) (ExecResult, error) {
	e.mu.Lock()
	e.execs = append(e.execs, req)
	fn := e.execFn
	e.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return ExecResult{ExitCode: 0}, nil
}

func (e *fakeExecutor) ReadFile(_ context.Context, path string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return append([]byte(nil), data...), nil
}

func (e *fakeExecutor) WriteFile(_ context.Context, path string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[path] = append([]byte(nil), data...)
	return nil
}

func (e *fakeExecutor) commandLines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.execs))
	for i, req := range e.execs {
		out[i] = strings.Join(req.Command, " ")
	}
	return out
}

// fakeSandboxProvider hands out sandboxes from an in-memory table.
type fakeSandboxProvider struct {
	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	executor  *fakeExecutor
	createErr []error // consumed per Create call
	created   int
	nextID    int
}

func newFakeSandboxProvider() *fakeSandboxProvider {
	return &fakeSandboxProvider{
		sandboxes: make(map[string]*Sandbox),
		executor:  newFakeExecutor(),
	}
}

func (p *fakeSandboxProvider) Get(_ context.Context, id string) (*Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, ErrSandboxNotFound
	}
	cp := *sb
	return &cp, nil
}

func (p *fakeSandboxProvider) Create(_ context.Context, _ CreateParams) (*Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	if len(p.createErr) > 0 {
		err := p.createErr[0]
		p.createErr = p.createErr[1:]
		if err != nil {
			return nil, err
		}
	}
	p.nextID++
	sb := &Sandbox{ID: fmt.Sprintf("sb-%d", p.nextID), State: SandboxStarted}
	p.sandboxes[sb.ID] = sb
	return sb, nil
}

func (p *fakeSandboxProvider) Start(_ context.Context, id string) (*Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.sandboxes[id]
	if !ok {
		return nil, ErrSandboxNotFound
	}
	sb.State = SandboxStarted
	cp := *sb
	return &cp, nil
}

func (p *fakeSandboxProvider) Stop(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sb, ok := p.sandboxes[id]; ok {
		sb.State = SandboxStopped
	}
	return nil
}

func (p *fakeSandboxProvider) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sandboxes, id)
	return nil
}

func (p *fakeSandboxProvider) Executor(string) Executor { return p.executor }

// --- Assembled test environment ---

type testEnv struct {
	runtime  *Runtime
	store    *MemoryThreadStore
	provider *scriptedProvider
	source   *fakeSourceControl
	sandbox  *fakeSandboxProvider
	services *Services
}

// newTestEnv wires a runtime over in-memory fakes. The returned env's
// provider starts with an empty script; tests queue responses as needed.
func newTestEnv(cfg Config) *testEnv {
	provider := &scriptedProvider{}
	source := newFakeSourceControl()
	sandbox := newFakeSandboxProvider()
	store := NewMemoryThreadStore()
	router := singleModelRouter(provider)

	runtime := NewRuntime(store)
	registry := NewToolRegistry()
	RegisterCoreTools(registry)
	svc := &Services{
		Router:        router,
		SourceControl: source,
		Coordinator:   NewCoordinator(sandbox, source, cfg),
		Tools:         registry,
		Safety:        NewSafetyGate(router),
		Tokens:        NewTokenCounter(),
		Config:        cfg,
	}
	runtime.SetServices(svc)
	for _, build := range []func() (*CompiledGraph, error){
		NewManagerGraph, NewPlannerGraph, NewProgrammerGraph, NewReviewerGraph,
	} {
		g, err := build()
		if err != nil {
			panic(err)
		}
		runtime.RegisterGraph(g)
	}
	return &testEnv{
		runtime:  runtime,
		store:    store,
		provider: provider,
		source:   source,
		sandbox:  sandbox,
		services: svc,
	}
}

// runConfig builds a node-level RunConfig for invoking node functions
// directly in tests.
func (e *testEnv) runConfig() *RunConfig {
	return &RunConfig{
		ThreadID: "test-thread",
		RunID:    "test-run",
		GraphID:  "test",
		Services: e.services,
		Logger:   nopLogger,
	}
}

// resumedConfig is a runConfig primed so the next Interrupt call yields raw.
func (e *testEnv) resumedConfig(raw string) *RunConfig {
	cfg := e.runConfig()
	cfg.resumeValue = []byte(raw)
	cfg.hasResume = true
	return cfg
}

// planWithItems builds a TaskPlan holding one active task with the given
// items, completing the first n.
func planWithItems(completed int, items ...string) TaskPlan {
	var plan TaskPlan
	plan.CreateTask("request", "title", items, "")
	task := &plan.Tasks[0]
	for i := 0; i < completed && i < len(items); i++ {
		plan.CompletePlanItem(task.ID, i, fmt.Sprintf("done %d", i))
	}
	return plan
}
