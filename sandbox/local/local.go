// Package local implements openswe.SandboxProvider on the host machine.
// Each sandbox is a plain workspace directory and commands run as local
// subprocesses. Intended for local mode and tests; there is no isolation.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	openswe "github.com/openswe/openswe"
)

// defaultExecTimeout bounds a single command when the request carries none.
const defaultExecTimeout = 2 * time.Minute

// maxOutputBytes caps captured stdout/stderr per command.
const maxOutputBytes = 512 * 1024

// Provider implements openswe.SandboxProvider with per-sandbox workspace
// directories under a root. All exported methods are safe for concurrent use.
type Provider struct {
	root   string
	logger *slog.Logger

	mu        sync.Mutex
	sandboxes map[string]*entry
}

type entry struct {
	dir        string
	state      openswe.SandboxState
	lastAccess time.Time
}

var _ openswe.SandboxProvider = (*Provider)(nil)

// ProviderOption configures a local Provider.
type ProviderOption func(*Provider)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// NewProvider creates a provider whose sandboxes live under root.
// An empty root defaults to a directory under os.TempDir().
func NewProvider(root string, opts ...ProviderOption) *Provider {
	if root == "" {
		root = filepath.Join(os.TempDir(), "openswe-sandboxes")
	}
	p := &Provider{
		root:      root,
		logger:    slog.New(discardHandler{}),
		sandboxes: make(map[string]*entry),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Get returns the sandbox, or openswe.ErrSandboxNotFound.
func (p *Provider) Get(_ context.Context, id string) (*openswe.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sandboxes[id]
	if !ok {
		return nil, openswe.ErrSandboxNotFound
	}
	e.lastAccess = time.Now()
	return &openswe.Sandbox{ID: id, State: e.state, WorkingDir: e.dir}, nil
}

// Create allocates a workspace directory and returns a started sandbox.
func (p *Provider) Create(_ context.Context, _ openswe.CreateParams) (*openswe.Sandbox, error) {
	id := uuid.NewString()
	dir := filepath.Join(p.root, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local: create workspace: %w", err)
	}

	p.mu.Lock()
	p.sandboxes[id] = &entry{dir: dir, state: openswe.SandboxStarted, lastAccess: time.Now()}
	p.mu.Unlock()

	p.logger.Debug("local: sandbox created", "id", id, "dir", dir)
	return &openswe.Sandbox{ID: id, State: openswe.SandboxStarted, WorkingDir: dir}, nil
}

// Start marks a stopped sandbox as started. The directory is kept across
// stop/start, so there is nothing else to do.
func (p *Provider) Start(_ context.Context, id string) (*openswe.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sandboxes[id]
	if !ok {
		return nil, openswe.ErrSandboxNotFound
	}
	e.state = openswe.SandboxStarted
	e.lastAccess = time.Now()
	return &openswe.Sandbox{ID: id, State: e.state, WorkingDir: e.dir}, nil
}

// Stop marks the sandbox as stopped. Stopping a stopped sandbox is a no-op.
func (p *Provider) Stop(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sandboxes[id]
	if !ok {
		return openswe.ErrSandboxNotFound
	}
	if e.state == openswe.SandboxStarted || e.state == openswe.SandboxStarting {
		e.state = openswe.SandboxStopped
	}
	return nil
}

// Delete removes the sandbox and its workspace directory.
// Deleting an unknown id is a no-op.
func (p *Provider) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.sandboxes[id]
	if ok {
		delete(p.sandboxes, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(e.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("local: remove workspace: %w", err)
	}
	return nil
}

// Executor returns a subprocess runner rooted at the sandbox workspace.
// The local-mock id yields an executor with no base directory, so commands
// run wherever their request says.
func (p *Provider) Executor(id string) openswe.Executor {
	var base string
	p.mu.Lock()
	if e, ok := p.sandboxes[id]; ok {
		base = e.dir
		e.lastAccess = time.Now()
	}
	p.mu.Unlock()
	return &Executor{base: base}
}

// --- Executor ---

// Executor runs commands as local subprocesses.
type Executor struct {
	base string
}

var _ openswe.Executor = (*Executor)(nil)

// NewExecutor returns an executor rooted at base. An empty base leaves the
// working directory to each request.
func NewExecutor(base string) *Executor { return &Executor{base: base} }

// nonInteractiveEnv keeps subprocesses from blocking on prompts or pagers.
// Appended before the request env, so requests can still override any entry.
var nonInteractiveEnv = []string{
	"DEBIAN_FRONTEND=noninteractive",
	"GIT_TERMINAL_PROMPT=0",
	"GIT_PAGER=cat",
	"PAGER=cat",
	"CI=true",
}

// resolveArgv substitutes sh for bash when bash is not on PATH. Minimal host
// images often ship only a POSIX shell; the shell tool always asks for bash.
func resolveArgv(argv []string, look func(string) (string, error)) []string {
	if len(argv) == 0 || argv[0] != "bash" {
		return argv
	}
	if _, err := look("bash"); err == nil {
		return argv
	}
	out := make([]string, len(argv))
	copy(out, argv)
	out[0] = "sh"
	return out
}

// Exec runs one command, capping captured output and honoring the request
// timeout. A non-zero exit is reported in the result, not as an error.
func (e *Executor) Exec(ctx context.Context, req openswe.ExecRequest) (openswe.ExecResult, error) {
	if len(req.Command) == 0 {
		return openswe.ExecResult{}, fmt.Errorf("local: empty command")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := resolveArgv(req.Command, exec.LookPath)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.resolveDir(req.Cwd)
	cmd.Env = append(os.Environ(), nonInteractiveEnv...)
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr limitedWriter
	stdout.limit = maxOutputBytes
	stderr.limit = maxOutputBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := openswe.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		res.TimedOut = true
		return res, nil
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("local: run %q: %w", argv[0], err)
	}
	return res, nil
}

// ReadFile reads a file; relative paths resolve against the sandbox base.
func (e *Executor) ReadFile(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(e.resolvePath(path))
}

// WriteFile writes a file, creating parent directories as needed.
func (e *Executor) WriteFile(_ context.Context, path string, data []byte) error {
	full := e.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("local: mkdir for %q: %w", path, err)
	}
	return os.WriteFile(full, data, 0o640)
}

func (e *Executor) resolveDir(cwd string) string {
	if cwd == "" {
		return e.base
	}
	if filepath.IsAbs(cwd) || e.base == "" {
		return cwd
	}
	return filepath.Join(e.base, cwd)
}

func (e *Executor) resolvePath(path string) string {
	if filepath.IsAbs(path) || e.base == "" {
		return path
	}
	return filepath.Join(e.base, path)
}

// limitedWriter captures up to limit bytes and discards the rest.
type limitedWriter struct {
	buf   strings.Builder
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < w.limit {
		remaining := w.limit - w.buf.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		w.buf.Write(p)
	}
	return len(p), nil
}

func (w *limitedWriter) String() string { return w.buf.String() }
