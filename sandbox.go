package openswe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// --- Sandbox model ---

// SandboxState is the lifecycle state of an execution environment.
type SandboxState string

const (
	SandboxStarting SandboxState = "starting"
	SandboxStarted  SandboxState = "started"
	SandboxStopped  SandboxState = "stopped"
	SandboxArchived SandboxState = "archived"
	SandboxError    SandboxState = "error"
)

// Sandbox is one isolated execution environment.
type Sandbox struct {
	ID         string       `json:"id"`
	State      SandboxState `json:"state"`
	WorkingDir string       `json:"working_dir"`
	Branch     string       `json:"branch,omitempty"`
}

// LocalMockSandboxID is the id of the placeholder sandbox used in local mode.
const LocalMockSandboxID = "local-mock"

// defaultIdleDelete is how long an untouched sandbox lives before the
// provider reclaims it.
const defaultIdleDelete = 15 * time.Minute

// sandboxCreateRetries bounds creation attempts during recreate.
const sandboxCreateRetries = 3

// CreateParams configures sandbox creation.
type CreateParams struct {
	Snapshot           string
	AutoDeleteInterval time.Duration
	Labels             map[string]string
}

// ErrSandboxNotFound reports an unknown or reclaimed sandbox id.
var ErrSandboxNotFound = errors.New("sandbox not found")

// SandboxProvider manages execution environments. Implementations live in
// sandbox/docker and sandbox/local.
type SandboxProvider interface {
	Get(ctx context.Context, id string) (*Sandbox, error)
	Create(ctx context.Context, params CreateParams) (*Sandbox, error)
	Start(ctx context.Context, id string) (*Sandbox, error)
	// Stop transitions started -> stopped; stopping a stopped or archived
	// sandbox is a no-op.
	Stop(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// Executor returns a command runner bound to the sandbox.
	Executor(id string) Executor
}

// --- Coordinator ---

// Acquired is what Acquire hands back: a usable sandbox plus, when it was
// freshly created, the codebase tree snapshot and the reset
// dependencies-installed flag.
type Acquired struct {
	Sandbox               *Sandbox
	CodebaseTree          string
	DependenciesInstalled *bool
	FreshlyCreated        bool
}

// Coordinator provides ready-to-use sandboxes for a (repository, branch)
// pair, reusing an existing session when possible and recreating otherwise.
type Coordinator struct {
	provider      SandboxProvider
	sourceControl SourceControl
	cfg           Config
	logger        *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// CoordinatorLogger sets the structured logger.
func CoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator over the given provider.
func NewCoordinator(provider SandboxProvider, sc SourceControl, cfg Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{provider: provider, sourceControl: sc, cfg: cfg, logger: nopLogger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RepoPath returns the canonical absolute checkout path for a repository
// inside a sandbox.
func RepoPath(repo Repository) string {
	return "/workspace/" + repo.Name
}

// Acquire returns a usable sandbox for the repository and branch. An existing
// session is reused when still alive: started sandboxes are returned as-is
// and stopped or archived ones are started. Anything else falls through to
// recreate: create (up to 3 attempts), clone, bootstrap the branch, and
// snapshot the codebase tree. Acquire is idempotent per session id.
func (c *Coordinator) Acquire(ctx context.Context, sessionID string, repo Repository, branch string) (*Acquired, error) {
	if c.cfg.LocalMode {
		return &Acquired{Sandbox: &Sandbox{ID: LocalMockSandboxID, State: SandboxStarted}}, nil
	}

	if sessionID != "" {
		sb, err := c.provider.Get(ctx, sessionID)
		switch {
		case err != nil:
			c.logger.Warn("sandbox lookup failed, recreating", "sandbox", sessionID, "error", err)
		case sb.State == SandboxStarted:
			return &Acquired{Sandbox: sb}, nil
		case sb.State == SandboxStopped || sb.State == SandboxArchived:
			started, err := c.provider.Start(ctx, sb.ID)
			if err == nil {
				return &Acquired{Sandbox: started}, nil
			}
			c.logger.Warn("sandbox restart failed, recreating", "sandbox", sb.ID, "error", err)
		default:
			c.logger.Info("sandbox unusable, recreating", "sandbox", sb.ID, "state", sb.State)
		}
	}
	return c.recreate(ctx, repo, branch)
}

func (c *Coordinator) recreate(ctx context.Context, repo Repository, branch string) (*Acquired, error) {
	idle := c.cfg.SandboxIdleDelete
	if idle <= 0 {
		idle = defaultIdleDelete
	}
	params := CreateParams{
		Snapshot:           c.cfg.SandboxSnapshotName,
		AutoDeleteInterval: idle,
		Labels:             map[string]string{"repo": repo.Slug()},
	}

	var sb *Sandbox
	var err error
	for attempt := 1; attempt <= sandboxCreateRetries; attempt++ {
		sb, err = c.provider.Create(ctx, params)
		if err == nil {
			break
		}
		c.logger.Warn("sandbox create failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, &ErrExternal{System: "sandbox", Op: "create", Err: err}
	}

	exec := c.provider.Executor(sb.ID)
	if err := c.checkout(ctx, exec, repo, branch); err != nil {
		return nil, err
	}
	tree, err := SnapshotTree(ctx, exec, RepoPath(repo))
	if err != nil {
		c.logger.Warn("tree snapshot failed", "sandbox", sb.ID, "error", err)
	}

	sb.WorkingDir = RepoPath(repo)
	sb.Branch = branch
	installed := false
	return &Acquired{
		Sandbox:               sb,
		CodebaseTree:          tree,
		DependenciesInstalled: &installed,
		FreshlyCreated:        true,
	}, nil
}

// checkout clones the repository and ensures the working branch exists both
// locally and on the remote. A branch already on the remote is checked out;
// otherwise it is created from the base and published with an initial empty
// commit so the remote ref exists for the eventual pull request.
func (c *Coordinator) checkout(ctx context.Context, exec Executor, repo Repository, branch string) error {
	git := NewGitOps(exec, c.sourceControl, c.cfg)
	if err := git.Clone(ctx, repo); err != nil {
		return err
	}
	if branch == "" {
		return nil
	}
	return git.EnsureBranch(ctx, repo, branch)
}

// Stop safely stops the sandbox; unknown ids and already-stopped sandboxes
// are a no-op.
func (c *Coordinator) Stop(ctx context.Context, sessionID string) error {
	if c.cfg.LocalMode || sessionID == "" || sessionID == LocalMockSandboxID {
		return nil
	}
	sb, err := c.provider.Get(ctx, sessionID)
	if errors.Is(err, ErrSandboxNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sb.State != SandboxStarted && sb.State != SandboxStarting {
		return nil
	}
	return c.provider.Stop(ctx, sessionID)
}

// Executor returns the command runner for a session.
func (c *Coordinator) Executor(sessionID string) Executor {
	return c.provider.Executor(sessionID)
}

// SnapshotTree renders a depth-limited directory listing of the checkout,
// used as LLM context. Hidden directories and dependency caches are pruned.
func SnapshotTree(ctx context.Context, exec Executor, root string) (string, error) {
	res, err := exec.Exec(ctx, ExecRequest{
		Command: []string{"sh", "-c",
			fmt.Sprintf("cd %s && find . -maxdepth 3 -not -path '*/.git/*' -not -path '*/node_modules/*' -not -path '*/.venv/*' | sort", shellQuote(root))},
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &ErrExternal{System: "sandbox", Op: "tree", Err: fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
