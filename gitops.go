package openswe

import (
	"context"
	"fmt"
	"strings"
)

// defaultExcludePatterns are never committed even when the checkout's own
// ignore rules miss them.
var defaultExcludePatterns = []string{
	".env",
	".env.*",
	"*.pem",
	"*.key",
	"node_modules/",
	"__pycache__/",
	".DS_Store",
}

// pushRetries bounds push attempts before and after the rebase recovery.
const pushRetries = 3

// GitOps drives git inside an execution environment through its Executor,
// authenticating clones and pushes with a host token.
type GitOps struct {
	exec Executor
	sc   SourceControl
	cfg  Config
}

// NewGitOps creates a GitOps bound to one executor.
func NewGitOps(exec Executor, sc SourceControl, cfg Config) *GitOps {
	return &GitOps{exec: exec, sc: sc, cfg: cfg}
}

// botIdentity returns the synthetic committer name and email.
func (g *GitOps) botIdentity() (name, email string) {
	app := g.cfg.AppName
	if app == "" {
		app = "open-swe"
	}
	return app + "[bot]", app + "@users.noreply.github.com"
}

// commitMessage is the fixed bot commit message, CI-skipped per config.
func (g *GitOps) commitMessage() string {
	if g.cfg.SkipCI {
		return "Apply patch [skip ci]"
	}
	return "Apply patch"
}

func (g *GitOps) run(ctx context.Context, cwd string, args ...string) (ExecResult, error) {
	return g.exec.Exec(ctx, ExecRequest{Command: append([]string{"git"}, args...), Cwd: cwd})
}

func (g *GitOps) runOK(ctx context.Context, cwd string, args ...string) error {
	res, err := g.run(ctx, cwd, args...)
	if err != nil {
		return &ErrExternal{System: "git", Op: args[0], Err: err}
	}
	if res.ExitCode != 0 {
		return &ErrExternal{System: "git", Op: args[0], Err: fmt.Errorf("exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))}
	}
	return nil
}

// remoteURL builds the authenticated HTTPS remote for the repository.
func (g *GitOps) remoteURL(ctx context.Context, repo Repository) (string, error) {
	token, err := g.sc.CloneToken(ctx)
	if err != nil {
		return "", &ErrExternal{System: "github", Op: "clone token", Err: err}
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", token, repo.Slug()), nil
}

// Clone checks the repository out into its canonical path. An existing
// checkout is left in place.
func (g *GitOps) Clone(ctx context.Context, repo Repository) error {
	path := RepoPath(repo)
	res, err := g.run(ctx, "", "-C", path, "rev-parse", "--git-dir")
	if err == nil && res.ExitCode == 0 {
		return nil
	}
	url, err := g.remoteURL(ctx, repo)
	if err != nil {
		return err
	}
	if err := g.runOK(ctx, "", "clone", url, path); err != nil {
		return err
	}
	name, email := g.botIdentity()
	if err := g.runOK(ctx, path, "config", "user.name", name); err != nil {
		return err
	}
	return g.runOK(ctx, path, "config", "user.email", email)
}

// EnsureBranch makes branch the checked-out branch with a matching remote
// ref. If the branch exists on the remote it is checked out tracking it;
// otherwise it is created from the base branch and published with an initial
// empty commit so the remote ref exists.
func (g *GitOps) EnsureBranch(ctx context.Context, repo Repository, branch string) error {
	path := RepoPath(repo)
	res, err := g.run(ctx, path, "ls-remote", "--exit-code", "--heads", "origin", branch)
	if err != nil {
		return &ErrExternal{System: "git", Op: "ls-remote", Err: err}
	}
	if res.ExitCode == 0 {
		if err := g.runOK(ctx, path, "fetch", "origin", branch); err != nil {
			return err
		}
		return g.runOK(ctx, path, "checkout", branch)
	}

	base := repo.BaseBranch
	if base == "" {
		base, err = g.sc.DefaultBranch(ctx, repo)
		if err != nil {
			return &ErrExternal{System: "github", Op: "default branch", Err: err}
		}
	}
	if err := g.runOK(ctx, path, "checkout", base); err != nil {
		return err
	}
	if err := g.runOK(ctx, path, "checkout", "-b", branch); err != nil {
		return err
	}
	if err := g.runOK(ctx, path, "commit", "--allow-empty", "-m", g.commitMessage()); err != nil {
		return err
	}
	return g.Push(ctx, repo, branch, true)
}

// CommitAll stages everything except the default exclude patterns (ignore
// rules in the checkout still apply) and commits as the bot identity.
// Returns false when there was nothing to commit.
func (g *GitOps) CommitAll(ctx context.Context, repo Repository) (bool, error) {
	path := RepoPath(repo)
	if err := g.runOK(ctx, path, "add", "-A"); err != nil {
		return false, err
	}
	for _, pattern := range defaultExcludePatterns {
		// Best effort; the pattern may match nothing.
		_, _ = g.run(ctx, path, "reset", "-q", "--", pattern)
	}
	res, err := g.run(ctx, path, "diff", "--cached", "--quiet")
	if err != nil {
		return false, &ErrExternal{System: "git", Op: "diff", Err: err}
	}
	if res.ExitCode == 0 {
		return false, nil
	}
	if err := g.runOK(ctx, path, "commit", "-m", g.commitMessage()); err != nil {
		return false, err
	}
	return true, nil
}

// Push publishes the branch, retrying up to three times. When the retries
// are exhausted it rebases onto the remote and tries once more.
func (g *GitOps) Push(ctx context.Context, repo Repository, branch string, setUpstream bool) error {
	path := RepoPath(repo)
	args := []string{"push", "origin", branch}
	if setUpstream {
		args = []string{"push", "-u", "origin", branch}
	}

	var lastErr error
	for attempt := 1; attempt <= pushRetries; attempt++ {
		lastErr = g.runOK(ctx, path, args...)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if err := g.runOK(ctx, path, "pull", "--rebase", "origin", branch); err != nil {
		return lastErr
	}
	return g.runOK(ctx, path, args...)
}

// OpenDraftPR opens the work-in-progress pull request for a task's first
// commit and returns it. Title format: "[WIP]: <task title>".
func (g *GitOps) OpenDraftPR(ctx context.Context, repo Repository, branch, taskTitle, body string) (*PullRequest, error) {
	base := repo.BaseBranch
	if base == "" {
		var err error
		base, err = g.sc.DefaultBranch(ctx, repo)
		if err != nil {
			return nil, &ErrExternal{System: "github", Op: "default branch", Err: err}
		}
	}
	pr, err := g.sc.CreatePullRequest(ctx, repo, branch, base, "[WIP]: "+taskTitle, body, true)
	if err != nil {
		return nil, &ErrExternal{System: "github", Op: "create pull request", Err: err}
	}
	return pr, nil
}
