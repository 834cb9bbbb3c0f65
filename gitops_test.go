package openswe

import (
	"context"
	"strings"
	"testing"
)

func newTestGitOps(execFn func(ExecRequest) (ExecResult, error)) (*GitOps, *fakeExecutor, *fakeSourceControl) {
	exec := newFakeExecutor()
	exec.execFn = execFn
	sc := newFakeSourceControl()
	return NewGitOps(exec, sc, Config{}), exec, sc
}

// gitScript answers git subcommands by name, defaulting to success.
func gitScript(byOp map[string]ExecResult) func(ExecRequest) (ExecResult, error) {
	return func(req ExecRequest) (ExecResult, error) {
		for op, res := range byOp {
			for _, arg := range req.Command {
				if arg == op {
					return res, nil
				}
			}
		}
		return ExecResult{ExitCode: 0}, nil
	}
}

func TestCloneSkipsExistingCheckout(t *testing.T) {
	git, exec, _ := newTestGitOps(nil) // rev-parse succeeds, checkout exists
	repo := Repository{Owner: "acme", Name: "widgets"}

	if err := git.Clone(context.Background(), repo); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	for _, line := range exec.commandLines() {
		if strings.Contains(line, "clone") {
			t.Errorf("cloned over an existing checkout: %v", exec.commandLines())
		}
	}
}

func TestCloneConfiguresBotIdentity(t *testing.T) {
	git, exec, _ := newTestGitOps(gitScript(map[string]ExecResult{
		"rev-parse": {ExitCode: 128},
	}))
	repo := Repository{Owner: "acme", Name: "widgets"}

	if err := git.Clone(context.Background(), repo); err != nil {
		t.Fatalf("Clone: %v", err)
	}
	lines := exec.commandLines()
	var sawClone, sawName, sawEmail bool
	for _, line := range lines {
		if strings.Contains(line, "clone") && strings.Contains(line, "x-access-token:token@github.com/acme/widgets") {
			sawClone = true
		}
		if strings.Contains(line, "user.name open-swe[bot]") {
			sawName = true
		}
		if strings.Contains(line, "user.email open-swe@users.noreply.github.com") {
			sawEmail = true
		}
	}
	if !sawClone || !sawName || !sawEmail {
		t.Errorf("commands = %v", lines)
	}
}

func TestEnsureBranchTracksExistingRemote(t *testing.T) {
	git, exec, _ := newTestGitOps(nil) // ls-remote exit 0: branch exists
	repo := Repository{Owner: "acme", Name: "widgets"}

	if err := git.EnsureBranch(context.Background(), repo, "open-swe/issue-1-ab"); err != nil {
		t.Fatalf("EnsureBranch: %v", err)
	}
	lines := strings.Join(exec.commandLines(), "\n")
	if !strings.Contains(lines, "fetch origin open-swe/issue-1-ab") || !strings.Contains(lines, "checkout open-swe/issue-1-ab") {
		t.Errorf("commands:\n%s", lines)
	}
	if strings.Contains(lines, "checkout -b") {
		t.Errorf("created a branch that already exists:\n%s", lines)
	}
}

func TestEnsureBranchCreatesAndPublishes(t *testing.T) {
	git, exec, _ := newTestGitOps(gitScript(map[string]ExecResult{
		"ls-remote": {ExitCode: 2}, // branch not on the remote
	}))
	repo := Repository{Owner: "acme", Name: "widgets"}

	if err := git.EnsureBranch(context.Background(), repo, "open-swe/issue-1-ab"); err != nil {
		t.Fatalf("EnsureBranch: %v", err)
	}
	lines := strings.Join(exec.commandLines(), "\n")
	// Branch is cut from the default branch and published with an empty commit
	// so the remote ref exists before any work lands.
	for _, want := range []string{
		"checkout main",
		"checkout -b open-swe/issue-1-ab",
		"commit --allow-empty -m Apply patch",
		"push -u origin open-swe/issue-1-ab",
	} {
		if !strings.Contains(lines, want) {
			t.Errorf("missing %q in:\n%s", want, lines)
		}
	}
}

func TestCommitAllNothingStaged(t *testing.T) {
	git, _, _ := newTestGitOps(nil) // diff --cached exits 0: staging area clean
	repo := Repository{Owner: "acme", Name: "widgets"}

	committed, err := git.CommitAll(context.Background(), repo)
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if committed {
		t.Error("reported a commit with nothing staged")
	}
}

func TestCommitAllExcludesSecretPatterns(t *testing.T) {
	git, exec, _ := newTestGitOps(gitScript(map[string]ExecResult{
		"diff": {ExitCode: 1}, // staged changes present
	}))
	repo := Repository{Owner: "acme", Name: "widgets"}

	committed, err := git.CommitAll(context.Background(), repo)
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if !committed {
		t.Fatal("commit not made")
	}
	lines := strings.Join(exec.commandLines(), "\n")
	if !strings.Contains(lines, "reset -q -- .env") || !strings.Contains(lines, "reset -q -- *.pem") {
		t.Errorf("secret patterns not unstaged:\n%s", lines)
	}
	if !strings.Contains(lines, "commit -m Apply patch") {
		t.Errorf("commit missing:\n%s", lines)
	}
}

func TestCommitMessageSkipsCI(t *testing.T) {
	git := NewGitOps(newFakeExecutor(), newFakeSourceControl(), Config{SkipCI: true})
	if got := git.commitMessage(); got != "Apply patch [skip ci]" {
		t.Errorf("commitMessage = %q", got)
	}
}

func TestPushRebasesAfterExhaustedRetries(t *testing.T) {
	pushes := 0
	git, exec, _ := newTestGitOps(func(req ExecRequest) (ExecResult, error) {
		for _, arg := range req.Command {
			if arg == "push" {
				pushes++
				if pushes <= pushRetries {
					return ExecResult{ExitCode: 1, Stderr: "remote rejected"}, nil
				}
			}
		}
		return ExecResult{ExitCode: 0}, nil
	})
	repo := Repository{Owner: "acme", Name: "widgets"}

	if err := git.Push(context.Background(), repo, "work", false); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if pushes != pushRetries+1 {
		t.Errorf("push attempts = %d, want %d", pushes, pushRetries+1)
	}
	if !strings.Contains(strings.Join(exec.commandLines(), "\n"), "pull --rebase origin work") {
		t.Errorf("no rebase before the final push: %v", exec.commandLines())
	}
}

func TestOpenDraftPRTitleAndBase(t *testing.T) {
	git, _, sc := newTestGitOps(nil)
	repo := Repository{Owner: "acme", Name: "widgets"}

	pr, err := git.OpenDraftPR(context.Background(), repo, "work", "Fix pager", "details")
	if err != nil {
		t.Fatalf("OpenDraftPR: %v", err)
	}
	if !pr.Draft || pr.Title != "[WIP]: Fix pager" {
		t.Errorf("pr = %+v", pr)
	}
	if len(sc.prs) != 1 {
		t.Errorf("created PRs = %d", len(sc.prs))
	}
}
