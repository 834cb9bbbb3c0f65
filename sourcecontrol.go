package openswe

import (
	"context"
	"time"
)

// --- Source-control host types ---

// Issue is the narrow view of a host issue the orchestrator consumes.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Labels    []string  `json:"labels,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IssueComment is one comment on an issue or pull request.
type IssueComment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequest is the narrow view of a host pull request.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Draft  bool   `json:"draft"`
	URL    string `json:"url,omitempty"`
}

// --- Source-control interface ---

// SourceControl is the narrow host API the orchestrator consumes: issues,
// comments, pull requests, and auth material for git over HTTPS.
// Implementations retry auth-expired errors at most twice with a token
// refresh in between (see the github subpackage).
type SourceControl interface {
	GetIssue(ctx context.Context, repo Repository, number int) (*Issue, error)
	CreateIssue(ctx context.Context, repo Repository, title, body string, labels []string) (*Issue, error)
	UpdateIssueBody(ctx context.Context, repo Repository, number int, body string) error
	ListIssueComments(ctx context.Context, repo Repository, number int) ([]IssueComment, error)
	CreateIssueComment(ctx context.Context, repo Repository, number int, body string) (*IssueComment, error)

	CreatePullRequest(ctx context.Context, repo Repository, head, base, title, body string, draft bool) (*PullRequest, error)
	ReplyToReviewComment(ctx context.Context, repo Repository, prNumber int, commentID int64, body string) error
	CreateReviewReply(ctx context.Context, repo Repository, prNumber int, reviewID int64, body string) error

	DefaultBranch(ctx context.Context, repo Repository) (string, error)

	// CloneToken returns a token usable in an HTTPS clone/push URL.
	CloneToken(ctx context.Context) (string, error)
	// RefreshAuth regenerates the installation token. A no-op for PAT auth.
	RefreshAuth(ctx context.Context) error
	// UsesPAT reports whether auth is a long-lived personal token that never
	// needs regeneration.
	UsesPAT() bool
}

// --- Command execution ---

// ExecRequest is one command invocation in a working directory.
type ExecRequest struct {
	Command []string
	Cwd     string
	Env     map[string]string
	// Timeout for the call; 0 = the executor's default. Exceeding it kills
	// the process and returns captured output with TimedOut set.
	Timeout time.Duration
}

// ExecResult is the outcome of an executed command. A non-zero exit code is
// not an error at this layer; callers decide.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Executor runs commands and moves file contents either on the local machine
// (local mode) or inside a sandbox via its provider's process and copy APIs.
type Executor interface {
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
}
