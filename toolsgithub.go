package openswe

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
)

// --- Source-control tools ---

type openPRArgs struct {
	Title string `json:"title" jsonschema:"description=Pull request title"`
	Body  string `json:"body" jsonschema:"description=Pull request description"`
}

// OpenPRTool commits outstanding work, pushes the branch, and opens (or
// reuses) the draft pull request for the active task.
func OpenPRTool() Tool {
	return Tool{
		Name:        "open_pr",
		Description: "Commit all changes, push the working branch, and open a draft pull request.",
		Schema:      SchemaFor[openPRArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a openPRArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "open_pr", Message: err.Error()}
			}
			if cfg.Services.Config.LocalMode {
				return ToolResult{Content: "local mode: pull requests are not opened", Status: ToolSuccess}, nil
			}
			if state.TargetRepository.IsZero() || state.BranchName == "" {
				return ToolResult{Content: "error: no repository or branch on this thread", Status: ToolError}, nil
			}

			git := NewGitOps(executorFor(state, cfg), cfg.Services.SourceControl, cfg.Services.Config)
			committed, err := git.CommitAll(ctx, state.TargetRepository)
			if err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			if committed {
				if err := git.Push(ctx, state.TargetRepository, state.BranchName, false); err != nil {
					return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
				}
			}

			plan := state.TaskPlan.Clone()
			task, ok := plan.ActiveTask()
			if ok && task.PullRequestNumber != 0 {
				return ToolResult{Content: fmt.Sprintf("pull request #%d already open", task.PullRequestNumber), Status: ToolSuccess}, nil
			}

			title := a.Title
			if title == "" && ok {
				title = task.Title
			}
			pr, err := git.OpenDraftPR(ctx, state.TargetRepository, state.BranchName, title, a.Body)
			if err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			var update *StateUpdate
			if ok {
				if err := plan.AddPullRequestNumberToActiveTask(pr.Number); err == nil {
					update = &StateUpdate{TaskPlan: &plan}
				}
			}
			return ToolResult{
				Content: fmt.Sprintf("opened pull request #%d: %s", pr.Number, pr.URL),
				Status:  ToolSuccess,
				Update:  update,
			}, nil
		},
	}
}

type replyToCommentArgs struct {
	CommentID int64  `json:"comment_id" jsonschema:"description=Identifier of the comment being answered"`
	Body      string `json:"body" jsonschema:"description=Reply text"`
}

// ReplyToCommentTool answers an issue or PR conversation comment. Registered
// only when the run was triggered by a review, so the model cannot post
// replies out of context.
func ReplyToCommentTool() Tool {
	return Tool{
		Name:        "reply_to_comment",
		Description: "Reply to an issue or pull request comment.",
		Schema:      SchemaFor[replyToCommentArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a replyToCommentArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "reply_to_comment", Message: err.Error()}
			}
			if state.GithubIssueID == 0 {
				return ToolResult{Content: "error: no issue on this thread", Status: ToolError}, nil
			}
			if _, err := cfg.Services.SourceControl.CreateIssueComment(ctx, state.TargetRepository, state.GithubIssueID, a.Body); err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			return ToolResult{Content: "reply posted", Status: ToolSuccess}, nil
		},
	}
}

type replyToReviewCommentArgs struct {
	PRNumber  int    `json:"pr_number" jsonschema:"description=Pull request number"`
	CommentID int64  `json:"comment_id" jsonschema:"description=Review comment to answer"`
	Body      string `json:"body" jsonschema:"description=Reply text"`
}

// ReplyToReviewCommentTool answers an inline review comment on a PR.
func ReplyToReviewCommentTool() Tool {
	return Tool{
		Name:        "reply_to_review_comment",
		Description: "Reply to an inline review comment on a pull request.",
		Schema:      SchemaFor[replyToReviewCommentArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a replyToReviewCommentArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "reply_to_review_comment", Message: err.Error()}
			}
			if err := cfg.Services.SourceControl.ReplyToReviewComment(ctx, state.TargetRepository, a.PRNumber, a.CommentID, a.Body); err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			return ToolResult{Content: "reply posted", Status: ToolSuccess}, nil
		},
	}
}

type replyToReviewArgs struct {
	PRNumber int    `json:"pr_number" jsonschema:"description=Pull request number"`
	ReviewID int64  `json:"review_id" jsonschema:"description=Review to answer"`
	Body     string `json:"body" jsonschema:"description=Reply text"`
}

// ReplyToReviewTool answers a whole PR review.
func ReplyToReviewTool() Tool {
	return Tool{
		Name:        "reply_to_review",
		Description: "Reply to a pull request review as a whole.",
		Schema:      SchemaFor[replyToReviewArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a replyToReviewArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "reply_to_review", Message: err.Error()}
			}
			if err := cfg.Services.SourceControl.CreateReviewReply(ctx, state.TargetRepository, a.PRNumber, a.ReviewID, a.Body); err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			return ToolResult{Content: "reply posted", Status: ToolSuccess}, nil
		},
	}
}

// defaultTSConfig is written when a TypeScript checkout has no compiler
// configuration, so type-level verification commands can run.
const defaultTSConfig = `{
  "compilerOptions": {
    "target": "ES2022",
    "module": "NodeNext",
    "moduleResolution": "NodeNext",
    "strict": true,
    "esModuleInterop": true,
    "skipLibCheck": true,
    "noEmit": true
  },
  "include": ["**/*.ts", "**/*.tsx"]
}
`

type writeTSConfigArgs struct {
	Directory string `json:"directory,omitempty" jsonschema:"description=Directory to place tsconfig.json in"`
}

// WriteDefaultTSConfigTool creates a permissive tsconfig.json when the
// project lacks one.
func WriteDefaultTSConfigTool() Tool {
	return Tool{
		Name:        "write_default_tsconfig",
		Description: "Create a default tsconfig.json so TypeScript type checking can run.",
		Schema:      SchemaFor[writeTSConfigArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a writeTSConfigArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "write_default_tsconfig", Message: err.Error()}
			}
			dir := NormalizeDir(a.Directory, workingDirFor(state, cfg))
			target := path.Join(dir, "tsconfig.json")
			if err := executorFor(state, cfg).WriteFile(ctx, target, []byte(defaultTSConfig)); err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			return ToolResult{Content: "wrote " + target, Status: ToolSuccess}, nil
		},
	}
}
