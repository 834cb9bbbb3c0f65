package openswe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// workingDirFor returns the directory tool calls resolve paths against:
// the sandbox checkout, or "." in local mode.
func workingDirFor(state ThreadState, cfg *RunConfig) string {
	if cfg.Services.Config.LocalMode || state.TargetRepository.IsZero() {
		return "."
	}
	return RepoPath(state.TargetRepository)
}

// executorFor returns the command runner for the thread's session.
func executorFor(state ThreadState, cfg *RunConfig) Executor {
	return cfg.Services.Coordinator.Executor(state.SandboxSessionID)
}

// formatExecResult renders an execution outcome for the model: exit code
// first, then captured output with stderr separated.
func formatExecResult(res ExecResult) (string, ToolStatus) {
	var b strings.Builder
	if res.TimedOut {
		b.WriteString("command timed out\n")
	}
	fmt.Fprintf(&b, "exit code: %d\n", res.ExitCode)
	if res.Stdout != "" {
		b.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(res.Stderr)
	}
	status := ToolSuccess
	if res.ExitCode != 0 || res.TimedOut {
		status = ToolError
	}
	return strings.TrimSpace(b.String()), status
}

type shellArgs struct {
	Command []string `json:"command" jsonschema:"description=The command and its arguments"`
	Cwd     string   `json:"cwd,omitempty" jsonschema:"description=Working directory for the command"`
	Timeout int      `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds"`
}

// ShellTool runs a command in the execution environment.
func ShellTool() Tool {
	return Tool{
		Name:        "shell",
		Description: "Run a shell command in the repository checkout. Returns exit code, stdout, and stderr.",
		Schema:      SchemaFor[shellArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a shellArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "shell", Message: err.Error()}
			}
			if len(a.Command) == 0 {
				return ToolResult{}, &ErrToolExecution{Tool: "shell", Message: "command is required"}
			}
			cwd := NormalizeDir(a.Cwd, workingDirFor(state, cfg))
			var timeout time.Duration
			if a.Timeout > 0 {
				timeout = time.Duration(a.Timeout) * time.Second
			}
			res, err := executorFor(state, cfg).Exec(ctx, ExecRequest{Command: a.Command, Cwd: cwd, Timeout: timeout})
			if err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			content, status := formatExecResult(res)
			return ToolResult{Content: content, Status: status}, nil
		},
	}
}

type installDepsArgs struct {
	Command []string `json:"command" jsonschema:"description=The dependency installation command, e.g. npm install"`
	Cwd     string   `json:"cwd,omitempty"`
}

// InstallDependenciesTool installs project dependencies and records success
// in thread state so later steps can skip re-installation.
func InstallDependenciesTool() Tool {
	return Tool{
		Name:        "install_dependencies",
		Description: "Install the project's dependencies. Call once before running tests or builds that need them.",
		Schema:      SchemaFor[installDepsArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a installDepsArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "install_dependencies", Message: err.Error()}
			}
			if len(a.Command) == 0 {
				return ToolResult{}, &ErrToolExecution{Tool: "install_dependencies", Message: "command is required"}
			}
			if state.DependenciesInstalled {
				return ToolResult{Content: "dependencies already installed", Status: ToolSuccess}, nil
			}
			cwd := NormalizeDir(a.Cwd, workingDirFor(state, cfg))
			// Installs routinely outrun the default tool timeout.
			res, err := executorFor(state, cfg).Exec(ctx, ExecRequest{Command: a.Command, Cwd: cwd, Timeout: 5 * time.Minute})
			if err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			content, status := formatExecResult(res)
			result := ToolResult{Content: content, Status: status}
			if status == ToolSuccess {
				result.Update = &StateUpdate{DependenciesInstalled: ptr(true)}
			}
			return result, nil
		},
	}
}

type grepArgs struct {
	Pattern   string `json:"pattern" jsonschema:"description=Regular expression to search for"`
	Directory string `json:"directory,omitempty" jsonschema:"description=Directory to search in"`
	Glob      string `json:"glob,omitempty" jsonschema:"description=Filename glob filter, e.g. *.go"`
}

// GrepTool searches the checkout with ripgrep, falling back to grep -rn.
func GrepTool() Tool {
	return Tool{
		Name:        "grep",
		Description: "Search file contents for a regular expression. Returns matching lines with file and line number.",
		Schema:      SchemaFor[grepArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a grepArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "grep", Message: err.Error()}
			}
			if a.Pattern == "" {
				return ToolResult{}, &ErrToolExecution{Tool: "grep", Message: "pattern is required"}
			}
			dir := NormalizeDir(a.Directory, workingDirFor(state, cfg))

			rg := fmt.Sprintf("rg -n --no-heading %s", shellQuote(a.Pattern))
			fallback := fmt.Sprintf("grep -rn %s .", shellQuote(a.Pattern))
			if a.Glob != "" {
				rg += " -g " + shellQuote(a.Glob)
				fallback = fmt.Sprintf("grep -rn --include=%s %s .", shellQuote(a.Glob), shellQuote(a.Pattern))
			}
			script := fmt.Sprintf("if command -v rg >/dev/null 2>&1; then %s; else %s; fi", rg, fallback)

			res, err := executorFor(state, cfg).Exec(ctx, ExecRequest{Command: []string{"sh", "-c", script}, Cwd: dir})
			if err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			// Exit code 1 from grep means no matches, which is a valid answer.
			if res.ExitCode == 1 && strings.TrimSpace(res.Stdout) == "" {
				return ToolResult{Content: "no matches", Status: ToolSuccess}, nil
			}
			content, status := formatExecResult(res)
			return ToolResult{Content: content, Status: status}, nil
		},
	}
}
