package openswe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// normalizeToolPath resolves a model-supplied path for the active back-end.
// Sandbox-prefixed absolute paths map to the corresponding local-mode
// relative path so prompts written for one back-end keep working on the
// other.
func normalizeToolPath(p string, state ThreadState, cfg *RunConfig) string {
	wd := workingDirFor(state, cfg)
	if cfg.Services.Config.LocalMode && !state.TargetRepository.IsZero() {
		sandboxRoot := RepoPath(state.TargetRepository)
		if strings.HasPrefix(p, sandboxRoot) {
			rel := strings.TrimPrefix(p, sandboxRoot)
			rel = strings.TrimPrefix(rel, "/")
			if rel == "" {
				rel = "."
			}
			return resolvePath(rel, wd)
		}
	}
	return resolvePath(p, wd)
}

type viewArgs struct {
	Path   string `json:"path" jsonschema:"description=File to read"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based first line to show"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines"`
}

// viewFile reads a file and renders it with line numbers.
func viewFile(ctx context.Context, exec Executor, path string, offset, limit int) (string, error) {
	data, err := exec.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(data), "\n")
	start := 0
	if offset > 1 {
		start = offset - 1
	}
	if start >= len(lines) {
		return "", fmt.Errorf("offset %d beyond end of file (%d lines)", offset, len(lines))
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return b.String(), nil
}

// ViewTool reads a file with line numbers.
func ViewTool() Tool {
	return Tool{
		Name:        "view",
		Description: "Read a file. Output is line-numbered. Use offset and limit for large files.",
		Schema:      SchemaFor[viewArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a viewArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "view", Message: err.Error()}
			}
			if a.Path == "" {
				return ToolResult{}, &ErrToolExecution{Tool: "view", Message: "path is required"}
			}
			content, err := viewFile(ctx, executorFor(state, cfg), normalizeToolPath(a.Path, state, cfg), a.Offset, a.Limit)
			if err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			return ToolResult{Content: content, Status: ToolSuccess}, nil
		},
	}
}

type strReplaceEditArgs struct {
	Command    string `json:"command" jsonschema:"enum=view,enum=str_replace,enum=create,enum=insert,description=The edit operation"`
	Path       string `json:"path" jsonschema:"description=Target file"`
	OldStr     string `json:"old_str,omitempty" jsonschema:"description=Exact text to replace (str_replace)"`
	NewStr     string `json:"new_str,omitempty" jsonschema:"description=Replacement or inserted text"`
	FileText   string `json:"file_text,omitempty" jsonschema:"description=Full content for create"`
	InsertLine int    `json:"insert_line,omitempty" jsonschema:"description=1-based line to insert after (insert)"`
}

// StrReplaceEditTool is the multi-operation file editor: view, exact string
// replacement, file creation, and line insertion.
func StrReplaceEditTool() Tool {
	return Tool{
		Name:        "str_replace_based_edit_tool",
		Description: "Edit files: view a file, replace an exact string once, create a file, or insert text after a line.",
		Schema:      SchemaFor[strReplaceEditArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a strReplaceEditArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "str_replace_based_edit_tool", Message: err.Error()}
			}
			if a.Path == "" {
				return ToolResult{}, &ErrToolExecution{Tool: "str_replace_based_edit_tool", Message: "path is required"}
			}
			exec := executorFor(state, cfg)
			path := normalizeToolPath(a.Path, state, cfg)

			switch a.Command {
			case "view":
				content, err := viewFile(ctx, exec, path, 0, 0)
				if err != nil {
					return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
				}
				return ToolResult{Content: content, Status: ToolSuccess}, nil

			case "create":
				if err := exec.WriteFile(ctx, path, []byte(a.FileText)); err != nil {
					return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
				}
				return ToolResult{Content: "created " + path, Status: ToolSuccess}, nil

			case "str_replace":
				if a.OldStr == "" {
					return ToolResult{Content: "error: old_str is required", Status: ToolError}, nil
				}
				data, err := exec.ReadFile(ctx, path)
				if err != nil {
					return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
				}
				text := string(data)
				switch strings.Count(text, a.OldStr) {
				case 0:
					return ToolResult{Content: "error: old_str not found in " + path, Status: ToolError}, nil
				case 1:
				default:
					return ToolResult{Content: "error: old_str matches more than once in " + path, Status: ToolError}, nil
				}
				text = strings.Replace(text, a.OldStr, a.NewStr, 1)
				if err := exec.WriteFile(ctx, path, []byte(text)); err != nil {
					return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
				}
				return ToolResult{Content: "edited " + path, Status: ToolSuccess}, nil

			case "insert":
				data, err := exec.ReadFile(ctx, path)
				if err != nil {
					return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
				}
				lines := strings.Split(string(data), "\n")
				if a.InsertLine < 0 || a.InsertLine > len(lines) {
					return ToolResult{Content: fmt.Sprintf("error: insert_line %d out of range (file has %d lines)", a.InsertLine, len(lines)), Status: ToolError}, nil
				}
				inserted := append([]string{}, lines[:a.InsertLine]...)
				inserted = append(inserted, strings.Split(a.NewStr, "\n")...)
				inserted = append(inserted, lines[a.InsertLine:]...)
				if err := exec.WriteFile(ctx, path, []byte(strings.Join(inserted, "\n"))); err != nil {
					return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
				}
				return ToolResult{Content: "inserted into " + path, Status: ToolSuccess}, nil

			default:
				return ToolResult{Content: "error: unknown command " + a.Command, Status: ToolError}, nil
			}
		},
	}
}

// --- apply_patch ---

type applyPatchArgs struct {
	Path  string `json:"path" jsonschema:"description=File the patch applies to"`
	Patch string `json:"patch" jsonschema:"description=Unified diff for the file"`
}

// ApplyPatchTool applies a unified diff to one file, falling back to fuzzy
// hunk placement when the context has drifted.
func ApplyPatchTool() Tool {
	return Tool{
		Name:        "apply_patch",
		Description: "Apply a unified diff to a file. Tolerates small context drift.",
		Schema:      SchemaFor[applyPatchArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a applyPatchArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "apply_patch", Message: err.Error()}
			}
			if a.Path == "" || a.Patch == "" {
				return ToolResult{}, &ErrToolExecution{Tool: "apply_patch", Message: "path and patch are required"}
			}
			exec := executorFor(state, cfg)
			path := normalizeToolPath(a.Path, state, cfg)

			data, err := exec.ReadFile(ctx, path)
			if err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			patched, err := applyUnifiedPatch(string(data), a.Patch)
			if err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			if err := exec.WriteFile(ctx, path, []byte(patched)); err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			return ToolResult{Content: "patched " + path, Status: ToolSuccess}, nil
		},
	}
}

// hunk is one parsed unified-diff hunk: the text the file should contain
// before the edit and what it becomes after.
type hunk struct {
	before string
	after  string
}

// parseUnifiedDiff extracts hunks from a single-file unified diff, ignoring
// the ---/+++ headers.
func parseUnifiedDiff(patch string) ([]hunk, error) {
	var hunks []hunk
	var cur *hunk
	flush := func() {
		if cur != nil {
			hunks = append(hunks, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ ") || strings.HasPrefix(line, "diff "):
			continue
		case strings.HasPrefix(line, "@@"):
			flush()
			cur = &hunk{}
		case cur == nil:
			continue
		case strings.HasPrefix(line, "+"):
			cur.after += line[1:] + "\n"
		case strings.HasPrefix(line, "-"):
			cur.before += line[1:] + "\n"
		case strings.HasPrefix(line, " "):
			cur.before += line[1:] + "\n"
			cur.after += line[1:] + "\n"
		case line == "":
			// tolerated: trailing blank line in the patch text
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file"
		default:
			return nil, fmt.Errorf("malformed diff line: %q", line)
		}
	}
	flush()
	if len(hunks) == 0 {
		return nil, fmt.Errorf("no hunks in patch")
	}
	return hunks, nil
}

// applyUnifiedPatch applies each hunk by exact match first, then by fuzzy
// location of the hunk's before-text.
func applyUnifiedPatch(content, patch string) (string, error) {
	hunks, err := parseUnifiedDiff(patch)
	if err != nil {
		return "", err
	}
	dmp := diffmatchpatch.New()
	for i, h := range hunks {
		if h.before == "" {
			// Pure addition with no context: append.
			content += h.after
			continue
		}
		if idx := strings.Index(content, h.before); idx >= 0 {
			content = content[:idx] + h.after + content[idx+len(h.before):]
			continue
		}
		// Fuzzy fallback. MatchMain needs a bounded pattern; anchor on the
		// first chunk of the before-text and verify the full region loosely.
		pattern := h.before
		if len(pattern) > 64 {
			pattern = pattern[:64]
		}
		loc := dmp.MatchMain(content, pattern, 0)
		if loc < 0 {
			return "", fmt.Errorf("hunk %d does not apply", i+1)
		}
		end := loc + len(h.before)
		if end > len(content) {
			end = len(content)
		}
		content = content[:loc] + h.after + content[end:]
	}
	return content, nil
}
