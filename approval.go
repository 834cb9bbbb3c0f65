package openswe

import (
	"encoding/json"
	"path"
)

// ApprovalKey caches one remembered human approval of a write operation,
// formatted "<tool-name>:<normalized-target-directory>".
type ApprovalKey string

// NewApprovalKey builds the key from a tool name and an already-derived
// target directory. The directory is normalized so path spellings that
// resolve to the same location ("/work/../work", "/work/") produce the same
// key.
func NewApprovalKey(tool, dir, workingDir string) ApprovalKey {
	return ApprovalKey(tool + ":" + NormalizeDir(dir, workingDir))
}

// NormalizeDir resolves dir against workingDir when relative and collapses
// "." and ".." segments. An empty dir means the working directory itself.
func NormalizeDir(dir, workingDir string) string {
	if dir == "" {
		dir = workingDir
	}
	if !path.IsAbs(dir) {
		dir = path.Join(workingDir, dir)
	}
	return path.Clean(dir)
}

// approvalTargetDir derives the directory a proposed tool call writes to,
// per the tool's argument shape: file-edit tools use the dirname of the
// resolved path, shell tools their declared cwd, and listing or search tools
// the given directory. Everything falls back to the working directory.
func approvalTargetDir(tc ToolCall, workingDir string) string {
	var args struct {
		Path      string `json:"path"`
		FilePath  string `json:"file_path"`
		Cwd       string `json:"cwd"`
		Directory string `json:"directory"`
	}
	_ = json.Unmarshal(tc.Args, &args)

	switch {
	case args.Path != "":
		return path.Dir(resolvePath(args.Path, workingDir))
	case args.FilePath != "":
		return path.Dir(resolvePath(args.FilePath, workingDir))
	case args.Cwd != "":
		return NormalizeDir(args.Cwd, workingDir)
	case args.Directory != "":
		return NormalizeDir(args.Directory, workingDir)
	default:
		return NormalizeDir("", workingDir)
	}
}

// resolvePath makes p absolute against workingDir and cleans it.
func resolvePath(p, workingDir string) string {
	if !path.IsAbs(p) {
		p = path.Join(workingDir, p)
	}
	return path.Clean(p)
}

// ApprovalKeyForCall computes the cache key for a proposed write call.
func ApprovalKeyForCall(tc ToolCall, workingDir string) ApprovalKey {
	return ApprovalKey(tc.Name + ":" + approvalTargetDir(tc, workingDir))
}

// approvalPrompt is the interrupt payload shown to the human for one
// unapproved write call.
type approvalPrompt struct {
	Command     string          `json:"command"`
	Args        json.RawMessage `json:"args"`
	ApprovalKey ApprovalKey     `json:"approval_key"`
}
