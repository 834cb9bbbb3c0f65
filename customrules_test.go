package openswe

import (
	"context"
	"strings"
	"testing"
)

func TestLoadCustomRulesFirstFileWins(t *testing.T) {
	exec := newFakeExecutor()
	exec.files["/workspace/widgets/AGENTS.md"] = []byte("# Style\nUse tabs.")
	exec.files["/workspace/widgets/CLAUDE.md"] = []byte("# Ignored\nNever read.")

	rules, err := LoadCustomRules(context.Background(), exec, "/workspace/widgets")
	if err != nil {
		t.Fatalf("LoadCustomRules: %v", err)
	}
	if !strings.Contains(rules, "Use tabs.") || strings.Contains(rules, "Never read.") {
		t.Errorf("rules = %q", rules)
	}
}

func TestLoadCustomRulesSkipsEmptyFiles(t *testing.T) {
	exec := newFakeExecutor()
	exec.files["/workspace/widgets/AGENTS.md"] = []byte("   \n\n")
	exec.files["/workspace/widgets/AGENT.md"] = []byte("Run gofmt before committing.")

	rules, err := LoadCustomRules(context.Background(), exec, "/workspace/widgets")
	if err != nil {
		t.Fatalf("LoadCustomRules: %v", err)
	}
	if !strings.Contains(rules, "gofmt") {
		t.Errorf("rules = %q", rules)
	}
}

func TestLoadCustomRulesNoFile(t *testing.T) {
	exec := newFakeExecutor()
	rules, err := LoadCustomRules(context.Background(), exec, "/workspace/widgets")
	if err != nil || rules != "" {
		t.Errorf("rules=%q err=%v, want empty", rules, err)
	}
}

func TestLoadCustomRulesPlainTextFile(t *testing.T) {
	exec := newFakeExecutor()
	exec.files["/workspace/widgets/.cursorrules"] = []byte("  always run the linter  \n")

	rules, err := LoadCustomRules(context.Background(), exec, "/workspace/widgets")
	if err != nil {
		t.Fatalf("LoadCustomRules: %v", err)
	}
	// Non-markdown files are used verbatim, just trimmed.
	if rules != "always run the linter" {
		t.Errorf("rules = %q", rules)
	}
}

func TestNormalizeRulesMarkdownSections(t *testing.T) {
	src := []byte(`Intro before any heading.

# Testing

Run the full suite.

# Style

- tabs over spaces
- short names
`)
	got := normalizeRulesMarkdown(src)

	if !strings.HasPrefix(got, "Intro before any heading.") {
		t.Errorf("preamble lost: %q", got)
	}
	for _, want := range []string{"## Testing", "Run the full suite.", "## Style", "- tabs over spaces", "- short names"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}
