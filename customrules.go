package openswe

import (
	"context"
	"path"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// customRulesFiles are checked in order at the checkout root; the first one
// present wins.
var customRulesFiles = []string{"AGENTS.md", "AGENT.md", "CLAUDE.md", ".cursorrules"}

// LoadCustomRules reads the repository's agent instruction file, if any, and
// returns its rules normalized into titled sections. Returns "" when the
// checkout has no such file.
func LoadCustomRules(ctx context.Context, exec Executor, root string) (string, error) {
	for _, name := range customRulesFiles {
		data, err := exec.ReadFile(ctx, path.Join(root, name))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if strings.HasSuffix(name, ".md") {
			return normalizeRulesMarkdown(data), nil
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}

// rulesSection is one heading-delimited block of an instruction file.
type rulesSection struct {
	Title string
	Body  string
}

// parseRulesMarkdown walks the markdown AST and splits the document into
// heading-delimited sections. Content before the first heading lands in a
// section with an empty title.
func parseRulesMarkdown(source []byte) []rulesSection {
	parser := goldmark.DefaultParser()
	root := parser.Parse(text.NewReader(source))

	var sections []rulesSection
	current := rulesSection{}
	flush := func() {
		if strings.TrimSpace(current.Body) != "" || current.Title != "" {
			current.Body = strings.TrimSpace(current.Body)
			sections = append(sections, current)
		}
	}

	for child := root.FirstChild(); child != nil; child = child.NextSibling() {
		if heading, ok := child.(*ast.Heading); ok {
			flush()
			current = rulesSection{Title: string(nodeText(heading, source))}
			continue
		}
		segment := blockText(child, source)
		if segment != "" {
			if current.Body != "" {
				current.Body += "\n"
			}
			current.Body += segment
		}
	}
	flush()
	return sections
}

// normalizeRulesMarkdown renders the parsed sections back into a compact,
// uniformly formatted rules string for the system prompt.
func normalizeRulesMarkdown(source []byte) string {
	sections := parseRulesMarkdown(source)
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if s.Title != "" {
			b.WriteString("## " + s.Title)
			if s.Body != "" {
				b.WriteString("\n")
			}
		}
		b.WriteString(s.Body)
	}
	return strings.TrimSpace(b.String())
}

// nodeText collects the raw text of an inline container node.
func nodeText(n ast.Node, source []byte) []byte {
	var out []byte
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			out = append(out, t.Segment.Value(source)...)
			continue
		}
		out = append(out, nodeText(c, source)...)
	}
	return out
}

// blockText renders a block node's raw lines, recursing into containers such
// as lists so nested items keep their text.
func blockText(n ast.Node, source []byte) string {
	if n.Type() == ast.TypeBlock {
		lines := n.Lines()
		if lines.Len() > 0 {
			var b strings.Builder
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
			}
			return strings.TrimRight(b.String(), "\n")
		}
	}
	var parts []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if part := blockText(c, source); part != "" {
			if c.Kind() == ast.KindListItem || n.Kind() == ast.KindList {
				part = "- " + part
			}
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "\n")
}
