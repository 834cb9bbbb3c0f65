package openswe

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// --- Command-safety evaluation ---

// SafetyVerdict is the structured output of the command-safety evaluator.
type SafetyVerdict struct {
	IsSafe    bool   `json:"is_safe"`
	Reasoning string `json:"reasoning"`
	RiskLevel string `json:"risk_level" jsonschema:"enum=low,enum=medium,enum=high"`
}

// readOnlyCommands short-circuit evaluation: they cannot mutate anything, so
// they are always safe.
var readOnlyCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "grep": true,
	"find": true, "stat": true, "pwd": true, "echo": true, "which": true,
	"wc": true, "file": true, "du": true, "df": true, "env": true,
	"whoami": true, "date": true, "uname": true, "rg": true, "tree": true,
}

// zeroWidthChars are Unicode zero-width and invisible characters used for obfuscation.
var zeroWidthChars = strings.NewReplacer(
	"\u200b", " ", // zero-width space
	"\u200c", " ", // zero-width non-joiner
	"\u200d", " ", // zero-width joiner
	"\ufeff", " ", // zero-width no-break space (BOM)
)

const safetySystemPrompt = `You are a security evaluator for shell commands an autonomous
coding agent wants to run on a developer's machine.
Judge whether the command is safe to execute in a project checkout.
Unsafe: destructive operations outside the project directory, exfiltration,
credential access, privilege escalation, fetching and executing remote code.
Respond by calling the evaluate_command tool exactly once.`

// SafetyGate filters proposed local tool calls through the command-safety
// evaluator. The policy fails closed: an evaluator failure counts as unsafe.
type SafetyGate struct {
	router *ModelRouter
	logger *slog.Logger
}

// SafetyGateLogger sets the gate's structured logger.
func SafetyGateLogger(l *slog.Logger) func(*SafetyGate) {
	return func(g *SafetyGate) { g.logger = l }
}

// NewSafetyGate creates a gate evaluating through the router's safety chain.
func NewSafetyGate(router *ModelRouter, opts ...func(*SafetyGate)) *SafetyGate {
	g := &SafetyGate{router: router, logger: nopLogger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// normalizeCommand strips zero-width characters and applies NFKC so
// homoglyph and invisible-character obfuscation cannot dodge the allow-list
// or skew the evaluator.
func normalizeCommand(command string) string {
	cleaned := zeroWidthChars.Replace(command)
	return norm.NFKC.String(cleaned)
}

// isReadOnly reports whether every statement in the command starts with an
// allow-listed read-only binary. Compound commands (pipes, &&, ;) are safe
// only when every segment is.
func isReadOnly(command string) bool {
	command = normalizeCommand(command)
	for _, sep := range []string{"&&", "||", ";", "|"} {
		command = strings.ReplaceAll(command, sep, "\n")
	}
	segments := strings.Split(command, "\n")
	for _, seg := range segments {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		if !readOnlyCommands[fields[0]] {
			return false
		}
	}
	return true
}

// Evaluate classifies one shell command. Read-only commands are approved
// without a model call. Any evaluator failure, including malformed
// structured output, yields an unsafe verdict.
func (g *SafetyGate) Evaluate(ctx context.Context, command string) SafetyVerdict {
	if isReadOnly(command) {
		return SafetyVerdict{IsSafe: true, Reasoning: "read-only command", RiskLevel: "low"}
	}

	resp, _, err := g.router.Chat(ctx, ClassSafety, ChatRequest{
		Messages: []Message{
			SystemMessage(safetySystemPrompt),
			HumanMessage(normalizeCommand(command)),
		},
		Tools:      []ToolDefinition{safetyToolDefinition},
		ToolChoice: "evaluate_command",
	})
	if err != nil {
		g.logger.Warn("safety evaluator failed, blocking command", "error", err)
		return SafetyVerdict{IsSafe: false, Reasoning: "evaluator unavailable", RiskLevel: "high"}
	}

	verdict, err := parseSafetyVerdict(resp)
	if err != nil {
		g.logger.Warn("safety evaluator returned malformed output, blocking command", "error", err)
		return SafetyVerdict{IsSafe: false, Reasoning: "malformed evaluator output", RiskLevel: "high"}
	}
	return verdict
}

var safetyToolDefinition = ToolDefinition{
	Name:        "evaluate_command",
	Description: "Record the safety evaluation of the proposed command.",
	Parameters:  SchemaFor[SafetyVerdict](),
}

func parseSafetyVerdict(resp ChatResponse) (SafetyVerdict, error) {
	var verdict SafetyVerdict
	for _, tc := range resp.ToolCalls {
		if tc.Name == "evaluate_command" {
			if err := json.Unmarshal(tc.Args, &verdict); err != nil {
				return SafetyVerdict{}, &ErrToolExecution{Tool: "evaluate_command", Message: err.Error()}
			}
			switch verdict.RiskLevel {
			case "low", "medium", "high":
				return verdict, nil
			}
			return SafetyVerdict{}, &ErrToolExecution{Tool: "evaluate_command", Message: "invalid risk_level " + verdict.RiskLevel}
		}
	}
	return SafetyVerdict{}, &ErrToolExecution{Tool: "evaluate_command", Message: "no structured verdict in response"}
}

// FilterUnsafe removes local command-executing calls the evaluator rejects
// and returns the surviving calls plus notes describing what was dropped.
// The remaining calls proceed; the run never crashes on a block.
func (g *SafetyGate) FilterUnsafe(ctx context.Context, calls []ToolCall) (kept []ToolCall, notes []string) {
	for _, tc := range calls {
		command, ok := shellCommandOf(tc)
		if !ok {
			kept = append(kept, tc)
			continue
		}
		verdict := g.Evaluate(ctx, command)
		if verdict.IsSafe {
			kept = append(kept, tc)
			continue
		}
		g.logger.Info("blocked unsafe command", "tool", tc.Name, "risk", verdict.RiskLevel, "reasoning", verdict.Reasoning)
		notes = append(notes, (&ErrSafetyBlock{Tool: tc.Name, Reason: verdict.Reasoning}).Error())
	}
	return kept, notes
}

// shellCommandOf extracts the command line from a command-executing tool
// call, reporting false for tools that do not run commands.
func shellCommandOf(tc ToolCall) (string, bool) {
	if tc.Name != "shell" && tc.Name != "install_dependencies" {
		return "", false
	}
	var args struct {
		Command json.RawMessage `json:"command"`
	}
	if err := json.Unmarshal(tc.Args, &args); err != nil || len(args.Command) == 0 {
		return "", false
	}
	var asList []string
	if err := json.Unmarshal(args.Command, &asList); err == nil {
		return strings.Join(asList, " "), true
	}
	var asString string
	if err := json.Unmarshal(args.Command, &asString); err == nil {
		return asString, true
	}
	return "", false
}
