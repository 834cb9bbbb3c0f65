package openswe

import (
	"fmt"
	"strings"
)

// --- Manager prompts ---

const classifyBasePrompt = `You are the routing layer of an autonomous software-engineering system.
A user message arrived on a thread that may already have a planning session and a
programming session in flight. Decide what should happen to it.

Rules:
- Route "no_op" when the message needs no action (acknowledgements, thanks, chatter).
- Prefer updating an in-flight session over starting a new one.
- Only create a new issue when the user asks for work clearly separate from the current task.

Respond by calling the classify_request tool exactly once.`

// classifyPrompt appends the dynamically allowed routes and current session
// statuses to the base prompt.
func classifyPrompt(routes []string, plannerStatus, programmerStatus RunStatus) string {
	var b strings.Builder
	b.WriteString(classifyBasePrompt)
	fmt.Fprintf(&b, "\n\nCurrent planner status: %s\nCurrent programmer status: %s\n", plannerStatus, programmerStatus)
	b.WriteString("Allowed routes for this state:\n")
	for _, r := range routes {
		b.WriteString("- " + r + "\n")
	}
	return b.String()
}

const newSessionPrompt = `Derive a new source-control issue from the conversation below.
The issue captures the separate piece of work the user just asked for, not the
thread's original task. Write a short imperative title and a body with enough
context for an engineer who has not seen this conversation.
Respond by calling the create_issue tool exactly once.`

// --- Planner prompts ---

const plannerContextPrompt = `You are the planning agent of an autonomous software-engineering system.
Your job right now is to gather the context needed to write an execution plan for the
user's request. Explore the repository with the provided tools: read files, search for
symbols, follow references, fetch linked documents. Record important findings with the
scratchpad tool.

When you have enough context to write a concrete plan, respond WITHOUT any tool call
and state briefly that you are ready to plan. Do not write the plan yet.

Codebase tree:
%s

%s`

const generatePlanPrompt = `Write the execution plan for the user's request using everything
gathered so far. Each plan item is one concrete, independently verifiable step an engineer
could execute. Order items by dependency. Do not include exploration steps; context
gathering is done. Respond by calling the session_plan tool exactly once.

Context notes:
%s`

const notetakerPrompt = `Distill the conversation and the proposed plan into concise technical
notes for the agent that will execute the plan. Include: the goal, key files and symbols,
constraints discovered, and decisions already made. Do not include full source files or
code blocks. Respond with the notes only.`

const determineNeedsContextPrompt = `The user responded to the proposed plan. Decide whether their
response requires gathering more repository context before re-planning, or whether the plan
can be revised directly from what is already known.
Respond by calling the needs_context tool exactly once.`

// --- Programmer prompts ---

const programmerSystemPrompt = `You are the programming agent of an autonomous software-engineering
system, executing an approved plan inside a repository checkout. Work on exactly one plan item
at a time. Use the tools to read, edit, and verify code. When a plan item is done and verified,
call mark_task_completed with a summary. If you discover the plan no longer fits reality, call
update_plan. If you are genuinely blocked, call request_human_help.

Current task: %s

Plan:
%s

Technical notes:
%s

%s`

const diagnoseErrorPrompt = `A tool invocation failed during execution. Analyze the failure below
and explain the most likely root cause and the concrete next step to recover. Be brief.`

const conclusionPrompt = `All plan items are complete. Write a short conclusion for the user:
what was changed, how it was verified, and anything they should look at. Link nothing;
the pull request is referenced separately.`

const updatePlanReasoningPrompt = `The current plan no longer fits what was discovered during
execution. Reason step by step about what the remaining work actually is. Do not produce
the new plan yet; respond with the reasoning only.`

const updatePlanApplyPrompt = `Using the reasoning below, produce the new remaining plan items.
Completed items are preserved automatically. Respond by calling the update_plan tool exactly once.

Reasoning:
%s`

// --- Reviewer prompts ---

const reviewerSystemPrompt = `You are the review agent of an autonomous software-engineering system.
The programming agent believes the task below is complete. Verify it: read the changed code,
check it against each plan item, and run whatever verification the repository supports.

Task: %s

Plan:
%s

When your review is complete, respond by calling the final_review tool exactly once.`

// formatPlanForPrompt renders the active revision's items with completion
// marks for inclusion in a system prompt.
func formatPlanForPrompt(plan TaskPlan) string {
	task, ok := plan.ActiveTask()
	if !ok {
		return "(no plan)"
	}
	rev, ok := task.ActiveRevision()
	if !ok {
		return "(no plan)"
	}
	var b strings.Builder
	for _, item := range rev.Plans {
		mark := " "
		if item.Completed {
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %d. %s\n", mark, item.Index, item.Plan)
	}
	return strings.TrimSpace(b.String())
}

// customRulesSection renders repository instructions for a system prompt, or
// "" when none exist.
func customRulesSection(rules string) string {
	if rules == "" {
		return ""
	}
	return "Repository instructions:\n" + rules
}
