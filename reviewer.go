package openswe

import (
	"context"
	"fmt"
	"strings"
)

// reviewerTools are the read-only tools bound during review.
var reviewerTools = []string{"shell", "grep", "view", "get_url_content"}

// finalReviewOutput is the structured verdict ending a review.
type finalReviewOutput struct {
	Passed   bool     `json:"passed" jsonschema:"description=Whether the task is genuinely complete"`
	Comments []string `json:"review_comments,omitempty" jsonschema:"description=Concrete problems that must be fixed, empty when passed"`
}

// NewReviewerGraph builds the review graph: inspect the finished work with
// read-only tools, issue a structured verdict, and either hand back to the
// programmer for fixes or let it conclude.
func NewReviewerGraph() (*CompiledGraph, error) {
	g := NewGraph(GraphReviewer)
	g.AddNode("initialize-review", initializeReview)
	g.AddNode("generate-review-message", generateReviewMessage)
	g.AddNode("take-review-actions", takeReviewActions)
	g.AddNode("final-review", finalReview)

	g.AddEdge(START, "initialize-review")
	g.AddEdge("initialize-review", "generate-review-message")
	g.AddConditional("generate-review-message", func(state ThreadState) string {
		if last, ok := lastAIMessage(state.InternalMessages); ok && len(last.ToolCalls) > 0 {
			return "take-review-actions"
		}
		return "final-review"
	})
	g.AddEdge("take-review-actions", "generate-review-message")
	g.AddEdge("final-review", END)
	return g.Compile()
}

// initializeReview reattaches to the execution environment and seeds the
// review conversation with the diff of the working branch.
func initializeReview(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	acq, err := svc.Coordinator.Acquire(ctx, state.SandboxSessionID, state.TargetRepository, state.BranchName)
	if err != nil {
		return NodeResult{}, err
	}
	update := &StateUpdate{SandboxSessionID: ptr(acq.Sandbox.ID)}

	if len(state.InternalMessages) == 0 {
		diff := branchDiff(ctx, state, cfg, acq.Sandbox.ID)
		seed := HumanMessage("Review the completed task. Changes on the working branch:\n\n" + diff)
		update.InternalMessages = []Message{seed}
	}
	return NodeResult{Update: update}, nil
}

// branchDiff returns the diff stat of the working branch against its base, or
// a placeholder when it cannot be produced.
func branchDiff(ctx context.Context, state ThreadState, cfg *RunConfig, sandboxID string) string {
	svc := cfg.Services
	if svc.Config.LocalMode || state.TargetRepository.IsZero() {
		return "(diff unavailable)"
	}
	exec := svc.Coordinator.Executor(sandboxID)
	base := state.TargetRepository.BaseBranch
	if base == "" {
		if b, err := svc.SourceControl.DefaultBranch(ctx, state.TargetRepository); err == nil {
			base = b
		}
	}
	if base == "" {
		return "(diff unavailable)"
	}
	res, err := exec.Exec(ctx, ExecRequest{
		Command: []string{"git", "diff", "--stat", "origin/" + base + "...HEAD"},
		Cwd:     RepoPath(state.TargetRepository),
	})
	if err != nil || res.ExitCode != 0 {
		return "(diff unavailable)"
	}
	return strings.TrimSpace(res.Stdout)
}

// reviewerSystem renders the review system prompt from the active task.
func reviewerSystem(state ThreadState) string {
	taskText := "(no active task)"
	if task, ok := state.TaskPlan.ActiveTask(); ok {
		taskText = task.Title + "\n" + task.Request
	}
	return fmt.Sprintf(reviewerSystemPrompt, taskText, formatPlanForPrompt(state.TaskPlan))
}

// generateReviewMessage runs one review model turn.
func generateReviewMessage(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	msgs := append([]Message{SystemMessage(reviewerSystem(state))}, state.InternalMessages...)
	resp, modelKey, err := svc.Router.Chat(ctx, ClassReviewer, ChatRequest{
		Messages:  msgs,
		Tools:     svc.Tools.Definitions(reviewerTools...),
		MaxModels: state.MaxModels,
	})
	if err != nil {
		return NodeResult{}, err
	}
	ai := AIMessage(resp.Content, resp.ToolCalls...)
	return NodeResult{Update: &StateUpdate{
		InternalMessages: []Message{ai},
		TokenData:        &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}},
	}}, nil
}

// takeReviewActions executes the reviewer's tool calls. Review is strictly
// read-only, so there is no approval gate; in local mode the safety evaluator
// still screens shell commands.
func takeReviewActions(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	last, ok := lastAIMessage(state.InternalMessages)
	if !ok || len(last.ToolCalls) == 0 {
		return NodeResult{}, nil
	}

	calls := last.ToolCalls
	var notes []string
	if svc.Config.LocalMode && svc.Safety != nil {
		calls, notes = svc.Safety.FilterUnsafe(ctx, calls)
	}
	for _, note := range notes {
		cfg.Logger.Info("review call blocked", "note", note)
	}

	update := &StateUpdate{}
	outcomes := svc.Tools.ExecuteAll(ctx, calls, state, cfg)
	for _, o := range outcomes {
		update.InternalMessages = append(update.InternalMessages, ToolMessage(o.Call.ID, o.Result.Content))
		if o.Result.Update != nil {
			update = mergeUpdates(update, o.Result.Update)
		}
	}
	for _, tc := range last.ToolCalls {
		if !containsCall(calls, tc.ID) {
			update.InternalMessages = append(update.InternalMessages, ToolMessage(tc.ID, "call blocked by safety policy"))
		}
	}
	return NodeResult{Update: update}, nil
}

// finalReview obtains the structured verdict and routes the outcome: a pass
// resumes the programmer at its conclusion, a fail reopens the task with the
// review comments and sends the programmer back to work.
func finalReview(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	msgs := append([]Message{SystemMessage(reviewerSystem(state))}, state.InternalMessages...)
	resp, modelKey, err := svc.Router.Chat(ctx, ClassReviewer, ChatRequest{
		Messages:   msgs,
		Tools:      []ToolDefinition{{Name: "final_review", Description: "Record the review verdict.", Parameters: SchemaFor[finalReviewOutput]()}},
		ToolChoice: "final_review",
		MaxModels:  state.MaxModels,
	})
	if err != nil {
		return NodeResult{}, err
	}
	var out finalReviewOutput
	if err := ValidateStructuredCall(resp, "final_review", &out); err != nil {
		return NodeResult{}, err
	}

	update := &StateUpdate{
		TokenData: &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}},
	}

	if out.Passed {
		update.InternalMessages = []Message{AIMessage("Review passed.")}
		session := svc.Runtime.StartRun(GraphProgrammer, state.ProgrammerSession.ThreadID, "generate-conclusion", nil)
		cfg.Logger.Info("review passed", "programmer_thread", session.ThreadID)
		return NodeResult{Update: update}, nil
	}

	plan := state.TaskPlan.Clone()
	if task, ok := plan.ActiveTask(); ok {
		if err := plan.MarkTaskNotCompleted(task.ID); err != nil {
			return NodeResult{}, err
		}
	}
	reviews := state.ReviewsCount + 1

	var b strings.Builder
	b.WriteString("Review found the task incomplete. Fix the following before finishing:\n")
	for _, c := range out.Comments {
		b.WriteString("- " + c + "\n")
	}
	feedback := HumanMessage(b.String()).WithKwarg("hidden", true)

	update.TaskPlan = &plan
	update.ReviewsCount = &reviews
	update.InternalMessages = []Message{AIMessage("Review failed:\n" + b.String())}

	session := svc.Runtime.StartRun(GraphProgrammer, state.ProgrammerSession.ThreadID, "summarize-history", &StateUpdate{
		TaskPlan:         &plan,
		ReviewsCount:     &reviews,
		InternalMessages: []Message{feedback},
	})
	cfg.Logger.Info("review failed, programmer resumed", "programmer_thread", session.ThreadID, "reviews", reviews)
	return NodeResult{Update: update}, nil
}
