package openswe

import (
	"context"
	"encoding/json"
	"fmt"
)

// programmerTools are bound during plan execution. The approval gate and the
// command-safety evaluator sit between the model asking and these running.
var programmerTools = []string{
	"shell", "grep", "view", "str_replace_based_edit_tool", "apply_patch",
	"install_dependencies", "get_url_content", "search_document_for",
	"mark_task_completed", "update_plan", "request_human_help", "open_pr",
}

// maxReviewAttempts bounds the programmer/reviewer ping-pong for one task.
const maxReviewAttempts = 3

// NewProgrammerGraph builds the execution graph: act on the approved plan one
// model turn at a time, commit after each batch of actions, and route to
// review when every plan item is done.
func NewProgrammerGraph() (*CompiledGraph, error) {
	g := NewGraph(GraphProgrammer)
	g.AddNode("initialize-programmer", initializeProgrammer)
	g.AddNode("summarize-history", summarizeHistory)
	g.AddNode("generate-message", generateMessage)
	g.AddNode("take-action", takeAction)
	g.AddNode("update-plan", applyPlanUpdate)
	g.AddNode("diagnose-error", programmerDiagnoseError)
	g.AddNode("route-completion", routeCompletion)
	g.AddNode("generate-conclusion", generateConclusion)

	g.AddEdge(START, "initialize-programmer")
	g.AddEdge("initialize-programmer", "summarize-history")
	g.AddEdge("summarize-history", "generate-message")
	g.AddConditional("generate-message", func(state ThreadState) string {
		if last, ok := lastAIMessage(state.InternalMessages); ok && len(last.ToolCalls) > 0 {
			return "take-action"
		}
		return "route-completion"
	})
	// take-action routes via Goto.
	g.AddEdge("take-action", "summarize-history")
	g.AddEdge("update-plan", "summarize-history")
	g.AddEdge("diagnose-error", "summarize-history")
	// route-completion routes via Goto.
	g.AddEdge("route-completion", END)
	g.AddEdge("generate-conclusion", END)
	return g.Compile()
}

// initializeProgrammer reattaches to (or recreates) the execution environment
// the planner handed off. A sandbox that died between the sessions is rebuilt
// transparently.
func initializeProgrammer(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	acq, err := svc.Coordinator.Acquire(ctx, state.SandboxSessionID, state.TargetRepository, state.BranchName)
	if err != nil {
		return NodeResult{}, err
	}
	update := &StateUpdate{SandboxSessionID: ptr(acq.Sandbox.ID)}
	if acq.CodebaseTree != "" {
		update.CodebaseTree = ptr(acq.CodebaseTree)
	}
	if acq.DependenciesInstalled != nil {
		update.DependenciesInstalled = acq.DependenciesInstalled
	}
	if acq.FreshlyCreated && state.CustomRules == "" {
		rules, err := LoadCustomRules(ctx, svc.Coordinator.Executor(acq.Sandbox.ID), RepoPath(state.TargetRepository))
		if err == nil && rules != "" {
			update.CustomRules = ptr(rules)
		}
	}
	return NodeResult{Update: update}, nil
}

// summarizeHistory compacts the internal message history when it crosses the
// token ceiling. A no-op otherwise.
func summarizeHistory(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	if !needsSummarization(svc.Tokens, state.InternalMessages, svc.Config.maxInternalTokens()) {
		return NodeResult{}, nil
	}
	update, err := compactHistory(ctx, svc.Router, state.InternalMessages)
	if err != nil {
		// Compaction failing must not kill the run; continue with the long
		// history and try again next cycle.
		cfg.Logger.Warn("history compaction failed", "error", err)
		return NodeResult{}, nil
	}
	return NodeResult{Update: update}, nil
}

// programmerSystem renders the execution system prompt from the active task.
func programmerSystem(state ThreadState) string {
	taskText := "(no active task)"
	if task, ok := state.TaskPlan.ActiveTask(); ok {
		taskText = task.Title + "\n" + task.Request
	}
	return fmt.Sprintf(programmerSystemPrompt,
		taskText,
		formatPlanForPrompt(state.TaskPlan),
		state.ContextGatheringNotes,
		customRulesSection(state.CustomRules),
	)
}

// generateMessage runs one model turn with the execution tools bound.
func generateMessage(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	msgs := append([]Message{SystemMessage(programmerSystem(state))}, state.InternalMessages...)
	resp, modelKey, err := svc.Router.Chat(ctx, ClassProgrammer, ChatRequest{
		Messages:  msgs,
		Tools:     svc.Tools.Definitions(programmerTools...),
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

// gateActions applies the approval cache and, in local mode, the
// command-safety evaluator to a batch of proposed calls. Sandboxed commands
// run unevaluated. All unapproved write calls in the batch share a single
// interrupt, so replaying the node after resume is idempotent. Newly granted
// approvals come back in the update for the cache.
func gateActions(ctx context.Context, calls []ToolCall, state ThreadState, cfg *RunConfig) (kept []ToolCall, blocked map[string]string, update *StateUpdate, err error) {
	svc := cfg.Services
	wd := workingDirFor(state, cfg)
	blocked = make(map[string]string)
	update = &StateUpdate{}

	var pending []ToolCall
	var prompts []approvalPrompt
	for _, tc := range calls {
		if command, ok := shellCommandOf(tc); ok && svc.Config.LocalMode && svc.Safety != nil {
			verdict := svc.Safety.Evaluate(ctx, command)
			if !verdict.IsSafe {
				blocked[tc.ID] = "command blocked by safety policy: " + verdict.Reasoning
				continue
			}
		}
		if !svc.Config.isWriteCommand(tc.Name) || state.ApprovedOperations.Has(ApprovalKeyForCall(tc, wd)) {
			kept = append(kept, tc)
			continue
		}
		pending = append(pending, tc)
		prompts = append(prompts, approvalPrompt{Command: tc.Name, Args: tc.Args, ApprovalKey: ApprovalKeyForCall(tc, wd)})
	}
	if len(pending) == 0 {
		return kept, blocked, update, nil
	}

	raw, ierr := cfg.Interrupt(map[string]any{"type": "approval_request", "operations": prompts})
	if ierr != nil {
		return nil, nil, nil, ierr
	}
	if !truthy(raw) {
		for _, tc := range pending {
			blocked[tc.ID] = "operation declined by the user"
		}
		return kept, blocked, update, nil
	}
	granted := ApprovedOperations{CachedApprovals: make(map[ApprovalKey]bool, len(pending))}
	for _, tc := range pending {
		granted.CachedApprovals[ApprovalKeyForCall(tc, wd)] = true
		kept = append(kept, tc)
	}
	merged := state.ApprovedOperations.union(granted)
	update.ApprovedOperations = &merged
	return kept, blocked, update, nil
}

// takeAction executes the gated tool calls from the last model turn, commits
// and pushes resulting changes, and routes by what happened.
func takeAction(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	last, ok := lastAIMessage(state.InternalMessages)
	if !ok || len(last.ToolCalls) == 0 {
		return NodeResult{Goto: "route-completion"}, nil
	}

	// Help requests suspend before anything else in the batch runs.
	for _, tc := range last.ToolCalls {
		if tc.Name == "request_human_help" {
			return requestHelp(ctx, tc, last.ToolCalls, cfg)
		}
	}
	// Plan updates run their own two-step flow instead of the tool executor.
	for _, tc := range last.ToolCalls {
		if tc.Name == "update_plan" {
			notes := interceptBatch(last.ToolCalls, tc.ID,
				"plan update started",
				"error: not executed: superseded by the plan update")
			return NodeResult{
				Update: &StateUpdate{InternalMessages: notes},
				Goto:   "update-plan",
			}, nil
		}
	}

	kept, blockedNotes, update, err := gateActions(ctx, last.ToolCalls, state, cfg)
	if err != nil {
		return NodeResult{}, err
	}

	sawError := false
	outcomes := svc.Tools.ExecuteAll(ctx, kept, state, cfg)
	results := make(map[string]ToolResult, len(outcomes))
	for _, o := range outcomes {
		results[o.Call.ID] = o.Result
		if o.Result.Update != nil {
			update = mergeUpdates(update, o.Result.Update)
		}
		if o.Result.Status == ToolError {
			sawError = true
		}
	}
	// Tool messages go back in the model's call order, blocked ones included.
	for _, tc := range last.ToolCalls {
		if reason, ok := blockedNotes[tc.ID]; ok {
			update.InternalMessages = append(update.InternalMessages, ToolMessage(tc.ID, "error: "+reason))
			continue
		}
		if res, ok := results[tc.ID]; ok {
			update.InternalMessages = append(update.InternalMessages, ToolMessage(tc.ID, res.Content))
		}
	}

	commitUpdate, err := commitProgress(ctx, applyUpdate(state, update), cfg)
	if err != nil {
		cfg.Logger.Warn("commit after actions failed", "error", err)
	} else if commitUpdate != nil {
		update = mergeUpdates(update, commitUpdate)
	}

	merged := applyUpdate(state, update)
	switch {
	case len(merged.TaskPlan.Tasks) > 0 && len(merged.TaskPlan.RemainingPlanItems()) == 0:
		return NodeResult{Update: update, Goto: "route-completion"}, nil
	case sawError:
		return NodeResult{Update: update, Goto: "diagnose-error"}, nil
	default:
		return NodeResult{Update: update, Goto: "summarize-history"}, nil
	}
}

// interceptBatch answers every tool call of one model turn when a single call
// hijacks the node: the intercepted call gets own, the rest get note. Chat
// providers reject histories with unanswered tool-call ids, so none may be
// left dangling.
func interceptBatch(calls []ToolCall, id, own, note string) []Message {
	msgs := make([]Message, 0, len(calls))
	for _, tc := range calls {
		content := note
		if tc.ID == id {
			content = own
		}
		msgs = append(msgs, ToolMessage(tc.ID, content))
	}
	return msgs
}

// requestHelp suspends the run until a human responds, then folds the answer
// back in as a user message. Sibling calls from the same turn are answered as
// not executed.
func requestHelp(ctx context.Context, tc ToolCall, batch []ToolCall, cfg *RunConfig) (NodeResult, error) {
	var a requestHelpArgs
	_ = json.Unmarshal(tc.Args, &a)
	raw, err := cfg.Interrupt(map[string]any{
		"type":         "help_request",
		"help_request": a.HelpRequest,
	})
	if err != nil {
		return NodeResult{}, err
	}
	var answer string
	if err := json.Unmarshal(raw, &answer); err != nil {
		answer = string(raw)
	}
	msgs := interceptBatch(batch, tc.ID,
		"help received",
		"error: not executed: the run suspended for a help request")
	msgs = append(msgs, HumanMessage(answer))
	return NodeResult{Update: &StateUpdate{
		InternalMessages: msgs,
	}, Goto: "summarize-history"}, nil
}

// commitProgress commits and pushes outstanding work, opening the draft pull
// request on the task's first commit. Returns nil when nothing changed.
func commitProgress(ctx context.Context, state ThreadState, cfg *RunConfig) (*StateUpdate, error) {
	svc := cfg.Services
	if svc.Config.LocalMode || state.TargetRepository.IsZero() || state.BranchName == "" {
		return nil, nil
	}
	git := NewGitOps(executorFor(state, cfg), svc.SourceControl, svc.Config)
	committed, err := git.CommitAll(ctx, state.TargetRepository)
	if err != nil {
		return nil, err
	}
	if !committed {
		return nil, nil
	}
	if err := git.Push(ctx, state.TargetRepository, state.BranchName, false); err != nil {
		return nil, err
	}

	task, ok := state.TaskPlan.ActiveTask()
	if !ok || task.PullRequestNumber != 0 {
		return nil, nil
	}
	pr, err := git.OpenDraftPR(ctx, state.TargetRepository, state.BranchName, task.Title, task.Request)
	if err != nil {
		return nil, err
	}
	plan := state.TaskPlan.Clone()
	if err := plan.AddPullRequestNumberToActiveTask(pr.Number); err != nil {
		return nil, err
	}
	cfg.Logger.Info("draft pull request opened", "number", pr.Number)
	return &StateUpdate{TaskPlan: &plan}, nil
}

// applyPlanUpdate runs the two-step plan revision: free-form reasoning about
// what the remaining work actually is, then a structured call producing the
// new items.
func applyPlanUpdate(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services

	msgs := append([]Message{SystemMessage(updatePlanReasoningPrompt)}, state.InternalMessages...)
	reasoning, modelKey, err := svc.Router.Chat(ctx, ClassProgrammer, ChatRequest{Messages: msgs, MaxModels: state.MaxModels})
	if err != nil {
		return NodeResult{}, err
	}
	update := &StateUpdate{
		TokenData: &TokenData{ByModel: map[string]Usage{modelKey: reasoning.Usage}},
	}

	applyMsgs := append([]Message{
		SystemMessage(fmt.Sprintf(updatePlanApplyPrompt, reasoning.Content)),
	}, state.InternalMessages...)
	resp, modelKey, err := svc.Router.Chat(ctx, ClassProgrammer, ChatRequest{
		Messages:   applyMsgs,
		Tools:      svc.Tools.Definitions("update_plan"),
		ToolChoice: "update_plan",
		MaxModels:  state.MaxModels,
	})
	if err != nil {
		return NodeResult{}, err
	}
	update = mergeUpdates(update, &StateUpdate{
		TokenData: &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}},
	})

	var a updatePlanArgs
	if err := ValidateStructuredCall(resp, "update_plan", &a); err != nil {
		return NodeResult{}, err
	}
	plan := state.TaskPlan.Clone()
	task, ok := plan.ActiveTask()
	if !ok {
		return NodeResult{}, &ErrValidation{Field: "taskPlan", Message: "no active task to update"}
	}
	if err := plan.UpdatePlanItems(task.ID, a.PlanItems, RevisionByAgent); err != nil {
		return NodeResult{}, err
	}
	note := AIMessage(fmt.Sprintf("Plan revised: %s\n%s", a.UpdatePlanReasoning, formatPlanForPrompt(plan))).
		WithKwarg("hidden", true)
	update = mergeUpdates(update, &StateUpdate{
		TaskPlan:         &plan,
		InternalMessages: []Message{note},
	})
	return NodeResult{Update: update}, nil
}

func programmerDiagnoseError(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	return diagnoseLastError(ctx, state, cfg, ClassProgrammer)
}

// routeCompletion decides what happens when the model stops calling tools:
// unfinished plans get nudged back into the loop, finished ones go to review
// or, once the review budget is spent, straight to the conclusion.
func routeCompletion(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services

	if remaining := state.TaskPlan.RemainingPlanItems(); len(remaining) > 0 {
		nudge := HumanMessage(fmt.Sprintf(
			"%d plan items remain. Continue with item %d: %s. Use mark_task_completed when an item is verified done.",
			len(remaining), remaining[0].Index, remaining[0].Plan,
		)).WithKwarg("hidden", true)
		return NodeResult{
			Update: &StateUpdate{InternalMessages: []Message{nudge}},
			Goto:   "summarize-history",
		}, nil
	}

	if svc.Config.LocalMode || state.ReviewsCount >= maxReviewAttempts {
		return NodeResult{Goto: "generate-conclusion"}, nil
	}

	session := svc.Runtime.StartRun(GraphReviewer, state.ReviewerSession.ThreadID, "", reviewerHandoff(state, cfg))
	cfg.Logger.Info("reviewer started", "reviewer_thread", session.ThreadID, "run", session.RunID)
	return NodeResult{
		Update: &StateUpdate{ReviewerSession: &session},
		Goto:   END,
	}, nil
}

// reviewerHandoff is the initial state for a reviewer run over this thread's
// task.
func reviewerHandoff(state ThreadState, cfg *RunConfig) *StateUpdate {
	plan := state.TaskPlan.Clone()
	return &StateUpdate{
		TaskPlan:              &plan,
		GithubIssueID:         ptr(state.GithubIssueID),
		TargetRepository:      ptr(state.TargetRepository),
		BranchName:            ptr(state.BranchName),
		SandboxSessionID:      ptr(state.SandboxSessionID),
		CodebaseTree:          ptr(state.CodebaseTree),
		DependenciesInstalled: ptr(state.DependenciesInstalled),
		CustomRules:           ptr(state.CustomRules),
		ContextGatheringNotes: ptr(state.ContextGatheringNotes),
		ReviewsCount:          ptr(state.ReviewsCount),
		MaxModels:             ptr(state.MaxModels),
		ProgrammerSession:     ptr(Session{ThreadID: cfg.ThreadID, RunID: cfg.RunID}),
	}
}

// generateConclusion writes the closing summary, surfaces it to the user, and
// mirrors it to the issue.
func generateConclusion(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	msgs := append([]Message{SystemMessage(conclusionPrompt)}, state.InternalMessages...)
	resp, modelKey, err := svc.Router.Chat(ctx, ClassProgrammer, ChatRequest{Messages: msgs, MaxModels: state.MaxModels})
	if err != nil {
		return NodeResult{}, err
	}

	conclusion := resp.Content
	if task, ok := state.TaskPlan.ActiveTask(); ok && task.PullRequestNumber != 0 {
		conclusion += fmt.Sprintf("\n\nPull request: #%d", task.PullRequestNumber)
	}
	if !svc.Config.LocalMode && state.GithubIssueID != 0 {
		if _, err := svc.SourceControl.CreateIssueComment(ctx, state.TargetRepository, state.GithubIssueID, conclusion); err != nil {
			cfg.Logger.Warn("conclusion comment failed", "error", err)
		}
	}
	return NodeResult{Update: &StateUpdate{
		Messages:         []Message{AIMessage(conclusion)},
		InternalMessages: []Message{AIMessage(conclusion)},
		TokenData:        &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}},
	}}, nil
}
