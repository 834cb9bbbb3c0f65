package openswe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// plannerContextTools are the read-only tools bound during context
// gathering. session_plan is offered too so the model can cut the loop short
// when it already knows enough.
var plannerContextTools = []string{
	"grep", "view", "shell", "get_url_content", "search_document_for", "scratchpad", "session_plan",
}

// NewPlannerGraph builds the planning graph: load issue context, bring up
// the sandbox, iterate a context-gathering tool loop, produce a plan, and
// gate it on human approval before handing off to the programmer.
func NewPlannerGraph() (*CompiledGraph, error) {
	g := NewGraph(GraphPlanner)
	g.AddNode("prepare-graph-state", prepareGraphState)
	g.AddNode("initialize-sandbox", initializeSandbox)
	g.AddNode("generate-plan-context-action", generatePlanContextAction)
	g.AddNode("take-plan-actions", takePlanActions)
	g.AddNode("generate-plan", generatePlan)
	g.AddNode("notetaker", notetaker)
	g.AddNode("interrupt-proposed-plan", interruptProposedPlan)
	g.AddNode("determine-needs-context", determineNeedsContext)
	g.AddNode("diagnose-error", plannerDiagnoseError)

	g.AddEdge(START, "prepare-graph-state")
	g.AddEdge("prepare-graph-state", "initialize-sandbox")
	g.AddEdge("initialize-sandbox", "generate-plan-context-action")
	g.AddConditional("generate-plan-context-action", func(state ThreadState) string {
		if last, ok := lastAIMessage(state.InternalMessages); ok && len(last.ToolCalls) > 0 {
			return "take-plan-actions"
		}
		return "generate-plan"
	})
	// take-plan-actions routes via Goto.
	g.AddEdge("take-plan-actions", "generate-plan-context-action")
	g.AddEdge("generate-plan", "notetaker")
	g.AddEdge("notetaker", "interrupt-proposed-plan")
	// interrupt-proposed-plan routes via Goto.
	g.AddEdge("interrupt-proposed-plan", END)
	// determine-needs-context routes via Goto.
	g.AddEdge("determine-needs-context", "generate-plan")
	g.AddEdge("diagnose-error", "generate-plan-context-action")
	return g.Compile()
}

// lastAIMessage returns the most recent AI message.
func lastAIMessage(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == KindAI {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// trackedCommentIDs collects the host comment ids already mirrored into the
// thread.
func trackedCommentIDs(msgs []Message) map[int64]bool {
	ids := make(map[int64]bool)
	for _, m := range msgs {
		if v, ok := m.Kwargs["githubCommentId"].(float64); ok {
			ids[int64(v)] = true
		}
	}
	return ids
}

// prepareGraphState syncs the thread with the issue: prior tasks collapse to
// one summary message, and issue comments not yet mirrored are appended.
// Skipped entirely in local mode.
func prepareGraphState(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	if svc.Config.LocalMode {
		return NodeResult{}, nil
	}
	if state.GithubIssueID == 0 {
		return NodeResult{}, &ErrValidation{Field: "githubIssueId", Message: "planner thread has no issue"}
	}

	var issue *Issue
	var comments []IssueComment
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		issue, err = svc.SourceControl.GetIssue(egCtx, state.TargetRepository, state.GithubIssueID)
		return err
	})
	eg.Go(func() error {
		var err error
		comments, err = svc.SourceControl.ListIssueComments(egCtx, state.TargetRepository, state.GithubIssueID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return NodeResult{}, &ErrExternal{System: "github", Op: "load issue", Err: err}
	}

	update := &StateUpdate{}

	// Followup planning on a thread with completed tasks: carry the prior
	// work forward as one summary message instead of the full history.
	if len(state.TaskPlan.Tasks) > 0 && len(state.InternalMessages) == 0 {
		var b strings.Builder
		b.WriteString("Previously completed work on this issue:\n")
		for _, t := range state.TaskPlan.Tasks {
			if t.Completed {
				fmt.Fprintf(&b, "- %s: %s\n", t.Title, t.Summary)
			}
		}
		summary := AIMessage(b.String()).WithKwarg("hidden", true)
		update.InternalMessages = append(update.InternalMessages, summary)
	}

	if len(state.InternalMessages) == 0 {
		issueMsg := HumanMessage(FormatIssueMessage(issue.Title, StripAgentSections(issue.Body))).
			WithKwarg("isOriginalIssue", true).
			WithKwarg("githubIssueId", state.GithubIssueID)
		update.InternalMessages = append(update.InternalMessages, issueMsg)
	}

	tracked := trackedCommentIDs(state.InternalMessages)
	for _, c := range comments {
		if tracked[c.ID] || strings.HasPrefix(c.Body, "🤖") {
			continue
		}
		msg := HumanMessage(c.Body).WithKwarg("githubCommentId", float64(c.ID))
		update.InternalMessages = append(update.InternalMessages, msg)
	}
	return NodeResult{Update: update}, nil
}

// defaultBranchName derives the working branch for an issue.
func defaultBranchName(issueID int) string {
	return fmt.Sprintf("open-swe/issue-%d-%s", issueID, uuid.NewString()[:8])
}

// initializeSandbox acquires the execution environment and snapshots the
// repository context a fresh sandbox provides.
func initializeSandbox(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services

	branch := state.BranchName
	if branch == "" && !svc.Config.LocalMode {
		branch = defaultBranchName(state.GithubIssueID)
	}

	acq, err := svc.Coordinator.Acquire(ctx, state.SandboxSessionID, state.TargetRepository, branch)
	if err != nil {
		return NodeResult{}, err
	}

	update := &StateUpdate{
		SandboxSessionID: ptr(acq.Sandbox.ID),
	}
	if branch != "" {
		update.BranchName = ptr(branch)
	}
	if acq.CodebaseTree != "" {
		update.CodebaseTree = ptr(acq.CodebaseTree)
	}
	if acq.DependenciesInstalled != nil {
		update.DependenciesInstalled = acq.DependenciesInstalled
	}
	if acq.FreshlyCreated || svc.Config.LocalMode {
		root := workingDirFor(state, cfg)
		if !svc.Config.LocalMode {
			root = RepoPath(state.TargetRepository)
		}
		rules, err := LoadCustomRules(ctx, svc.Coordinator.Executor(acq.Sandbox.ID), root)
		if err == nil && rules != "" {
			update.CustomRules = ptr(rules)
		}
	}
	return NodeResult{Update: update}, nil
}

// generatePlanContextAction runs one context-gathering model turn with the
// read-only tools bound.
func generatePlanContextAction(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	system := fmt.Sprintf(plannerContextPrompt, state.CodebaseTree, customRulesSection(state.CustomRules))
	msgs := append([]Message{SystemMessage(system)}, state.InternalMessages...)

	resp, modelKey, err := svc.Router.Chat(ctx, ClassPlanner, ChatRequest{
		Messages:  msgs,
		Tools:     svc.Tools.Definitions(plannerContextTools...),
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

// takePlanActions executes the tool calls from the last model turn. An
// execution error diverts through diagnosis; a session_plan call means the
// model is ready and the loop ends.
func takePlanActions(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	last, ok := lastAIMessage(state.InternalMessages)
	if !ok || len(last.ToolCalls) == 0 {
		return NodeResult{Goto: "generate-plan"}, nil
	}

	calls := last.ToolCalls
	var notes []string
	if svc.Config.LocalMode && svc.Safety != nil {
		calls, notes = svc.Safety.FilterUnsafe(ctx, calls)
	}

	update := &StateUpdate{}
	readyToPlan := false
	sawError := false
	outcomes := svc.Tools.ExecuteAll(ctx, calls, state, cfg)
	for _, o := range outcomes {
		update.InternalMessages = append(update.InternalMessages, ToolMessage(o.Call.ID, o.Result.Content))
		if o.Result.Update != nil {
			update = mergeUpdates(update, o.Result.Update)
		}
		if o.Result.Status == ToolError {
			sawError = true
		}
		if o.Call.Name == "session_plan" && o.Result.Status == ToolSuccess {
			readyToPlan = true
		}
	}
	for _, tc := range last.ToolCalls {
		if !containsCall(calls, tc.ID) {
			update.InternalMessages = append(update.InternalMessages, ToolMessage(tc.ID, "call blocked by safety policy"))
		}
	}
	for _, note := range notes {
		cfg.Logger.Info("planning call blocked", "note", note)
	}

	switch {
	case readyToPlan:
		return NodeResult{Update: update, Goto: "generate-plan"}, nil
	case sawError:
		return NodeResult{Update: update, Goto: "diagnose-error"}, nil
	default:
		return NodeResult{Update: update, Goto: "generate-plan-context-action"}, nil
	}
}

func containsCall(calls []ToolCall, id string) bool {
	for _, c := range calls {
		if c.ID == id {
			return true
		}
	}
	return false
}

// generatePlan produces the ordered plan item list via a structured call.
// When the context loop already produced a session_plan, the stored proposal
// is kept as-is.
func generatePlan(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	if len(state.ProposedPlan) > 0 {
		return NodeResult{}, nil
	}

	system := fmt.Sprintf(generatePlanPrompt, state.ContextGatheringNotes)
	msgs := append([]Message{SystemMessage(system)}, state.InternalMessages...)
	resp, modelKey, err := svc.Router.Chat(ctx, ClassPlanner, ChatRequest{
		Messages:   msgs,
		Tools:      svc.Tools.Definitions("session_plan"),
		ToolChoice: "session_plan",
		MaxModels:  state.MaxModels,
	})
	if err != nil {
		return NodeResult{}, err
	}
	var out sessionPlanArgs
	if err := ValidateStructuredCall(resp, "session_plan", &out); err != nil {
		return NodeResult{}, err
	}
	if len(out.Plan) == 0 {
		return NodeResult{}, &ErrToolExecution{Tool: "session_plan", Message: "empty plan"}
	}

	var b strings.Builder
	b.WriteString("Proposed plan: " + out.Title + "\n")
	for i, item := range out.Plan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}
	return NodeResult{Update: &StateUpdate{
		ProposedPlan:      out.Plan,
		ProposedPlanTitle: ptr(out.Title),
		Messages:          []Message{AIMessage(b.String())},
		InternalMessages:  []Message{AIMessage(b.String())},
		TokenData:         &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}},
	}}, nil
}

// notetaker distills the conversation and plan into the bounded context
// notes carried to the programmer.
func notetaker(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services

	var b strings.Builder
	for _, m := range state.InternalMessages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Kind, truncate(m.Content, 2000))
	}
	b.WriteString("\nProposed plan:\n")
	for i, item := range state.ProposedPlan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}

	resp, modelKey, err := svc.Router.Chat(ctx, ClassSummarizer, ChatRequest{
		Messages: []Message{SystemMessage(notetakerPrompt), HumanMessage(b.String())},
	})
	if err != nil {
		return NodeResult{}, err
	}
	return NodeResult{Update: &StateUpdate{
		ContextGatheringNotes: ptr(resp.Content),
		TokenData:             &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}},
	}}, nil
}

// interruptProposedPlan asks the human to approve the proposed plan, unless
// the thread auto-accepts. Approval accepts the plan and hands off to the
// programmer; a textual response is folded back in and re-planned.
func interruptProposedPlan(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	if state.AutoAcceptPlan {
		return acceptPlan(ctx, state, cfg)
	}

	raw, err := cfg.Interrupt(map[string]any{
		"type":          "proposed_plan",
		"title":         state.ProposedPlanTitle,
		"proposed_plan": state.ProposedPlan,
	})
	if err != nil {
		return NodeResult{}, err
	}
	if truthy(raw) {
		return acceptPlan(ctx, state, cfg)
	}

	// The human answered with feedback instead of approval.
	var feedback string
	if err := json.Unmarshal(raw, &feedback); err != nil {
		feedback = string(raw)
	}
	msg := HumanMessage(feedback)
	return NodeResult{
		Update: &StateUpdate{
			Messages:         []Message{msg},
			InternalMessages: []Message{msg},
			ProposedPlan:     []string{}, // force re-planning
		},
		Goto: "determine-needs-context",
	}, nil
}

// acceptPlan records the approved plan as a new task, mirrors it into the
// issue body, and launches the programmer run.
func acceptPlan(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	if len(state.ProposedPlan) == 0 {
		return NodeResult{}, &ErrValidation{Field: "proposedPlan", Message: "no plan to accept"}
	}

	request := ""
	if msg, ok := followupMessage(state.Messages); ok {
		request = msg.Content
	}
	if request == "" {
		for _, m := range state.InternalMessages {
			if m.IsOriginalIssue() {
				request = m.Content
				break
			}
		}
	}
	title := state.ProposedPlanTitle
	if title == "" {
		title = truncate(request, 80)
	}

	plan := state.TaskPlan.Clone()
	plan.CreateTask(request, title, state.ProposedPlan, "")

	if !svc.Config.LocalMode && state.GithubIssueID != 0 {
		issue, err := svc.SourceControl.GetIssue(ctx, state.TargetRepository, state.GithubIssueID)
		if err == nil {
			if body, err := EmbedTaskPlan(issue.Body, plan); err == nil {
				if err := svc.SourceControl.UpdateIssueBody(ctx, state.TargetRepository, state.GithubIssueID, body); err != nil {
					cfg.Logger.Warn("issue plan embed failed", "error", err)
				}
			}
		}
	}

	initial := &StateUpdate{
		TaskPlan:              &plan,
		GithubIssueID:         ptr(state.GithubIssueID),
		TargetRepository:      ptr(state.TargetRepository),
		BranchName:            ptr(state.BranchName),
		SandboxSessionID:      ptr(state.SandboxSessionID),
		CodebaseTree:          ptr(state.CodebaseTree),
		DependenciesInstalled: ptr(state.DependenciesInstalled),
		CustomRules:           ptr(state.CustomRules),
		ContextGatheringNotes: ptr(state.ContextGatheringNotes),
		MaxModels:             ptr(state.MaxModels),
	}
	session := svc.Runtime.StartRun(GraphProgrammer, state.ProgrammerSession.ThreadID, "", initial)
	cfg.Logger.Info("programmer started", "programmer_thread", session.ThreadID, "run", session.RunID)

	return NodeResult{
		Update: &StateUpdate{
			TaskPlan:          &plan,
			ProgrammerSession: &session,
			Messages:          []Message{AIMessage("Plan accepted. Starting implementation.")},
		},
		Goto: END,
	}, nil
}

// needsContextOutput is the structured decision after plan feedback.
type needsContextOutput struct {
	NeedsContext bool   `json:"needs_context" jsonschema:"description=Whether more repository context must be gathered"`
	Reasoning    string `json:"reasoning"`
}

// determineNeedsContext decides whether plan feedback requires another
// context-gathering pass or a direct re-plan.
func determineNeedsContext(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	msgs := append([]Message{SystemMessage(determineNeedsContextPrompt)}, state.InternalMessages...)
	resp, modelKey, err := svc.Router.Chat(ctx, ClassRouter, ChatRequest{
		Messages:   msgs,
		Tools:      []ToolDefinition{{Name: "needs_context", Description: "Record the context decision.", Parameters: SchemaFor[needsContextOutput]()}},
		ToolChoice: "needs_context",
	})
	if err != nil {
		return NodeResult{}, err
	}
	var out needsContextOutput
	if err := ValidateStructuredCall(resp, "needs_context", &out); err != nil {
		return NodeResult{}, err
	}
	update := &StateUpdate{TokenData: &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}}}
	if out.NeedsContext {
		return NodeResult{Update: update, Goto: "generate-plan-context-action"}, nil
	}
	return NodeResult{Update: update, Goto: "generate-plan"}, nil
}

// plannerDiagnoseError analyzes the most recent failing tool result and
// appends the diagnosis before the loop continues.
func plannerDiagnoseError(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	return diagnoseLastError(ctx, state, cfg, ClassPlanner)
}

// diagnoseLastError is shared by the planner and programmer graphs.
func diagnoseLastError(ctx context.Context, state ThreadState, cfg *RunConfig, class TaskClass) (NodeResult, error) {
	svc := cfg.Services

	var failing string
	for i := len(state.InternalMessages) - 1; i >= 0; i-- {
		m := state.InternalMessages[i]
		if m.Kind == KindTool && strings.HasPrefix(m.Content, "error:") {
			failing = m.Content
			break
		}
	}
	if failing == "" {
		return NodeResult{}, nil
	}

	resp, modelKey, err := svc.Router.Chat(ctx, class, ChatRequest{
		Messages:  []Message{SystemMessage(diagnoseErrorPrompt), HumanMessage(failing)},
		MaxModels: state.MaxModels,
	})
	if err != nil {
		return NodeResult{}, err
	}
	diagnosis := AIMessage("Failure diagnosis: " + resp.Content).WithKwarg("hidden", true)
	return NodeResult{Update: &StateUpdate{
		InternalMessages: []Message{diagnosis},
		TokenData:        &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}},
	}}, nil
}
