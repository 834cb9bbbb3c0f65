package openswe

import (
	"context"
	"encoding/json"
	"fmt"
)

// Graph identifiers.
const (
	GraphManager    = "manager"
	GraphPlanner    = "planner"
	GraphProgrammer = "programmer"
	GraphReviewer   = "reviewer"
)

// RequestSource values recorded on incoming human messages.
const (
	SourceIssueWebhook  = "github_issue_webhook"
	SourceReviewWebhook = "github_review_webhook"
	SourceAPI           = "api"
)

// NewManagerGraph builds the top-level graph: ingest the issue, classify the
// request, and either spawn a planner run, spin off a parallel session, or
// stop.
func NewManagerGraph() (*CompiledGraph, error) {
	g := NewGraph(GraphManager)
	g.AddNode("initialize-issue", initializeIssue)
	g.AddNode("classify-message", classifyMessage)
	g.AddNode("start-planner", startPlanner)
	g.AddNode("create-new-session", createNewSession)
	g.AddEdge(START, "initialize-issue")
	g.AddEdge("initialize-issue", "classify-message")
	// classify-message routes via Goto.
	g.AddEdge("classify-message", END)
	g.AddEdge("start-planner", END)
	g.AddEdge("create-new-session", END)
	return g.Compile()
}

// hasHumanMessage reports whether the thread already carries user input.
func hasHumanMessage(msgs []Message) bool {
	for _, m := range msgs {
		if m.Kind == KindHuman {
			return true
		}
	}
	return false
}

// followupMessage returns the latest human message that is not the original
// issue, or false.
func followupMessage(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == KindHuman && !msgs[i].IsOriginalIssue() {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// initializeIssue loads the triggering issue into the thread. On followup
// runs (local mode, or a user message already present) only the embedded
// task plan is refreshed from the issue body; the first run converts the
// issue into the thread's original Human message.
func initializeIssue(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services

	if svc.Config.LocalMode || hasHumanMessage(state.Messages) {
		if svc.Config.LocalMode || state.GithubIssueID == 0 {
			return NodeResult{}, nil
		}
		issue, err := svc.SourceControl.GetIssue(ctx, state.TargetRepository, state.GithubIssueID)
		if err != nil {
			return NodeResult{}, &ErrExternal{System: "github", Op: "get issue", Err: err}
		}
		plan, found, err := ExtractTaskPlan(issue.Body)
		if err != nil {
			return NodeResult{}, err
		}
		if !found {
			return NodeResult{}, nil
		}
		return NodeResult{Update: &StateUpdate{TaskPlan: &plan}}, nil
	}

	if state.GithubIssueID == 0 {
		return NodeResult{}, &ErrValidation{Field: "githubIssueId", Message: "manager thread has no issue"}
	}
	if state.TargetRepository.IsZero() {
		return NodeResult{}, &ErrValidation{Field: "targetRepository", Message: "manager thread has no repository"}
	}

	issue, err := svc.SourceControl.GetIssue(ctx, state.TargetRepository, state.GithubIssueID)
	if err != nil {
		return NodeResult{}, &ErrExternal{System: "github", Op: "get issue", Err: err}
	}

	update := &StateUpdate{}
	if plan, found, err := ExtractTaskPlan(issue.Body); err != nil {
		return NodeResult{}, err
	} else if found {
		update.TaskPlan = &plan
	}
	if proposed, found, err := ExtractProposedPlan(issue.Body); err != nil {
		return NodeResult{}, err
	} else if found {
		update.ProposedPlan = proposed
	}

	msg := HumanMessage(FormatIssueMessage(issue.Title, StripAgentSections(issue.Body))).
		WithKwarg("isOriginalIssue", true).
		WithKwarg("requestSource", SourceIssueWebhook).
		WithKwarg("githubIssueId", state.GithubIssueID)
	update.Messages = []Message{msg}
	update.InternalMessages = []Message{msg}
	return NodeResult{Update: update}, nil
}

// --- Classification ---

// classifierOutput is the structured route decision.
type classifierOutput struct {
	InternalReasoning string `json:"internal_reasoning"`
	Response          string `json:"response"`
	Route             string `json:"route"`
}

// routesFor computes the route enum offered to the classifier from the
// current planner and programmer statuses. no_op is always offered.
func routesFor(planner, programmer RunStatus) []string {
	routes := []string{"no_op"}
	switch planner {
	case StatusNotStarted:
		routes = append(routes, "start_planner")
	case StatusBusy:
		routes = append(routes, "update_planner")
	case StatusInterrupted:
		routes = append(routes, "resume_and_update_planner")
	}
	if planner == StatusIdle && programmer == StatusIdle {
		routes = append(routes, "start_planner_for_followup")
	}
	if programmer == StatusBusy {
		routes = append(routes, "update_programmer")
	}
	if planner != StatusNotStarted && programmer != StatusNotStarted {
		routes = append(routes, "create_new_issue")
	}
	return routes
}

// classifyToolDefinition builds the classify_request tool with the route
// enum injected for the current state.
func classifyToolDefinition(routes []string) ToolDefinition {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"internal_reasoning": map[string]any{
				"type":        "string",
				"description": "Step-by-step reasoning about what the user wants",
			},
			"response": map[string]any{
				"type":        "string",
				"description": "Short reply shown to the user",
			},
			"route": map[string]any{
				"type": "string",
				"enum": routes,
			},
		},
		"required":             []string{"internal_reasoning", "response", "route"},
		"additionalProperties": false,
	}
	raw, _ := json.Marshal(schema)
	return ToolDefinition{
		Name:        "classify_request",
		Description: "Record the routing decision for the incoming request.",
		Parameters:  raw,
	}
}

// sessionStatus resolves a child session's thread status; missing sessions
// and threads count as not_started.
func sessionStatus(ctx context.Context, store ThreadStore, s Session) RunStatus {
	if s.IsZero() {
		return StatusNotStarted
	}
	t, err := store.GetThread(ctx, s.ThreadID)
	if err != nil {
		return StatusNotStarted
	}
	return t.Status
}

// resolveProgrammerSession returns the programmer session for this manager
// thread. The planner records the session on its own thread when the plan is
// accepted, so a manager that never saw it falls back to the planner thread's
// state.
func resolveProgrammerSession(ctx context.Context, store ThreadStore, state ThreadState) Session {
	if !state.ProgrammerSession.IsZero() {
		return state.ProgrammerSession
	}
	if state.PlannerSession.IsZero() {
		return Session{}
	}
	t, err := store.GetThread(ctx, state.PlannerSession.ThreadID)
	if err != nil {
		return Session{}
	}
	return t.State.ProgrammerSession
}

// classifyMessage asks the router model where to send the request. The
// offered route enum depends on the planner and programmer statuses; an
// answer outside it is rejected.
func classifyMessage(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services
	plannerStatus := sessionStatus(ctx, svc.Store, state.PlannerSession)
	programmerSession := resolveProgrammerSession(ctx, svc.Store, state)
	programmerStatus := sessionStatus(ctx, svc.Store, programmerSession)
	routes := routesFor(plannerStatus, programmerStatus)

	msgs := append([]Message{SystemMessage(classifyPrompt(routes, plannerStatus, programmerStatus))}, visibleConversation(state.Messages)...)
	resp, modelKey, err := svc.Router.Chat(ctx, ClassRouter, ChatRequest{
		Messages:   msgs,
		Tools:      []ToolDefinition{classifyToolDefinition(routes)},
		ToolChoice: "classify_request",
	})
	if err != nil {
		return NodeResult{}, err
	}
	var out classifierOutput
	if err := ValidateStructuredCall(resp, "classify_request", &out); err != nil {
		return NodeResult{}, err
	}
	valid := false
	for _, r := range routes {
		if out.Route == r {
			valid = true
			break
		}
	}
	if !valid {
		return NodeResult{}, &ErrToolExecution{Tool: "classify_request", Message: "route " + out.Route + " not in offered enum"}
	}

	update := &StateUpdate{
		Messages:  []Message{AIMessage(out.Response)},
		TokenData: &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}},
	}
	cfg.Logger.Info("request classified", "route", out.Route)

	switch out.Route {
	case "start_planner", "start_planner_for_followup":
		return NodeResult{Update: update, Goto: "start-planner"}, nil
	case "create_new_issue":
		return NodeResult{Update: update, Goto: "create-new-session"}, nil
	case "update_planner":
		if msg, ok := followupMessage(state.Messages); ok {
			svc.Runtime.StartRun(GraphPlanner, state.PlannerSession.ThreadID, "", &StateUpdate{
				Messages:         []Message{msg},
				InternalMessages: []Message{msg},
			})
		}
		return NodeResult{Update: update, Goto: END}, nil
	case "update_programmer":
		if msg, ok := followupMessage(state.Messages); ok {
			svc.Runtime.StartRun(GraphProgrammer, programmerSession.ThreadID, "", &StateUpdate{
				Messages:         []Message{msg},
				InternalMessages: []Message{msg},
			})
			update.ProgrammerSession = &programmerSession
		}
		return NodeResult{Update: update, Goto: END}, nil
	case "resume_and_update_planner":
		msg, _ := followupMessage(state.Messages)
		threadID := state.PlannerSession.ThreadID
		runtime := svc.Runtime
		raw, _ := json.Marshal(msg.Content)
		go func() {
			if _, err := runtime.Resume(context.Background(), threadID, raw); err != nil {
				cfg.Logger.Error("planner resume failed", "thread", threadID, "error", err)
			}
		}()
		return NodeResult{Update: update, Goto: END}, nil
	default: // no_op
		return NodeResult{Update: update, Goto: END}, nil
	}
}

// visibleConversation filters hidden messages out of the prompt.
func visibleConversation(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Hidden() {
			out = append(out, m)
		}
	}
	return out
}

// --- Planner launch ---

// startPlanner spawns the planner sub-graph run against its own thread,
// reusing the session thread when one exists. The run is not awaited; the
// manager records the session identifiers and terminates.
func startPlanner(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services

	if !svc.Config.LocalMode && !svc.SourceControl.UsesPAT() {
		if err := svc.SourceControl.RefreshAuth(ctx); err != nil {
			return NodeResult{}, &ErrExternal{System: "github", Op: "refresh auth", Err: err}
		}
	}

	plan := state.TaskPlan.Clone()
	initial := &StateUpdate{
		GithubIssueID:    ptr(state.GithubIssueID),
		TargetRepository: ptr(state.TargetRepository),
		TaskPlan:         &plan,
		BranchName:       ptr(state.BranchName),
		AutoAcceptPlan:   ptr(state.AutoAcceptPlan),
		MaxModels:        ptr(state.MaxModels),
	}
	if msg, ok := followupMessage(state.Messages); ok {
		initial.Messages = []Message{msg}
		initial.InternalMessages = []Message{msg}
	}

	session := svc.Runtime.StartRun(GraphPlanner, state.PlannerSession.ThreadID, "", initial)
	cfg.Logger.Info("planner started", "planner_thread", session.ThreadID, "run", session.RunID)

	if !svc.Config.LocalMode && state.GithubIssueID != 0 {
		body := fmt.Sprintf("🤖 I've started working on this. Track progress at %s/threads/%s", svc.Config.AppURL, session.ThreadID)
		if _, err := svc.SourceControl.CreateIssueComment(ctx, state.TargetRepository, state.GithubIssueID, body); err != nil {
			cfg.Logger.Warn("progress comment failed", "error", err)
		}
	}

	return NodeResult{Update: &StateUpdate{PlannerSession: &session}}, nil
}

// --- Parallel sessions ---

type newIssueOutput struct {
	Title string `json:"title" jsonschema:"description=Imperative issue title"`
	Body  string `json:"body" jsonschema:"description=Issue body with enough context to work from"`
}

// createNewSession derives a fresh issue from the conversation, creates it on
// the host, seeds a new manager thread, and starts that thread directly at
// the planner launch. The originating thread gets a pointer to the new one.
func createNewSession(ctx context.Context, state ThreadState, cfg *RunConfig) (NodeResult, error) {
	svc := cfg.Services

	msgs := append([]Message{SystemMessage(newSessionPrompt)}, visibleConversation(state.Messages)...)
	resp, modelKey, err := svc.Router.Chat(ctx, ClassRouter, ChatRequest{
		Messages:   msgs,
		Tools:      []ToolDefinition{{Name: "create_issue", Description: "Record the new issue.", Parameters: SchemaFor[newIssueOutput]()}},
		ToolChoice: "create_issue",
	})
	if err != nil {
		return NodeResult{}, err
	}
	var out newIssueOutput
	if err := ValidateStructuredCall(resp, "create_issue", &out); err != nil {
		return NodeResult{}, err
	}

	labels := svc.Config.TriggerLabels()[:1]
	issue, err := svc.SourceControl.CreateIssue(ctx, state.TargetRepository, out.Title, out.Body, labels)
	if err != nil {
		return NodeResult{}, &ErrExternal{System: "github", Op: "create issue", Err: err}
	}

	seed := HumanMessage(FormatIssueMessage(issue.Title, issue.Body)).
		WithKwarg("isOriginalIssue", true).
		WithKwarg("requestSource", SourceAPI).
		WithKwarg("githubIssueId", issue.Number)
	confirm := AIMessage("Started a new session for: " + issue.Title)

	session := svc.Runtime.StartRun(GraphManager, "", "start-planner", &StateUpdate{
		Messages:         []Message{seed, confirm},
		InternalMessages: []Message{seed},
		GithubIssueID:    ptr(issue.Number),
		TargetRepository: ptr(state.TargetRepository),
	})
	cfg.Logger.Info("parallel session created", "issue", issue.Number, "thread", session.ThreadID)

	reply := AIMessage(fmt.Sprintf("Created issue #%d and started a new session (thread %s).", issue.Number, session.ThreadID))
	return NodeResult{Update: &StateUpdate{
		Messages:  []Message{reply},
		TokenData: &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}},
	}}, nil
}
