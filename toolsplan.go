package openswe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// --- Plan management tools ---

type updatePlanArgs struct {
	UpdatePlanReasoning string   `json:"update_plan_reasoning" jsonschema:"description=Why the plan needs to change"`
	PlanItems           []string `json:"plan_items" jsonschema:"description=The new remaining plan items in execution order"`
}

// UpdatePlanTool revises the active task's plan. Completed items survive at
// their positions; the new items fill in behind them.
func UpdatePlanTool() Tool {
	return Tool{
		Name:        "update_plan",
		Description: "Replace the remaining plan items of the active task. Completed items are preserved.",
		Schema:      SchemaFor[updatePlanArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a updatePlanArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "update_plan", Message: err.Error()}
			}
			if len(a.PlanItems) == 0 {
				return ToolResult{}, &ErrToolExecution{Tool: "update_plan", Message: "plan_items is required"}
			}
			plan := state.TaskPlan.Clone()
			task, ok := plan.ActiveTask()
			if !ok {
				return ToolResult{Content: "error: no active task to update", Status: ToolError}, nil
			}
			if err := plan.UpdatePlanItems(task.ID, a.PlanItems, RevisionByAgent); err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			return ToolResult{
				Content: fmt.Sprintf("plan updated, now at revision %d with %d open items", task.ActiveRevisionIndex, len(plan.RemainingPlanItems())),
				Status:  ToolSuccess,
				Update:  &StateUpdate{TaskPlan: &plan},
			}, nil
		},
	}
}

type markCompletedArgs struct {
	Summary       string `json:"completed_task_summary" jsonschema:"description=What was done and how it was verified"`
	PlanItemIndex *int   `json:"plan_item_index,omitempty" jsonschema:"description=Index of the completed item; defaults to the first open item"`
}

// MarkTaskCompletedTool marks the current plan item done. The programmer
// graph's completion routing keys off this tool being called.
func MarkTaskCompletedTool() Tool {
	return Tool{
		Name:        "mark_task_completed",
		Description: "Mark the current plan item as completed with a summary of the work.",
		Schema:      SchemaFor[markCompletedArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a markCompletedArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "mark_task_completed", Message: err.Error()}
			}
			plan := state.TaskPlan.Clone()
			task, ok := plan.ActiveTask()
			if !ok {
				return ToolResult{Content: "error: no active task", Status: ToolError}, nil
			}

			index := -1
			if a.PlanItemIndex != nil {
				index = *a.PlanItemIndex
			} else if remaining := plan.RemainingPlanItems(); len(remaining) > 0 {
				index = remaining[0].Index
			}
			if index < 0 {
				return ToolResult{Content: "error: no open plan items", Status: ToolError}, nil
			}
			if err := plan.CompletePlanItem(task.ID, index, a.Summary); err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}

			open := len(plan.RemainingPlanItems())
			if open == 0 {
				if err := plan.CompleteTask(task.ID, a.Summary); err != nil {
					return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
				}
			}
			return ToolResult{
				Content: fmt.Sprintf("plan item %d completed, %d remaining", index, open),
				Status:  ToolSuccess,
				Update:  &StateUpdate{TaskPlan: &plan},
			}, nil
		},
	}
}

type markNotCompletedArgs struct {
	Reasoning string `json:"reasoning" jsonschema:"description=Why the task is not actually done"`
}

// MarkTaskNotCompletedTool reopens the active task, e.g. after review finds
// the work incomplete.
func MarkTaskNotCompletedTool() Tool {
	return Tool{
		Name:        "mark_task_not_completed",
		Description: "Reopen the active task because the work is not actually complete.",
		Schema:      SchemaFor[markNotCompletedArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a markNotCompletedArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "mark_task_not_completed", Message: err.Error()}
			}
			plan := state.TaskPlan.Clone()
			task, ok := plan.ActiveTask()
			if !ok {
				return ToolResult{Content: "error: no active task", Status: ToolError}, nil
			}
			if err := plan.MarkTaskNotCompleted(task.ID); err != nil {
				return ToolResult{Content: "error: " + err.Error(), Status: ToolError}, nil
			}
			return ToolResult{
				Content: "task reopened: " + a.Reasoning,
				Status:  ToolSuccess,
				Update:  &StateUpdate{TaskPlan: &plan},
			}, nil
		},
	}
}

// --- Note-taking tools ---

type scratchpadArgs struct {
	Scratchpad []string `json:"scratchpad" jsonschema:"description=Observations worth remembering"`
}

// ScratchpadTool appends observations to the thread's context notes.
func ScratchpadTool() Tool {
	return Tool{
		Name:        "scratchpad",
		Description: "Record observations about the codebase for later steps. Append-only.",
		Schema:      SchemaFor[scratchpadArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a scratchpadArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "scratchpad", Message: err.Error()}
			}
			if len(a.Scratchpad) == 0 {
				return ToolResult{}, &ErrToolExecution{Tool: "scratchpad", Message: "scratchpad is required"}
			}
			notes := state.ContextGatheringNotes
			for _, line := range a.Scratchpad {
				if notes != "" {
					notes += "\n"
				}
				notes += "- " + line
			}
			return ToolResult{
				Content: fmt.Sprintf("noted %d observations", len(a.Scratchpad)),
				Status:  ToolSuccess,
				Update:  &StateUpdate{ContextGatheringNotes: &notes},
			}, nil
		},
	}
}

type technicalNotesArgs struct {
	Notes string `json:"notes" jsonschema:"description=Condensed technical notes for the next agent"`
}

// WriteTechnicalNotesTool replaces the thread's context notes wholesale.
func WriteTechnicalNotesTool() Tool {
	return Tool{
		Name:        "write_technical_notes",
		Description: "Write the condensed technical notes handed to the next agent. Replaces earlier notes.",
		Schema:      SchemaFor[technicalNotesArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a technicalNotesArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "write_technical_notes", Message: err.Error()}
			}
			if strings.TrimSpace(a.Notes) == "" {
				return ToolResult{}, &ErrToolExecution{Tool: "write_technical_notes", Message: "notes is required"}
			}
			return ToolResult{
				Content: "notes recorded",
				Status:  ToolSuccess,
				Update:  &StateUpdate{ContextGatheringNotes: &a.Notes},
			}, nil
		},
	}
}

// --- Structured planner output ---

// sessionPlanArgs is the structured output schema of the planner's
// generate-plan step.
type sessionPlanArgs struct {
	Title string   `json:"title" jsonschema:"description=Short title for the task"`
	Plan  []string `json:"plan" jsonschema:"description=Ordered plan items"`
}

// SessionPlanTool records the proposed plan produced by the planner. The
// planner graph reads the proposal from state when asking for approval.
func SessionPlanTool() Tool {
	return Tool{
		Name:        "session_plan",
		Description: "Submit the final ordered plan for the session.",
		Schema:      SchemaFor[sessionPlanArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			var a sessionPlanArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{}, &ErrToolExecution{Tool: "session_plan", Message: err.Error()}
			}
			if len(a.Plan) == 0 {
				return ToolResult{}, &ErrToolExecution{Tool: "session_plan", Message: "plan is required"}
			}
			return ToolResult{
				Content: fmt.Sprintf("plan proposed with %d items", len(a.Plan)),
				Status:  ToolSuccess,
				Update:  &StateUpdate{ProposedPlan: a.Plan, ProposedPlanTitle: &a.Title},
			}, nil
		},
	}
}

type requestHelpArgs struct {
	HelpRequest string `json:"help_request" jsonschema:"description=What the human should clarify or unblock"`
}

// RequestHumanHelpTool is the schema carrier for the programmer's help
// interrupt; the graph intercepts calls to it before dispatch and suspends.
func RequestHumanHelpTool() Tool {
	return Tool{
		Name:        "request_human_help",
		Description: "Ask the human operator for help when blocked. Execution pauses until they respond.",
		Schema:      SchemaFor[requestHelpArgs](),
		Exec: func(ctx context.Context, args json.RawMessage, state ThreadState, cfg *RunConfig) (ToolResult, error) {
			return ToolResult{Content: "help requested", Status: ToolSuccess}, nil
		},
	}
}
