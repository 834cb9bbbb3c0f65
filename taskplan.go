package openswe

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Task plan data model ---

// PlanItem is one prose directive within a plan revision. Index is dense
// within the revision; once an item is completed its Plan text is immutable
// for the rest of the task (later revisions carry it forward unchanged).
type PlanItem struct {
	Index     int    `json:"index"`
	Plan      string `json:"plan"`
	Completed bool   `json:"completed"`
	Summary   string `json:"summary,omitempty"`
}

// RevisionAuthor identifies who produced a plan revision.
type RevisionAuthor string

const (
	RevisionByAgent RevisionAuthor = "agent"
	RevisionByUser  RevisionAuthor = "user"
)

// PlanRevision is an immutable snapshot of a task's plan. New revisions
// supersede old ones; a recorded revision is never edited except for the
// in-place completion marks on its items.
type PlanRevision struct {
	RevisionIndex int            `json:"revision_index"`
	Plans         []PlanItem     `json:"plans"`
	CreatedAt     time.Time      `json:"created_at"`
	CreatedBy     RevisionAuthor `json:"created_by"`
}

// Task is a single coherent unit of work derived from a user request.
type Task struct {
	ID                  string         `json:"id"`
	TaskIndex           int            `json:"task_index"`
	Request             string         `json:"request"`
	Title               string         `json:"title"`
	CreatedAt           time.Time      `json:"created_at"`
	Completed           bool           `json:"completed"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	Summary             string         `json:"summary,omitempty"`
	ParentTaskID        string         `json:"parent_task_id,omitempty"`
	PullRequestNumber   int            `json:"pull_request_number,omitempty"`
	PlanRevisions       []PlanRevision `json:"plan_revisions"`
	ActiveRevisionIndex int            `json:"active_revision_index"`
}

// ActiveRevision returns the task's current plan revision.
// Returns false when the task has no revisions or the index is out of range.
func (t *Task) ActiveRevision() (*PlanRevision, bool) {
	if t.ActiveRevisionIndex < 0 || t.ActiveRevisionIndex >= len(t.PlanRevisions) {
		return nil, false
	}
	return &t.PlanRevisions[t.ActiveRevisionIndex], true
}

// TaskPlan maps a request thread to an ordered set of tasks.
type TaskPlan struct {
	Tasks           []Task `json:"tasks"`
	ActiveTaskIndex int    `json:"active_task_index"`
}

// ActiveTask returns the currently active task, or false when the plan is empty.
func (p *TaskPlan) ActiveTask() (*Task, bool) {
	if p.ActiveTaskIndex < 0 || p.ActiveTaskIndex >= len(p.Tasks) {
		return nil, false
	}
	return &p.Tasks[p.ActiveTaskIndex], true
}

// taskByID finds a task by its stable identifier.
func (p *TaskPlan) taskByID(taskID string) (*Task, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == taskID {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// --- Task plan mechanics ---

// CreateTask appends a new task with one initial plan revision built from the
// given items, and makes it the active task. Item indices are assigned densely
// from zero in the given order.
func (p *TaskPlan) CreateTask(request, title string, planItems []string, parentTaskID string) *Task {
	items := make([]PlanItem, len(planItems))
	for i, plan := range planItems {
		items[i] = PlanItem{Index: i, Plan: plan}
	}
	task := Task{
		ID:           uuid.NewString(),
		TaskIndex:    len(p.Tasks),
		Request:      request,
		Title:        title,
		CreatedAt:    time.Now().UTC(),
		ParentTaskID: parentTaskID,
		PlanRevisions: []PlanRevision{{
			RevisionIndex: 0,
			Plans:         items,
			CreatedAt:     time.Now().UTC(),
			CreatedBy:     RevisionByAgent,
		}},
	}
	p.Tasks = append(p.Tasks, task)
	p.ActiveTaskIndex = len(p.Tasks) - 1
	return &p.Tasks[p.ActiveTaskIndex]
}

// UpdatePlanItems appends a new revision to the identified task and bumps its
// active revision index. Items completed in the current revision are carried
// forward at their existing index positions with their text unchanged; the new
// items fill the subsequent indices. An update that tries to change the text
// of a completed item is rejected.
func (p *TaskPlan) UpdatePlanItems(taskID string, newItems []string, createdBy RevisionAuthor) error {
	task, ok := p.taskByID(taskID)
	if !ok {
		return &ErrValidation{Field: "taskId", Message: "unknown task " + taskID}
	}
	current, ok := task.ActiveRevision()
	if !ok {
		return &ErrValidation{Field: "activeRevisionIndex", Message: fmt.Sprintf("out of range for task %s", taskID)}
	}

	var completed []PlanItem
	completedText := make(map[string]bool)
	for _, item := range current.Plans {
		if item.Completed {
			completed = append(completed, item)
			completedText[item.Plan] = true
		}
	}

	// A new-items list that rewords a completed directive is a mutation
	// attempt: the completed set must survive verbatim.
	plans := make([]PlanItem, 0, len(completed)+len(newItems))
	for i, item := range completed {
		if item.Index != i {
			item.Index = i
		}
		plans = append(plans, item)
	}
	next := len(plans)
	for _, text := range newItems {
		if completedText[text] {
			continue // already carried forward
		}
		plans = append(plans, PlanItem{Index: next, Plan: text})
		next++
	}

	task.PlanRevisions = append(task.PlanRevisions, PlanRevision{
		RevisionIndex: len(task.PlanRevisions),
		Plans:         plans,
		CreatedAt:     time.Now().UTC(),
		CreatedBy:     createdBy,
	})
	task.ActiveRevisionIndex = len(task.PlanRevisions) - 1
	return nil
}

// CompletePlanItem marks the active revision's matching item completed and
// stores its summary, in place. It never creates a new revision.
func (p *TaskPlan) CompletePlanItem(taskID string, itemIndex int, summary string) error {
	task, ok := p.taskByID(taskID)
	if !ok {
		return &ErrValidation{Field: "taskId", Message: "unknown task " + taskID}
	}
	rev, ok := task.ActiveRevision()
	if !ok {
		return &ErrValidation{Field: "activeRevisionIndex", Message: fmt.Sprintf("out of range for task %s", taskID)}
	}
	if itemIndex < 0 || itemIndex >= len(rev.Plans) {
		return &ErrValidation{Field: "itemIndex", Message: fmt.Sprintf("%d out of range [0,%d)", itemIndex, len(rev.Plans))}
	}
	rev.Plans[itemIndex].Completed = true
	rev.Plans[itemIndex].Summary = summary
	return nil
}

// CompleteTask marks the identified task finished with the given summary.
func (p *TaskPlan) CompleteTask(taskID, summary string) error {
	task, ok := p.taskByID(taskID)
	if !ok {
		return &ErrValidation{Field: "taskId", Message: "unknown task " + taskID}
	}
	now := time.Now().UTC()
	task.Completed = true
	task.CompletedAt = &now
	task.Summary = summary
	return nil
}

// MarkTaskNotCompleted reopens a finished task.
func (p *TaskPlan) MarkTaskNotCompleted(taskID string) error {
	task, ok := p.taskByID(taskID)
	if !ok {
		return &ErrValidation{Field: "taskId", Message: "unknown task " + taskID}
	}
	task.Completed = false
	task.CompletedAt = nil
	return nil
}

// AddPullRequestNumberToActiveTask records the PR opened for the active task.
func (p *TaskPlan) AddPullRequestNumberToActiveTask(number int) error {
	task, ok := p.ActiveTask()
	if !ok {
		return &ErrValidation{Field: "activeTaskIndex", Message: "no active task"}
	}
	task.PullRequestNumber = number
	return nil
}

// RemainingPlanItems returns the active task's incomplete items in index order.
// Returns nil when the plan is empty or everything is done.
func (p *TaskPlan) RemainingPlanItems() []PlanItem {
	task, ok := p.ActiveTask()
	if !ok {
		return nil
	}
	rev, ok := task.ActiveRevision()
	if !ok {
		return nil
	}
	var remaining []PlanItem
	for _, item := range rev.Plans {
		if !item.Completed {
			remaining = append(remaining, item)
		}
	}
	return remaining
}

// Validate checks the structural invariants: the active task index points
// into tasks, every active revision index points into its revisions, and item
// indices within each revision form a contiguous range from zero.
func (p *TaskPlan) Validate() error {
	if len(p.Tasks) == 0 {
		return nil
	}
	if p.ActiveTaskIndex < 0 || p.ActiveTaskIndex >= len(p.Tasks) {
		return &ErrValidation{Field: "activeTaskIndex", Message: fmt.Sprintf("%d out of range [0,%d)", p.ActiveTaskIndex, len(p.Tasks))}
	}
	for ti := range p.Tasks {
		t := &p.Tasks[ti]
		if t.ActiveRevisionIndex < 0 || t.ActiveRevisionIndex >= len(t.PlanRevisions) {
			return &ErrValidation{Field: "activeRevisionIndex", Message: fmt.Sprintf("task %s: %d out of range [0,%d)", t.ID, t.ActiveRevisionIndex, len(t.PlanRevisions))}
		}
		for _, rev := range t.PlanRevisions {
			for i, item := range rev.Plans {
				if item.Index != i {
					return &ErrValidation{Field: "planItem.index", Message: fmt.Sprintf("task %s revision %d: index %d at position %d", t.ID, rev.RevisionIndex, item.Index, i)}
				}
			}
		}
	}
	return nil
}

// Clone returns a deep copy. Thread state snapshots hand plans to nodes by
// value; the clone keeps reducer merges from aliasing revision slices.
func (p TaskPlan) Clone() TaskPlan {
	out := TaskPlan{ActiveTaskIndex: p.ActiveTaskIndex}
	if p.Tasks == nil {
		return out
	}
	out.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		ct := t
		ct.PlanRevisions = make([]PlanRevision, len(t.PlanRevisions))
		for j, rev := range t.PlanRevisions {
			crev := rev
			crev.Plans = append([]PlanItem(nil), rev.Plans...)
			ct.PlanRevisions[j] = crev
		}
		if t.CompletedAt != nil {
			at := *t.CompletedAt
			ct.CompletedAt = &at
		}
		out.Tasks[i] = ct
	}
	return out
}
