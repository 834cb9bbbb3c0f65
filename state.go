package openswe

// --- Thread state ---

// Session points at a run spawned on another thread. Parents record only the
// identifiers; they never hold the child and never await it.
type Session struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

// IsZero reports whether no session has been recorded.
func (s Session) IsZero() bool { return s.ThreadID == "" && s.RunID == "" }

// ApprovedOperations is the per-thread cache of remembered human approvals.
// Entries are added on explicit approval and never evicted for the thread's
// lifetime.
type ApprovedOperations struct {
	CachedApprovals map[ApprovalKey]bool `json:"cached_approvals,omitempty"`
}

// Has reports whether the key was previously approved.
func (a ApprovedOperations) Has(key ApprovalKey) bool { return a.CachedApprovals[key] }

// union merges two approval sets into a fresh map.
func (a ApprovedOperations) union(other ApprovedOperations) ApprovedOperations {
	if len(other.CachedApprovals) == 0 {
		return a
	}
	out := ApprovedOperations{CachedApprovals: make(map[ApprovalKey]bool, len(a.CachedApprovals)+len(other.CachedApprovals))}
	for k := range a.CachedApprovals {
		out.CachedApprovals[k] = true
	}
	for k := range other.CachedApprovals {
		out.CachedApprovals[k] = true
	}
	return out
}

// ThreadState is the full per-conversation state. It is exclusively owned by
// the runtime's thread store: nodes read a snapshot and return a StateUpdate
// that the runtime merges through per-field reducers.
type ThreadState struct {
	Messages         []Message `json:"messages"`
	InternalMessages []Message `json:"internal_messages"`

	TaskPlan              TaskPlan `json:"task_plan"`
	ProposedPlan          []string `json:"proposed_plan,omitempty"`
	ProposedPlanTitle     string   `json:"proposed_plan_title,omitempty"`
	AutoAcceptPlan        bool     `json:"auto_accept_plan,omitempty"`
	MaxModels             bool     `json:"max_models,omitempty"`
	ContextGatheringNotes string   `json:"context_gathering_notes,omitempty"`

	TargetRepository      Repository `json:"target_repository"`
	GithubIssueID         int        `json:"github_issue_id,omitempty"`
	BranchName            string     `json:"branch_name,omitempty"`
	SandboxSessionID      string     `json:"sandbox_session_id,omitempty"`
	CodebaseTree          string     `json:"codebase_tree,omitempty"`
	DependenciesInstalled bool       `json:"dependencies_installed,omitempty"`
	CustomRules           string     `json:"custom_rules,omitempty"`

	DocumentCache map[string]string `json:"document_cache,omitempty"` // URL -> markdown

	ReviewsCount       int                `json:"reviews_count,omitempty"`
	TokenData          TokenData          `json:"token_data,omitempty"`
	ApprovedOperations ApprovedOperations `json:"approved_operations,omitempty"`

	PlannerSession    Session `json:"planner_session,omitempty"`
	ProgrammerSession Session `json:"programmer_session,omitempty"`
	ReviewerSession   Session `json:"reviewer_session,omitempty"`
}

// --- State updates and reducers ---

// StateUpdate is a partial update returned by a node. Nil / zero fields are
// untouched; set fields are folded into the thread state by the field's
// reducer. Messages and InternalMessages use append-with-id-merge,
// DocumentCache merges per key, ApprovedOperations and TokenData union, and
// everything else replaces.
type StateUpdate struct {
	Messages         []Message
	InternalMessages []Message

	TaskPlan              *TaskPlan
	ProposedPlan          []string
	ProposedPlanTitle     *string
	AutoAcceptPlan        *bool
	MaxModels             *bool
	ContextGatheringNotes *string

	TargetRepository      *Repository
	GithubIssueID         *int
	BranchName            *string
	SandboxSessionID      *string
	CodebaseTree          *string
	DependenciesInstalled *bool
	CustomRules           *string

	DocumentCache map[string]string

	ReviewsCount       *int
	TokenData          *TokenData
	ApprovedOperations *ApprovedOperations

	PlannerSession    *Session
	ProgrammerSession *Session
	ReviewerSession   *Session
}

// IsZero reports whether the update carries nothing to merge.
func (u *StateUpdate) IsZero() bool {
	if u == nil {
		return true
	}
	return len(u.Messages) == 0 && len(u.InternalMessages) == 0 &&
		u.TaskPlan == nil && u.ProposedPlan == nil && u.ProposedPlanTitle == nil && u.AutoAcceptPlan == nil &&
		u.MaxModels == nil && u.ContextGatheringNotes == nil && u.TargetRepository == nil &&
		u.GithubIssueID == nil && u.BranchName == nil && u.SandboxSessionID == nil &&
		u.CodebaseTree == nil && u.DependenciesInstalled == nil && u.CustomRules == nil &&
		len(u.DocumentCache) == 0 && u.ReviewsCount == nil && u.TokenData == nil &&
		u.ApprovedOperations == nil && u.PlannerSession == nil &&
		u.ProgrammerSession == nil && u.ReviewerSession == nil
}

// mergeMessages is the append-with-id-merge reducer. An incoming message whose
// id matches an existing one replaces it in place; a KindRemove entry deletes
// the matching message; everything else appends in order.
func mergeMessages(old, update []Message) []Message {
	if len(update) == 0 {
		return old
	}
	out := append([]Message(nil), old...)
	for _, msg := range update {
		if msg.Kind == KindRemove {
			for i := range out {
				if out[i].ID == msg.ID {
					out = append(out[:i], out[i+1:]...)
					break
				}
			}
			continue
		}
		replaced := false
		for i := range out {
			if out[i].ID == msg.ID {
				out[i] = msg
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, msg)
		}
	}
	return out
}

// applyUpdate folds an update into a state snapshot and returns the merged
// state. The input state is not mutated.
func applyUpdate(state ThreadState, u *StateUpdate) ThreadState {
	if u == nil {
		return state
	}
	state.Messages = mergeMessages(state.Messages, u.Messages)
	state.InternalMessages = mergeMessages(state.InternalMessages, u.InternalMessages)

	if u.TaskPlan != nil {
		state.TaskPlan = u.TaskPlan.Clone()
	}
	if u.ProposedPlan != nil {
		state.ProposedPlan = append([]string(nil), u.ProposedPlan...)
	}
	if u.ProposedPlanTitle != nil {
		state.ProposedPlanTitle = *u.ProposedPlanTitle
	}
	if u.AutoAcceptPlan != nil {
		state.AutoAcceptPlan = *u.AutoAcceptPlan
	}
	if u.MaxModels != nil {
		state.MaxModels = *u.MaxModels
	}
	if u.ContextGatheringNotes != nil {
		state.ContextGatheringNotes = *u.ContextGatheringNotes
	}
	if u.TargetRepository != nil {
		state.TargetRepository = *u.TargetRepository
	}
	if u.GithubIssueID != nil {
		state.GithubIssueID = *u.GithubIssueID
	}
	if u.BranchName != nil {
		state.BranchName = *u.BranchName
	}
	if u.SandboxSessionID != nil {
		state.SandboxSessionID = *u.SandboxSessionID
	}
	if u.CodebaseTree != nil {
		state.CodebaseTree = *u.CodebaseTree
	}
	if u.DependenciesInstalled != nil {
		state.DependenciesInstalled = *u.DependenciesInstalled
	}
	if u.CustomRules != nil {
		state.CustomRules = *u.CustomRules
	}
	if len(u.DocumentCache) > 0 {
		merged := make(map[string]string, len(state.DocumentCache)+len(u.DocumentCache))
		for k, v := range state.DocumentCache {
			merged[k] = v
		}
		for k, v := range u.DocumentCache {
			merged[k] = v
		}
		state.DocumentCache = merged
	}
	if u.ReviewsCount != nil {
		state.ReviewsCount = *u.ReviewsCount
	}
	if u.TokenData != nil {
		state.TokenData = state.TokenData.Merge(*u.TokenData)
	}
	if u.ApprovedOperations != nil {
		state.ApprovedOperations = state.ApprovedOperations.union(*u.ApprovedOperations)
	}
	if u.PlannerSession != nil {
		state.PlannerSession = *u.PlannerSession
	}
	if u.ProgrammerSession != nil {
		state.ProgrammerSession = *u.ProgrammerSession
	}
	if u.ReviewerSession != nil {
		state.ReviewerSession = *u.ReviewerSession
	}
	return state
}

// mergeUpdates folds b into a so both apply in order through applyUpdate.
// Used when a node produces several partial updates in one step.
func mergeUpdates(a, b *StateUpdate) *StateUpdate {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	out := *a
	out.Messages = append(append([]Message(nil), a.Messages...), b.Messages...)
	out.InternalMessages = append(append([]Message(nil), a.InternalMessages...), b.InternalMessages...)
	if b.TaskPlan != nil {
		out.TaskPlan = b.TaskPlan
	}
	if b.ProposedPlan != nil {
		out.ProposedPlan = b.ProposedPlan
	}
	if b.ProposedPlanTitle != nil {
		out.ProposedPlanTitle = b.ProposedPlanTitle
	}
	if b.AutoAcceptPlan != nil {
		out.AutoAcceptPlan = b.AutoAcceptPlan
	}
	if b.MaxModels != nil {
		out.MaxModels = b.MaxModels
	}
	if b.ContextGatheringNotes != nil {
		out.ContextGatheringNotes = b.ContextGatheringNotes
	}
	if b.TargetRepository != nil {
		out.TargetRepository = b.TargetRepository
	}
	if b.GithubIssueID != nil {
		out.GithubIssueID = b.GithubIssueID
	}
	if b.BranchName != nil {
		out.BranchName = b.BranchName
	}
	if b.SandboxSessionID != nil {
		out.SandboxSessionID = b.SandboxSessionID
	}
	if b.CodebaseTree != nil {
		out.CodebaseTree = b.CodebaseTree
	}
	if b.DependenciesInstalled != nil {
		out.DependenciesInstalled = b.DependenciesInstalled
	}
	if b.CustomRules != nil {
		out.CustomRules = b.CustomRules
	}
	if len(b.DocumentCache) > 0 {
		merged := make(map[string]string, len(a.DocumentCache)+len(b.DocumentCache))
		for k, v := range a.DocumentCache {
			merged[k] = v
		}
		for k, v := range b.DocumentCache {
			merged[k] = v
		}
		out.DocumentCache = merged
	}
	if b.ReviewsCount != nil {
		out.ReviewsCount = b.ReviewsCount
	}
	if b.TokenData != nil {
		if a.TokenData != nil {
			td := a.TokenData.Merge(*b.TokenData)
			out.TokenData = &td
		} else {
			out.TokenData = b.TokenData
		}
	}
	if b.ApprovedOperations != nil {
		if a.ApprovedOperations != nil {
			ops := a.ApprovedOperations.union(*b.ApprovedOperations)
			out.ApprovedOperations = &ops
		} else {
			out.ApprovedOperations = b.ApprovedOperations
		}
	}
	if b.PlannerSession != nil {
		out.PlannerSession = b.PlannerSession
	}
	if b.ProgrammerSession != nil {
		out.ProgrammerSession = b.ProgrammerSession
	}
	if b.ReviewerSession != nil {
		out.ReviewerSession = b.ReviewerSession
	}
	return &out
}

// --- Small pointer helpers for building updates ---

func ptr[T any](v T) *T { return &v }
