package openswe

import (
	"testing"
)

func TestMergeMessagesAppendReplaceRemove(t *testing.T) {
	m1 := HumanMessage("hello")
	m2 := AIMessage("working on it")
	state := mergeMessages(nil, []Message{m1, m2})
	if len(state) != 2 {
		t.Fatalf("append: got %d messages", len(state))
	}

	// Same ID replaces in place, preserving position.
	replacement := m2
	replacement.Content = "revised"
	state = mergeMessages(state, []Message{replacement})
	if len(state) != 2 || state[1].Content != "revised" {
		t.Errorf("replace: %+v", state)
	}

	// Tombstone deletes.
	state = mergeMessages(state, []Message{RemoveMessage(m1.ID)})
	if len(state) != 1 || state[0].ID != m2.ID {
		t.Errorf("remove: %+v", state)
	}

	// Removing an unknown ID is a no-op.
	state = mergeMessages(state, []Message{RemoveMessage("missing")})
	if len(state) != 1 {
		t.Errorf("remove unknown: %+v", state)
	}
}

func TestApplyUpdateDoesNotMutateInput(t *testing.T) {
	orig := ThreadState{Messages: []Message{HumanMessage("a")}}
	merged := applyUpdate(orig, &StateUpdate{Messages: []Message{AIMessage("b")}})
	if len(orig.Messages) != 1 {
		t.Errorf("input state mutated: %d messages", len(orig.Messages))
	}
	if len(merged.Messages) != 2 {
		t.Errorf("merged = %d messages, want 2", len(merged.Messages))
	}
}

func TestApplyUpdateScalarAndMapReducers(t *testing.T) {
	state := ThreadState{
		BranchName:    "old-branch",
		DocumentCache: map[string]string{"a": "1"},
		ApprovedOperations: ApprovedOperations{
			CachedApprovals: map[ApprovalKey]bool{"shell:/workspace": true},
		},
	}
	update := &StateUpdate{
		BranchName:    ptr("new-branch"),
		DocumentCache: map[string]string{"b": "2"},
		ApprovedOperations: &ApprovedOperations{
			CachedApprovals: map[ApprovalKey]bool{"apply_patch:/workspace/src": true},
		},
		ReviewsCount: ptr(2),
	}
	merged := applyUpdate(state, update)

	if merged.BranchName != "new-branch" {
		t.Errorf("BranchName = %q", merged.BranchName)
	}
	if merged.DocumentCache["a"] != "1" || merged.DocumentCache["b"] != "2" {
		t.Errorf("DocumentCache = %v, want both keys", merged.DocumentCache)
	}
	if !merged.ApprovedOperations.Has("shell:/workspace") || !merged.ApprovedOperations.Has("apply_patch:/workspace/src") {
		t.Errorf("ApprovedOperations = %v, want union", merged.ApprovedOperations)
	}
	if merged.ReviewsCount != 2 {
		t.Errorf("ReviewsCount = %d", merged.ReviewsCount)
	}
	// Unset fields stay put.
	if merged.DependenciesInstalled {
		t.Error("DependenciesInstalled flipped without an update")
	}
}

func TestApplyUpdateClonesTaskPlan(t *testing.T) {
	plan := planWithItems(0, "step")
	merged := applyUpdate(ThreadState{}, &StateUpdate{TaskPlan: &plan})

	plan.Tasks[0].PlanRevisions[0].Plans[0].Plan = "mutated"
	if merged.TaskPlan.Tasks[0].PlanRevisions[0].Plans[0].Plan != "step" {
		t.Error("merged state aliases the update's plan storage")
	}
}

func TestMergeUpdatesOrder(t *testing.T) {
	a := &StateUpdate{
		Messages:   []Message{HumanMessage("first")},
		BranchName: ptr("a-branch"),
	}
	b := &StateUpdate{
		Messages:   []Message{AIMessage("second")},
		BranchName: ptr("b-branch"),
		TokenData:  &TokenData{ByModel: map[string]Usage{"m": {InputTokens: 5}}},
	}
	merged := mergeUpdates(a, b)

	if len(merged.Messages) != 2 || merged.Messages[0].Content != "first" || merged.Messages[1].Content != "second" {
		t.Errorf("messages = %+v", merged.Messages)
	}
	if *merged.BranchName != "b-branch" {
		t.Errorf("later update should win scalars, got %q", *merged.BranchName)
	}
	if merged.TokenData.ByModel["m"].InputTokens != 5 {
		t.Errorf("TokenData = %+v", merged.TokenData)
	}

	// Zero updates pass through.
	if got := mergeUpdates(&StateUpdate{}, b); got != b {
		t.Error("merging into a zero update should return the other side")
	}
	if got := mergeUpdates(a, &StateUpdate{}); got != a {
		t.Error("merging a zero update should return the receiver")
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{`true`, true},
		{`false`, false},
		{`"yes"`, true},
		{`"false"`, false},
		{`"no"`, false},
		{`""`, false},
		{`1`, true},
		{`0`, false},
		{`null`, false},
		{`{"approved":1}`, true},
		{`not json`, false},
	}
	for _, c := range cases {
		if got := truthy([]byte(c.raw)); got != c.want {
			t.Errorf("truthy(%s) = %v, want %v", c.raw, got, c.want)
		}
	}
}
