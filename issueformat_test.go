package openswe

import (
	"strings"
	"testing"
)

func TestEmbedAndExtractTaskPlanRoundTrip(t *testing.T) {
	plan := planWithItems(1, "reproduce", "patch")
	body := "Fix the crash on startup.\n\nSteps to reproduce: run it."

	embedded, err := EmbedTaskPlan(body, plan)
	if err != nil {
		t.Fatalf("EmbedTaskPlan: %v", err)
	}
	if !strings.HasPrefix(embedded, body) {
		t.Error("user body not preserved verbatim")
	}
	if !strings.Contains(embedded, agentContextOpen) {
		t.Error("embedded plan not wrapped in the agent context block")
	}

	got, found, err := ExtractTaskPlan(embedded)
	if err != nil || !found {
		t.Fatalf("ExtractTaskPlan: found=%v err=%v", found, err)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].ID != plan.Tasks[0].ID {
		t.Errorf("round-tripped plan = %+v", got)
	}
	items := got.Tasks[0].PlanRevisions[0].Plans
	if len(items) != 2 || !items[0].Completed || items[1].Plan != "patch" {
		t.Errorf("round-tripped items = %+v", items)
	}
}

func TestEmbedTaskPlanReplacesExistingSection(t *testing.T) {
	body, err := EmbedTaskPlan("issue text", planWithItems(0, "old step"))
	if err != nil {
		t.Fatalf("EmbedTaskPlan: %v", err)
	}
	body, err = EmbedTaskPlan(body, planWithItems(0, "new step"))
	if err != nil {
		t.Fatalf("EmbedTaskPlan (second): %v", err)
	}

	if strings.Count(body, taskPlanOpenTag) != 1 {
		t.Errorf("embedded sections = %d, want 1", strings.Count(body, taskPlanOpenTag))
	}
	got, found, err := ExtractTaskPlan(body)
	if err != nil || !found {
		t.Fatalf("ExtractTaskPlan: found=%v err=%v", found, err)
	}
	if got.Tasks[0].PlanRevisions[0].Plans[0].Plan != "new step" {
		t.Errorf("old section survived: %+v", got.Tasks[0])
	}
}

func TestExtractTaskPlanMissingAndMalformed(t *testing.T) {
	if _, found, err := ExtractTaskPlan("plain issue body"); found || err != nil {
		t.Errorf("plain body: found=%v err=%v", found, err)
	}
	malformed := taskPlanOpenTag + "\n{not json\n" + taskPlanCloseTag
	if _, _, err := ExtractTaskPlan(malformed); err == nil {
		t.Error("malformed embedded JSON should error")
	}
}

func TestProposedPlanRoundTrip(t *testing.T) {
	items := []string{"read the code", "write the fix", "add a test"}
	body, err := EmbedProposedPlan("issue", items)
	if err != nil {
		t.Fatalf("EmbedProposedPlan: %v", err)
	}
	got, found, err := ExtractProposedPlan(body)
	if err != nil || !found {
		t.Fatalf("ExtractProposedPlan: found=%v err=%v", found, err)
	}
	if len(got) != 3 || got[1] != "write the fix" {
		t.Errorf("round-tripped items = %v", got)
	}
}

func TestEmbedBothSectionsShareOneContextBlock(t *testing.T) {
	body, err := EmbedTaskPlan("issue", planWithItems(0, "step"))
	if err != nil {
		t.Fatalf("EmbedTaskPlan: %v", err)
	}
	body, err = EmbedProposedPlan(body, []string{"a"})
	if err != nil {
		t.Fatalf("EmbedProposedPlan: %v", err)
	}
	if strings.Count(body, agentContextOpen) != 1 {
		t.Errorf("agent context blocks = %d, want 1", strings.Count(body, agentContextOpen))
	}

	if _, found, _ := ExtractTaskPlan(body); !found {
		t.Error("task plan lost after second embed")
	}
	if _, found, _ := ExtractProposedPlan(body); !found {
		t.Error("proposed plan missing")
	}
}

func TestStripAgentSections(t *testing.T) {
	body, _ := EmbedTaskPlan("User wrote this.", planWithItems(0, "step"))
	body, _ = EmbedProposedPlan(body, []string{"a"})

	stripped := StripAgentSections(body)
	if stripped != "User wrote this." {
		t.Errorf("stripped = %q", stripped)
	}
}

func TestIssueHandoffRoundTrip(t *testing.T) {
	content := FormatIssueHandoff("Fix typo", "The README says teh.")
	title, body, ok := ParseIssueHandoff(content)
	if !ok {
		t.Fatal("ParseIssueHandoff: tags not found")
	}
	if title != "Fix typo" || body != "The README says teh." {
		t.Errorf("parsed %q / %q", title, body)
	}

	if _, _, ok := ParseIssueHandoff("no tags here"); ok {
		t.Error("plain content should not parse as a handoff")
	}
}

func TestFormatIssueMessage(t *testing.T) {
	got := FormatIssueMessage("Fix typo", "in README")
	if got != "**Fix typo**\n\nin README" {
		t.Errorf("FormatIssueMessage = %q", got)
	}
}
