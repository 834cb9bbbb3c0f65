package openswe

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sentinel tags embedding agent state in issue bodies. Users are told not to
// edit between them; parsing tolerates arbitrary content around them.
const (
	taskPlanOpenTag      = "<open-swe-do-not-edit-task-plan>"
	taskPlanCloseTag     = "</open-swe-do-not-edit-task-plan>"
	proposedPlanOpenTag  = "<open-swe-do-not-edit-proposed-plan>"
	proposedPlanCloseTag = "</open-swe-do-not-edit-proposed-plan>"

	issueTitleOpenTag    = "<open-swe-issue-title>"
	issueTitleCloseTag   = "</open-swe-issue-title>"
	issueContentOpenTag  = "<open-swe-issue-content>"
	issueContentCloseTag = "</open-swe-issue-content>"

	agentContextOpen  = "<details><summary>Agent Context</summary>"
	agentContextClose = "</details>"
)

// extractBetween returns the trimmed text between the first open/close tag
// pair, or false when either tag is missing.
func extractBetween(body, open, close string) (string, bool) {
	start := strings.Index(body, open)
	if start < 0 {
		return "", false
	}
	rest := body[start+len(open):]
	end := strings.Index(rest, close)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// ExtractTaskPlan parses the embedded task plan from an issue body.
// Returns found=false when no sentinel section exists; a sentinel section
// with malformed JSON is an error.
func ExtractTaskPlan(body string) (TaskPlan, bool, error) {
	raw, ok := extractBetween(body, taskPlanOpenTag, taskPlanCloseTag)
	if !ok || raw == "" {
		return TaskPlan{}, false, nil
	}
	var plan TaskPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return TaskPlan{}, false, &ErrValidation{Field: "issueBody", Message: "embedded task plan: " + err.Error()}
	}
	return plan, true, nil
}

// ExtractProposedPlan parses the embedded proposed plan item list.
func ExtractProposedPlan(body string) ([]string, bool, error) {
	raw, ok := extractBetween(body, proposedPlanOpenTag, proposedPlanCloseTag)
	if !ok || raw == "" {
		return nil, false, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, false, &ErrValidation{Field: "issueBody", Message: "embedded proposed plan: " + err.Error()}
	}
	return items, true, nil
}

// replaceOrAppendSection swaps the existing tagged section for content, or
// appends a new one inside an Agent Context details block.
func replaceOrAppendSection(body, open, close, content string) string {
	section := open + "\n" + content + "\n" + close
	if start := strings.Index(body, open); start >= 0 {
		if end := strings.Index(body[start:], close); end >= 0 {
			return body[:start] + section + body[start+end+len(close):]
		}
	}
	if strings.Contains(body, agentContextOpen) {
		// Slot into the existing details block, before its closing tag.
		idx := strings.Index(body, agentContextOpen)
		if end := strings.Index(body[idx:], agentContextClose); end >= 0 {
			at := idx + end
			return body[:at] + "\n" + section + "\n" + body[at:]
		}
	}
	return body + "\n\n" + agentContextOpen + "\n\n" + section + "\n\n" + agentContextClose
}

// EmbedTaskPlan writes the task plan into the issue body, replacing any
// previous embedded plan and preserving the rest of the body verbatim.
func EmbedTaskPlan(body string, plan TaskPlan) (string, error) {
	raw, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("marshal task plan: %w", err)
	}
	return replaceOrAppendSection(body, taskPlanOpenTag, taskPlanCloseTag, string(raw)), nil
}

// EmbedProposedPlan writes the proposed plan items into the issue body.
func EmbedProposedPlan(body string, items []string) (string, error) {
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal proposed plan: %w", err)
	}
	return replaceOrAppendSection(body, proposedPlanOpenTag, proposedPlanCloseTag, string(raw)), nil
}

// StripAgentSections removes the embedded agent sections from an issue body,
// leaving the user-authored text.
func StripAgentSections(body string) string {
	for _, pair := range [][2]string{
		{taskPlanOpenTag, taskPlanCloseTag},
		{proposedPlanOpenTag, proposedPlanCloseTag},
	} {
		for {
			start := strings.Index(body, pair[0])
			if start < 0 {
				break
			}
			end := strings.Index(body[start:], pair[1])
			if end < 0 {
				break
			}
			body = body[:start] + body[start+end+len(pair[1]):]
		}
	}
	// Drop a now-empty Agent Context block.
	if start := strings.Index(body, agentContextOpen); start >= 0 {
		if end := strings.Index(body[start:], agentContextClose); end >= 0 {
			inner := body[start+len(agentContextOpen) : start+end]
			if strings.TrimSpace(inner) == "" {
				body = body[:start] + body[start+end+len(agentContextClose):]
			}
		}
	}
	return strings.TrimSpace(body)
}

// FormatIssueMessage renders an issue as the Human message content that
// starts a thread: bolded title, blank line, body.
func FormatIssueMessage(title, body string) string {
	return "**" + title + "**\n\n" + body
}

// FormatIssueHandoff renders the inter-graph new-issue message.
func FormatIssueHandoff(title, body string) string {
	return issueTitleOpenTag + title + issueTitleCloseTag + "\n" +
		issueContentOpenTag + body + issueContentCloseTag
}

// ParseIssueHandoff extracts the title and body from a new-issue handoff
// message; ok is false when the tags are absent.
func ParseIssueHandoff(content string) (title, body string, ok bool) {
	title, okTitle := extractBetween(content, issueTitleOpenTag, issueTitleCloseTag)
	body, okBody := extractBetween(content, issueContentOpenTag, issueContentCloseTag)
	return title, body, okTitle && okBody
}
