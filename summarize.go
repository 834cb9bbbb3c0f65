package openswe

import (
	"context"
	"fmt"
	"strings"
)

// summaryKeepTail is the number of most recent internal messages excluded
// from both the token count and the compaction window.
const summaryKeepTail = 20

// DefaultMaxInternalTokens is the compaction ceiling for internal messages
// when the configuration does not override it.
const DefaultMaxInternalTokens = 60000

const summarizeSystemPrompt = `You are compacting the working history of a coding agent.
Summarize the conversation below into a dense brief a fresh agent could resume from.
Preserve: decisions made, files touched and why, commands run with notable output,
unresolved problems, and the current position in the plan.
Do not include full file contents. Respond with the summary only.`

// messagesSinceLastSummary returns the suffix of msgs after the most recent
// summary message, or all of msgs when none exists.
func messagesSinceLastSummary(msgs []Message) []Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsSummary() {
			return msgs[i+1:]
		}
	}
	return msgs
}

// summarizableWindow returns the messages eligible for compaction: everything
// since the last summary except the trailing summaryKeepTail messages.
func summarizableWindow(msgs []Message) []Message {
	since := messagesSinceLastSummary(msgs)
	if len(since) <= summaryKeepTail {
		return nil
	}
	return since[:len(since)-summaryKeepTail]
}

// needsSummarization reports whether the token count of the summarizable
// window has reached the ceiling.
func needsSummarization(counter *TokenCounter, msgs []Message, maxTokens int) bool {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxInternalTokens
	}
	window := summarizableWindow(msgs)
	if len(window) == 0 {
		return false
	}
	return counter.CountMessages(window) >= maxTokens
}

// compactHistory replaces the summarizable window of internal messages with a
// single hidden summary message. The returned update deletes the window via
// tombstones and inserts the summary; the trailing messages survive untouched.
func compactHistory(ctx context.Context, router *ModelRouter, internal []Message) (*StateUpdate, error) {
	window := summarizableWindow(internal)
	if len(window) == 0 {
		return &StateUpdate{}, nil
	}

	var b strings.Builder
	for _, m := range window {
		fmt.Fprintf(&b, "[%s] %s\n", m.Kind, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "  -> %s(%s)\n", tc.Name, truncate(string(tc.Args), 200))
		}
	}

	resp, modelKey, err := router.Chat(ctx, ClassSummarizer, ChatRequest{
		Messages: []Message{
			SystemMessage(summarizeSystemPrompt),
			HumanMessage(b.String()),
		},
	})
	if err != nil {
		return nil, err
	}

	summary := AIMessage("History summary:\n" + resp.Content).
		WithKwarg("summaryMessage", true).
		WithKwarg("hidden", true)
	// Reuse the first window message's id so the in-place merge keeps the
	// summary at the window's position rather than after the retained tail.
	summary.ID = window[0].ID

	update := &StateUpdate{
		TokenData: &TokenData{ByModel: map[string]Usage{modelKey: resp.Usage}},
	}
	update.InternalMessages = append(update.InternalMessages, summary)
	for _, m := range window[1:] {
		update.InternalMessages = append(update.InternalMessages, RemoveMessage(m.ID))
	}
	return update, nil
}

// truncate clips s to n bytes with an ellipsis marker.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
