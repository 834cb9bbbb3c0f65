package openaicompat

import (
	"encoding/json"

	openswe "github.com/openswe/openswe"
)

// ParseResponse converts an OpenAI-format response to the orchestrator shape.
// It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (openswe.ChatResponse, error) {
	var out openswe.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = openswe.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to orchestrator ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid JSON degrades
// to an empty object instead of poisoning the whole response.
func ParseToolCalls(tcs []ToolCallRequest) []openswe.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]openswe.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, openswe.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
