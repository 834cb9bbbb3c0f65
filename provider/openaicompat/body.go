package openaicompat

import (
	"encoding/json"

	openswe "github.com/openswe/openswe"
)

// BuildBody converts an orchestrator chat request into an OpenAI-format
// request body. Remove tombstones never reach providers; anything unknown
// maps to a user message so a malformed thread degrades instead of erroring.
func BuildBody(req openswe.ChatRequest, model string, opts ...Option) ChatRequest {
	var msgs []Message
	for _, m := range req.Messages {
		switch m.Kind {
		case openswe.KindSystem:
			msgs = append(msgs, Message{Role: "system", Content: m.Content})

		case openswe.KindAI:
			msg := Message{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, msg)

		case openswe.KindTool:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		case openswe.KindRemove:
			// Tombstones are reducer-internal.

		default:
			msgs = append(msgs, Message{Role: "user", Content: m.Content})
		}
	}

	body := ChatRequest{
		Model:    model,
		Messages: msgs,
	}
	if len(req.Tools) > 0 {
		body.Tools = BuildToolDefs(req.Tools)
	}
	if req.ToolChoice != "" {
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ToolChoice},
		}
	}
	if req.DisableParallelToolCalls {
		f := false
		body.ParallelToolCalls = &f
	}

	for _, opt := range opts {
		opt(&body)
	}
	return body
}

// BuildToolDefs converts orchestrator tool definitions to OpenAI tool format.
func BuildToolDefs(tools []openswe.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
