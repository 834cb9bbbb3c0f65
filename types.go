package openswe

import (
	"encoding/json"

	"github.com/google/uuid"
)

// --- Conversation messages ---

// MessageKind discriminates the message variants in a thread's conversation.
type MessageKind string

const (
	KindHuman  MessageKind = "human"
	KindAI     MessageKind = "ai"
	KindTool   MessageKind = "tool"
	KindSystem MessageKind = "system"
	// KindRemove is a tombstone: the messages reducer deletes any existing
	// message whose ID matches a remove entry instead of appending it.
	KindRemove MessageKind = "remove"
)

// Message is one entry in a thread's conversation. AI messages may carry tool
// calls; tool messages answer a specific call via ToolCallID. Kwargs holds
// per-message flags (hidden, summaryMessage, isOriginalIssue, requestSource,
// githubIssueId) that the orchestrator reads but never requires.
type Message struct {
	ID         string          `json:"id"`
	Kind       MessageKind     `json:"kind"`
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Kwargs     map[string]any  `json:"kwargs,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific passthrough
}

// Hidden reports whether the message is excluded from the client-visible view.
func (m Message) Hidden() bool { return m.boolKwarg("hidden") }

// IsSummary reports whether the message is a history-compaction summary.
func (m Message) IsSummary() bool { return m.boolKwarg("summaryMessage") }

// IsOriginalIssue reports whether the message was synthesized from the issue
// title and body that started the thread.
func (m Message) IsOriginalIssue() bool { return m.boolKwarg("isOriginalIssue") }

func (m Message) boolKwarg(key string) bool {
	v, ok := m.Kwargs[key].(bool)
	return ok && v
}

// WithKwarg returns a copy of the message with the given kwarg set.
// The original message's kwarg map is not mutated.
func (m Message) WithKwarg(key string, value any) Message {
	kw := make(map[string]any, len(m.Kwargs)+1)
	for k, v := range m.Kwargs {
		kw[k] = v
	}
	kw[key] = value
	m.Kwargs = kw
	return m
}

// --- Message constructors ---

func newMessageID() string { return uuid.NewString() }

// HumanMessage creates a user-authored message with a fresh ID.
func HumanMessage(content string) Message {
	return Message{ID: newMessageID(), Kind: KindHuman, Content: content}
}

// AIMessage creates an assistant message with a fresh ID.
func AIMessage(content string, toolCalls ...ToolCall) Message {
	return Message{ID: newMessageID(), Kind: KindAI, Content: content, ToolCalls: toolCalls}
}

// ToolMessage creates a tool-result message answering the given call.
func ToolMessage(toolCallID, content string) Message {
	return Message{ID: newMessageID(), Kind: KindTool, Content: content, ToolCallID: toolCallID}
}

// SystemMessage creates a system message with a fresh ID.
func SystemMessage(content string) Message {
	return Message{ID: newMessageID(), Kind: KindSystem, Content: content}
}

// RemoveMessage creates a tombstone that deletes the message with the given ID
// when merged through the messages reducer.
func RemoveMessage(id string) Message {
	return Message{ID: id, Kind: KindRemove}
}

// --- LLM protocol types ---

// ToolCall is a single function-call intent emitted by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes a callable tool for the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ChatRequest is the narrow request shape passed to a Provider.
type ChatRequest struct {
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	// ToolChoice forces a specific tool ("" = model decides). Used for
	// structured output, where the response must be exactly one call to the
	// schema-bearing tool.
	ToolChoice string `json:"tool_choice,omitempty"`
	// DisableParallelToolCalls is set for models on the known-incompatible
	// list; providers that do not understand the flag ignore it.
	DisableParallelToolCalls bool `json:"disable_parallel_tool_calls,omitempty"`
	// MaxModels routes through the class's max-capability chain when the
	// router has one. Carried from thread state for runs triggered with a
	// "-max" label; never sent to providers.
	MaxModels bool `json:"-"`
}

// ChatResponse is the narrow response shape returned by a Provider.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage counts tokens consumed by one or more model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another call.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// TokenData tracks cumulative usage per model key for a thread.
type TokenData struct {
	ByModel map[string]Usage `json:"by_model,omitempty"`
}

// Merge folds another TokenData into the receiver, returning the result.
func (t TokenData) Merge(other TokenData) TokenData {
	if len(other.ByModel) == 0 {
		return t
	}
	out := TokenData{ByModel: make(map[string]Usage, len(t.ByModel)+len(other.ByModel))}
	for k, v := range t.ByModel {
		out.ByModel[k] = v
	}
	for k, v := range other.ByModel {
		u := out.ByModel[k]
		u.Add(v)
		out.ByModel[k] = u
	}
	return out
}

// --- Repository identity ---

// Repository identifies a source-control repository and its base branch.
type Repository struct {
	Owner      string `json:"owner"`
	Name       string `json:"name"`
	BaseBranch string `json:"base_branch,omitempty"` // "" = host default
}

// Slug returns "owner/name".
func (r Repository) Slug() string { return r.Owner + "/" + r.Name }

// IsZero reports whether the repository is unset.
func (r Repository) IsZero() bool { return r.Owner == "" && r.Name == "" }
