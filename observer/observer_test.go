package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	openswe "github.com/openswe/openswe"
)

// mockProvider for observer tests.
type mockProvider struct {
	name     string
	chatResp openswe.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ openswe.ChatRequest) (openswe.ChatResponse, error) {
	return m.chatResp, m.chatErr
}

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, "test-model", testInstruments(t))

	if got := op.Name(); got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedProviderChat(t *testing.T) {
	want := openswe.ChatResponse{
		Content: "hello from LLM",
		Usage:   openswe.Usage{InputTokens: 10, OutputTokens: 5},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	got, err := op.Chat(context.Background(), openswe.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockProvider{name: "p", chatErr: wantErr}
	op := WrapProvider(inner, "m", testInstruments(t))

	_, err := op.Chat(context.Background(), openswe.ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

func TestObservedProviderChatWithTools(t *testing.T) {
	want := openswe.ChatResponse{
		ToolCalls: []openswe.ToolCall{
			{ID: "call-1", Name: "grep", Args: json.RawMessage(`{"query":"TODO"}`)},
		},
		Usage: openswe.Usage{InputTokens: 20, OutputTokens: 15},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	req := openswe.ChatRequest{
		Tools: []openswe.ToolDefinition{{Name: "grep", Description: "search files"}},
	}
	got, err := op.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "grep" {
		t.Errorf("ToolCalls = %+v", got.ToolCalls)
	}
}

func TestWrapToolDelegates(t *testing.T) {
	inner := openswe.Tool{
		Name:        "view",
		Description: "view a file",
		Exec: func(_ context.Context, args json.RawMessage, _ openswe.ThreadState, _ *openswe.RunConfig) (openswe.ToolResult, error) {
			return openswe.ToolResult{Content: "file contents", Status: openswe.ToolSuccess}, nil
		},
	}
	wrapped := WrapTool(inner, testInstruments(t))
	if wrapped.Name != "view" || wrapped.Description != "view a file" {
		t.Errorf("wrapped metadata changed: %+v", wrapped)
	}

	res, err := wrapped.Exec(context.Background(), json.RawMessage(`{}`), openswe.ThreadState{}, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Content != "file contents" || res.Status != openswe.ToolSuccess {
		t.Errorf("result = %+v", res)
	}
}

func TestWrapToolError(t *testing.T) {
	wantErr := errors.New("tool broken")
	inner := openswe.Tool{
		Name: "shell",
		Exec: func(_ context.Context, _ json.RawMessage, _ openswe.ThreadState, _ *openswe.RunConfig) (openswe.ToolResult, error) {
			return openswe.ToolResult{}, wantErr
		},
	}
	wrapped := WrapTool(inner, testInstruments(t))
	_, err := wrapped.Exec(context.Background(), nil, openswe.ThreadState{}, nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestInstrumentRegistry(t *testing.T) {
	reg := openswe.NewToolRegistry()
	called := false
	reg.Register(openswe.Tool{
		Name: "grep",
		Exec: func(_ context.Context, _ json.RawMessage, _ openswe.ThreadState, _ *openswe.RunConfig) (openswe.ToolResult, error) {
			called = true
			return openswe.ToolResult{Status: openswe.ToolSuccess}, nil
		},
	})

	InstrumentRegistry(reg, testInstruments(t))

	tool, ok := reg.Get("grep")
	if !ok {
		t.Fatal("tool missing after instrumentation")
	}
	if _, err := tool.Exec(context.Background(), nil, openswe.ThreadState{}, nil); err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !called {
		t.Error("inner executor not invoked")
	}
}

func TestUsageHook(t *testing.T) {
	hook := UsageHook(testInstruments(t))
	// No-op meters; just verify the hook tolerates arbitrary input.
	hook("gpt-4o", openswe.Usage{InputTokens: 100, OutputTokens: 50})
	hook("unknown", openswe.Usage{})
}
