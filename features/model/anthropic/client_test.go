package anthropic

import (
	"context"
	"net/http"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/flume/model"
)

func TestEncodeMessages(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: "be helpful"},
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "checking", ToolCalls: []model.ToolCall{
			{ID: "t1", Name: "search", Arguments: `{"q":"go"}`},
		}},
		{Role: model.RoleTool, ToolResults: []model.ToolCallResult{
			{Call: model.ToolCall{ID: "t1", Name: "search"}, Content: `{"hits":3}`},
			{Call: model.ToolCall{ID: "t2", Name: "search"}, Content: "error: nope", IsError: true},
		}},
	}

	conversation, system, err := encodeMessages(msgs)
	if err != nil {
		t.Fatalf("encodeMessages: %v", err)
	}
	if len(system) != 1 || system[0].Text != "be helpful" {
		t.Fatalf("system = %+v", system)
	}
	// user, assistant w/ tool_use, tool results folded into one user message.
	if len(conversation) != 3 {
		t.Fatalf("got %d conversation messages", len(conversation))
	}
}

func TestEncodeMessagesRejectsEmpty(t *testing.T) {
	if _, _, err := encodeMessages([]model.Message{{Role: model.RoleSystem, Content: "only system"}}); err == nil {
		t.Fatal("expected error for conversation without user/assistant messages")
	}
	if _, _, err := encodeMessages([]model.Message{{Role: "weird", Content: "x"}}); err == nil {
		t.Fatal("expected error for unsupported role")
	}
}

func TestDecodeArguments(t *testing.T) {
	structured := decodeArguments(model.ToolCall{Arguments: `{"a":1}`})
	m, ok := structured.(map[string]any)
	if !ok || m["a"] != 1.0 {
		t.Fatalf("structured = %#v", structured)
	}

	// Malformed argument text replays under a wrapper key, never errors.
	wrapped := decodeArguments(model.ToolCall{Arguments: `{"a":`})
	m, ok = wrapped.(map[string]any)
	if !ok || m["raw"] != `{"a":` {
		t.Fatalf("wrapped = %#v", wrapped)
	}

	empty := decodeArguments(model.ToolCall{Arguments: "  "})
	if m, ok := empty.(map[string]any); !ok || len(m) != 0 {
		t.Fatalf("empty = %#v", empty)
	}
}

func TestEncodeRequestDefaults(t *testing.T) {
	params, err := encodeRequest("claude-sonnet-4-5", model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("encodeRequest: %v", err)
	}
	if params.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", params.MaxTokens, defaultMaxTokens)
	}
	if string(params.Model) != "claude-sonnet-4-5" {
		t.Errorf("Model = %q", params.Model)
	}

	if _, err := encodeRequest("claude-sonnet-4-5", model.Request{}); err == nil {
		t.Fatal("expected error for request without messages")
	}
}

func TestEncodeTools(t *testing.T) {
	tools, err := encodeTools([]model.ToolDefinition{{
		Name:        "search",
		Description: "Searches the index.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
		},
	}})
	if err != nil {
		t.Fatalf("encodeTools: %v", err)
	}
	if len(tools) != 1 || tools[0].OfTool == nil {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].OfTool.Name != "search" {
		t.Errorf("tool name = %q", tools[0].OfTool.Name)
	}

	if _, err := encodeTools([]model.ToolDefinition{{Name: ""}}); err == nil {
		t.Fatal("expected error for unnamed tool")
	}
}

func TestToolResultMessagesBatched(t *testing.T) {
	r, err := New(&mockMessages{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msgs := r.ToolResultMessages([]model.ToolCallResult{
		{Call: model.ToolCall{ID: "t1", Name: "a"}, Content: "1"},
		{Call: model.ToolCall{ID: "t2", Name: "b"}, Content: "2"},
	})
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 batched message", len(msgs))
	}
	if len(msgs[0].ToolResults) != 2 {
		t.Fatalf("batched results = %+v", msgs[0].ToolResults)
	}
	if got := r.ToolResultMessages(nil); got != nil {
		t.Fatalf("empty results produced %+v", got)
	}
}

func TestClassifyErrorRateLimit(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "2.5")
	header.Set("Anthropic-Ratelimit-Requests-Remaining", "0")
	apiErr := &sdk.Error{StatusCode: 429, Response: &http.Response{Header: header}}

	err := classifyError(apiErr)
	rle, ok := model.AsRateLimit(err)
	if !ok {
		t.Fatalf("classifyError = %T, want rate limit", err)
	}
	if rle.RetryIn != 2500*time.Millisecond {
		t.Errorf("RetryIn = %s", rle.RetryIn)
	}
	if rle.Metadata["retry-after"] != "2.5" {
		t.Errorf("metadata = %+v", rle.Metadata)
	}
	if rle.Metadata["anthropic-ratelimit-requests-remaining"] != "0" {
		t.Errorf("metadata = %+v", rle.Metadata)
	}

	// Overloaded responses are throttling too.
	if _, ok := model.AsRateLimit(classifyError(&sdk.Error{StatusCode: 529})); !ok {
		t.Error("529 not classified as rate limit")
	}

	// Other API failures pass through unchanged.
	if _, ok := model.AsRateLimit(classifyError(&sdk.Error{StatusCode: 401})); ok {
		t.Error("401 classified as rate limit")
	}
}

func TestClassifyErrorConnection(t *testing.T) {
	if _, ok := model.AsConnection(classifyError(timeoutError{})); !ok {
		t.Fatal("net.Error not classified as connection error")
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type mockMessages struct{}

func (mockMessages) NewStreaming(context.Context, sdk.MessageNewParams, ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return nil
}
