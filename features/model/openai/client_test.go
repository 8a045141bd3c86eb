package openai

import (
	"context"
	"net/http"
	"testing"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/flume/model"
)

type mockCompletions struct{}

func (mockCompletions) NewStreaming(context.Context, sdk.ChatCompletionNewParams, ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	return nil
}

func TestNewWithConfigValidation(t *testing.T) {
	if _, err := NewWithConfig("", defaultModels, mockCompletions{}); err == nil {
		t.Fatal("expected error for empty provider name")
	}
	if _, err := NewWithConfig("openai", defaultModels, nil); err == nil {
		t.Fatal("expected error for nil client")
	}
	r, err := NewWithConfig("custom", []model.ModelInfo{{Name: "m"}}, mockCompletions{})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	if r.Name() != "custom" {
		t.Fatalf("Name() = %q", r.Name())
	}
}

func TestEncodeRequest(t *testing.T) {
	params, err := encodeRequest("gpt-4o", model.Request{
		Messages:    []model.Message{{Role: model.RoleUser, Content: "hi"}},
		MaxTokens:   256,
		Temperature: 0.4,
		Tools: []model.ToolDefinition{{
			Name:        "search",
			Description: "Searches.",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("encodeRequest: %v", err)
	}
	if string(params.Model) != "gpt-4o" {
		t.Errorf("Model = %q", params.Model)
	}
	if !params.StreamOptions.IncludeUsage.Value {
		t.Error("include_usage not requested")
	}
	if params.MaxCompletionTokens.Value != 256 {
		t.Errorf("MaxCompletionTokens = %v", params.MaxCompletionTokens)
	}
	if len(params.Tools) != 1 || params.Tools[0].Function.Name != "search" {
		t.Fatalf("tools = %+v", params.Tools)
	}

	if _, err := encodeRequest("gpt-4o", model.Request{}); err == nil {
		t.Fatal("expected error for request without messages")
	}
}

func TestEncodeMessagesToolUseRoundTrip(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleSystem, Content: "be terse"},
		{Role: model.RoleUser, Content: "do it"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{
			{ID: "c1", Name: "search", Arguments: `{"q":"go"}`},
		}},
		{Role: model.RoleTool, Content: `{"hits":1}`, ToolCallID: "c1", ToolName: "search"},
	}
	out, err := encodeMessages(msgs)
	if err != nil {
		t.Fatalf("encodeMessages: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("got %d messages", len(out))
	}
	assistant := out[2].OfAssistant
	if assistant == nil || len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant = %+v", out[2])
	}
	if assistant.ToolCalls[0].ID != "c1" || assistant.ToolCalls[0].Function.Name != "search" {
		t.Fatalf("tool call = %+v", assistant.ToolCalls[0])
	}
}

func TestEncodeMessagesExpandsBatchedResults(t *testing.T) {
	msgs := []model.Message{
		{Role: model.RoleUser, Content: "go"},
		{Role: model.RoleTool, ToolResults: []model.ToolCallResult{
			{Call: model.ToolCall{ID: "c1"}, Content: "1"},
			{Call: model.ToolCall{ID: "c2"}, Content: "2"},
		}},
	}
	out, err := encodeMessages(msgs)
	if err != nil {
		t.Fatalf("encodeMessages: %v", err)
	}
	// One user message plus one tool message per batched result.
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
}

func TestEncodeMessagesToolMessageNeedsCallID(t *testing.T) {
	_, err := encodeMessages([]model.Message{
		{Role: model.RoleTool, Content: "orphan"},
	})
	if err == nil {
		t.Fatal("expected error for tool message without call id")
	}
}

func TestToolResultMessagesPerCall(t *testing.T) {
	r, _ := New(mockCompletions{})
	msgs := r.ToolResultMessages([]model.ToolCallResult{
		{Call: model.ToolCall{ID: "c1", Name: "a"}, Content: "1"},
		{Call: model.ToolCall{ID: "c2", Name: "b"}, Content: "2", IsError: true},
	})
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want one per call", len(msgs))
	}
	if msgs[0].ToolCallID != "c1" || msgs[1].ToolCallID != "c2" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestClassifyErrorRateLimit(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "3")
	header.Set("X-Ratelimit-Remaining-Tokens", "0")
	apiErr := &sdk.Error{StatusCode: 429, Response: &http.Response{Header: header}}

	rle, ok := model.AsRateLimit(classifyError(apiErr))
	if !ok {
		t.Fatal("429 not classified as rate limit")
	}
	if rle.RetryIn != 3*time.Second {
		t.Errorf("RetryIn = %s", rle.RetryIn)
	}
	if rle.Metadata["x-ratelimit-remaining-tokens"] != "0" {
		t.Errorf("metadata = %+v", rle.Metadata)
	}

	if _, ok := model.AsRateLimit(classifyError(&sdk.Error{StatusCode: 500})); ok {
		t.Error("500 classified as rate limit")
	}
}
