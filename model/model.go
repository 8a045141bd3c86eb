// Package model defines the canonical streaming vocabulary and the
// provider-agnostic contracts used to invoke LLMs. It provides a normalized
// abstraction over heterogeneous chat completion APIs (OpenAI, Anthropic,
// Bedrock, OpenAI-compatible endpoints) so conversation threads and composed
// models can consume one canonical chunk stream without coupling to specific
// SDKs. Provider implementations translate these normalized types into
// provider-specific formats.
package model

import (
	"context"
)

type (
	// Runner invokes a model with the given messages and parameters and
	// exposes the result as a canonical chunk stream. Implementations wrap
	// provider SDKs (OpenAI, Anthropic, Bedrock) or compose other runners
	// (virtual models). Runners should be safe for reuse across runs.
	Runner interface {
		// Name identifies the provider (for example, "openai" or "anthropic").
		// Used in logs and in alias conflict reports.
		Name() string

		// Run opens a streaming model invocation and returns a Streamer that
		// yields canonical chunks. The model argument is the canonical model
		// identifier previously resolved through a Registry. Run returns an
		// error when the call cannot be opened: a *RateLimitError when the
		// provider is throttling, a *ConnectionError on transient network
		// failures, or any other error for non-retryable open failures.
		Run(ctx context.Context, model string, req Request) (Streamer, error)

		// Models lists the models supported by this runner, including aliases
		// and pricing used for cost accounting.
		Models() []ModelInfo

		// CostUSD computes the monetary cost of the given usage for the model.
		CostUSD(model string, usage CompletionUsage) float64

		// AssistantMessages converts the final state of a completed turn into
		// the assistant message(s) appended to the conversation history.
		AssistantMessages(turn Turn) []Message

		// ToolResultMessages converts executed tool call results into the
		// provider-specific message(s) fed back before the next turn. Some
		// providers batch all results into a single message, others require
		// one message per call.
		ToolResultMessages(results []ToolCallResult) []Message
	}

	// Streamer delivers the canonical chunks of one model turn. Successive
	// calls to Recv return Chunk values until io.EOF. Within one stream the
	// chunk order matches the provider's emission order, and exactly one stop
	// chunk is delivered, after all text and tool call chunks. Implementations
	// must be safe to call from a single goroutine and release underlying
	// resources when Close is invoked.
	Streamer interface {
		// Recv returns the next chunk from the stream. It returns io.EOF once
		// the stream is exhausted and a *ProtocolError when the provider
		// emitted a structurally invalid event sequence.
		Recv() (Chunk, error)
		// Close releases the stream's resources. Safe to call at any point;
		// abandoning a stream without Close may leak the underlying
		// connection.
		Close() error
	}

	// Request captures the immutable snapshot of parameters for one model
	// invocation. A fresh Request is constructed for every turn from the
	// thread's current state.
	Request struct {
		// Messages is the full ordered conversation context for this turn.
		Messages []Message

		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty when the model should not invoke tools.
		Tools []ToolDefinition

		// MaxTokens caps the completion length. Zero means provider default.
		MaxTokens int

		// Temperature controls sampling temperature. Zero means provider
		// default.
		Temperature float64

		// Stream indicates the caller wants incremental chunks. Runners in
		// this module always stream; the flag is preserved for gateways that
		// re-serialize the canonical stream.
		Stream bool

		// Params carries provider-specific generation parameters passed
		// through opaquely.
		Params map[string]any
	}

	// Message mirrors one chat message of the conversation history. The
	// optional tool fields carry the metadata providers need to replay tool
	// use turns.
	Message struct {
		// Role is one of the Role constants.
		Role Role

		// Content is the message text. May be empty for assistant messages
		// that only request tool calls.
		Content string

		// ToolCalls lists the tool invocations requested by an assistant
		// message.
		ToolCalls []ToolCall

		// ToolCallID links a tool result message to the originating call for
		// providers that use one message per result.
		ToolCallID string

		// ToolName names the tool that produced a per-call result message.
		ToolName string

		// ToolResults carries a batch of tool results for providers that fold
		// all results of a turn into a single message.
		ToolResults []ToolCallResult
	}

	// Role identifies the author of a conversation message.
	Role string

	// ToolDefinition describes a tool schema passed to model providers for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string

		// Description documents the tool for prompting purposes.
		Description string

		// InputSchema is the JSON Schema describing the tool's input
		// parameters, typically a map[string]any or json.RawMessage.
		InputSchema any
	}

	// Turn is the accumulated final state of one completed model turn, as
	// derived by the stream aggregator: the full response text, the terminal
	// stop reason and the ordered tool call proposals.
	Turn struct {
		// Text is the full concatenated response text.
		Text string

		// StopReason is the terminal stop reason of the turn.
		StopReason StopReason

		// ToolCalls lists the tool calls proposed during the turn, in
		// proposal order.
		ToolCalls []ToolCall
	}
)

// Conversation role constants.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TextAssistantMessages returns the single plain-text assistant message for a
// completed turn. Most runners use this when the turn did not request tools.
func TextAssistantMessages(turn Turn) []Message {
	return []Message{{Role: RoleAssistant, Content: turn.Text}}
}

// ToolUseAssistantMessages returns the assistant message recording the tool
// calls requested by a completed turn. The response text, when present, is
// preserved alongside the calls.
func ToolUseAssistantMessages(turn Turn) []Message {
	return []Message{{
		Role:      RoleAssistant,
		Content:   turn.Text,
		ToolCalls: append([]ToolCall(nil), turn.ToolCalls...),
	}}
}

// DefaultAssistantMessages selects between the text and tool-use assistant
// message shapes based on the turn's stop reason.
func DefaultAssistantMessages(turn Turn) []Message {
	if turn.StopReason == StopToolUse && len(turn.ToolCalls) > 0 {
		return ToolUseAssistantMessages(turn)
	}
	return TextAssistantMessages(turn)
}

// FindModel scans a runner's model table for the given name or alias.
func FindModel(models []ModelInfo, name string) (ModelInfo, bool) {
	for _, info := range models {
		if info.Matches(name) {
			return info, true
		}
	}
	return ModelInfo{}, false
}
