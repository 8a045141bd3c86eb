package model

import "time"

type (
	// ChunkType discriminates the canonical chunk variants. Downstream
	// consumers filter and route on the type, never on chunk text.
	ChunkType string

	// Chunk represents one immutable event in a canonical response stream.
	// The Type value indicates which payload fields are populated:
	//
	//   - "text":               Text holds an incremental response fragment.
	//   - "complete_text":      Text holds the full accumulated response,
	//                           emitted once immediately before the stop chunk.
	//   - "usage":              UsageDelta reports incremental token usage.
	//                           Deltas are additive; consumers must sum them.
	//   - "tool_call":          ToolCall is a fully specified call proposal.
	//   - "tool_call_started":  ToolCall is about to be invoked.
	//   - "tool_call_finished": ToolCall completed; Result holds the
	//                           JSON-encoded return value.
	//   - "tool_call_failed":   ToolCall failed; Err holds the failure.
	//   - "stop":               StopReason explains the turn's termination.
	//   - "stream_begin":       control, first chunk of an aggregated stream.
	//   - "stream_end":         control, last chunk of an aggregated stream.
	//   - "rate_limited":       control, RateLimit describes a retry pause.
	//   - "debug", "verbose":   diagnostic text, never business content.
	//   - "error":              Err carries a terminal in-stream failure.
	Chunk struct {
		// Type is the chunk kind.
		Type ChunkType
		// Text is the payload of text, complete_text, debug and verbose
		// chunks.
		Text string
		// UsageDelta reports incremental token usage when Type == "usage".
		UsageDelta *CompletionUsage
		// ToolCall is populated on every tool call event.
		ToolCall *ToolCall
		// Result holds the JSON-encoded tool return value when
		// Type == "tool_call_finished".
		Result string
		// Err carries the failure of tool_call_failed and error chunks.
		Err error
		// StopReason explains termination when Type == "stop".
		StopReason StopReason
		// RateLimit describes the pause when Type == "rate_limited".
		RateLimit *RateLimit
	}

	// StopReason explains why a model stopped generating.
	StopReason string

	// RateLimit carries the provider-specified retry delay and throttling
	// metadata attached to a rate_limited control chunk.
	RateLimit struct {
		// Delay is how long the runner waits before retrying.
		Delay time.Duration
		// Metadata holds provider throttling details (typically the
		// provider's ratelimit response headers).
		Metadata map[string]string
	}
)

// Chunk type constants. These are the well-known canonical stream events.
const (
	ChunkTypeText             ChunkType = "text"
	ChunkTypeCompleteText     ChunkType = "complete_text"
	ChunkTypeUsage            ChunkType = "usage"
	ChunkTypeToolCall         ChunkType = "tool_call"
	ChunkTypeToolCallStarted  ChunkType = "tool_call_started"
	ChunkTypeToolCallFinished ChunkType = "tool_call_finished"
	ChunkTypeToolCallFailed   ChunkType = "tool_call_failed"
	ChunkTypeStop             ChunkType = "stop"
	ChunkTypeStreamBegin      ChunkType = "stream_begin"
	ChunkTypeStreamEnd        ChunkType = "stream_end"
	ChunkTypeRateLimited      ChunkType = "rate_limited"
	ChunkTypeDebug            ChunkType = "debug"
	ChunkTypeVerbose          ChunkType = "verbose"
	ChunkTypeError            ChunkType = "error"
)

// Stop reason constants.
const (
	// StopEndTurn indicates the conversation turn ended naturally.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse indicates the model requested tool calls.
	StopToolUse StopReason = "tool_use"
	// StopLength indicates the completion token cap was reached.
	StopLength StopReason = "length"
)

// TextChunk returns an incremental text chunk.
func TextChunk(text string) Chunk { return Chunk{Type: ChunkTypeText, Text: text} }

// CompleteTextChunk returns the chunk carrying the full accumulated response
// text of a turn.
func CompleteTextChunk(text string) Chunk { return Chunk{Type: ChunkTypeCompleteText, Text: text} }

// UsageChunk returns an additive usage delta chunk.
func UsageChunk(delta CompletionUsage) Chunk {
	return Chunk{Type: ChunkTypeUsage, UsageDelta: &delta}
}

// ToolCallChunk returns a tool call proposal chunk.
func ToolCallChunk(call ToolCall) Chunk { return Chunk{Type: ChunkTypeToolCall, ToolCall: &call} }

// ToolCallStartedChunk returns the chunk emitted immediately before a tool is
// invoked.
func ToolCallStartedChunk(call ToolCall) Chunk {
	return Chunk{Type: ChunkTypeToolCallStarted, ToolCall: &call}
}

// ToolCallFinishedChunk returns the chunk reporting a successful tool
// invocation. result is the JSON-encoded return value.
func ToolCallFinishedChunk(call ToolCall, result string) Chunk {
	return Chunk{Type: ChunkTypeToolCallFinished, ToolCall: &call, Result: result}
}

// ToolCallFailedChunk returns the chunk reporting a failed tool invocation.
func ToolCallFailedChunk(call ToolCall, err error) Chunk {
	return Chunk{Type: ChunkTypeToolCallFailed, ToolCall: &call, Err: err}
}

// StopChunk returns the terminal stop reason chunk of a turn.
func StopChunk(reason StopReason) Chunk { return Chunk{Type: ChunkTypeStop, StopReason: reason} }

// StreamBeginChunk returns the control chunk injected before the first
// adapter chunk.
func StreamBeginChunk() Chunk { return Chunk{Type: ChunkTypeStreamBegin} }

// StreamEndChunk returns the control chunk injected after the last adapter
// chunk.
func StreamEndChunk() Chunk { return Chunk{Type: ChunkTypeStreamEnd} }

// RateLimitedChunk returns the control chunk announcing a retry pause.
func RateLimitedChunk(delay time.Duration, metadata map[string]string) Chunk {
	return Chunk{Type: ChunkTypeRateLimited, RateLimit: &RateLimit{Delay: delay, Metadata: metadata}}
}

// DebugChunk returns a diagnostic chunk.
func DebugChunk(text string) Chunk { return Chunk{Type: ChunkTypeDebug, Text: text} }

// VerboseChunk returns a low-priority diagnostic chunk.
func VerboseChunk(text string) Chunk { return Chunk{Type: ChunkTypeVerbose, Text: text} }

// ErrorChunk returns the chunk delivering a terminal failure inside the
// stream so consumers iterating the stream observe it instead of an
// unobserved background task failure.
func ErrorChunk(err error) Chunk { return Chunk{Type: ChunkTypeError, Err: err} }

// IsControl reports whether the chunk is a control event (stream boundaries
// and rate limit pauses) rather than response content.
func (c Chunk) IsControl() bool {
	switch c.Type {
	case ChunkTypeStreamBegin, ChunkTypeStreamEnd, ChunkTypeRateLimited:
		return true
	}
	return false
}
