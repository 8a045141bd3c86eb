package openai

import (
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/openai/openai-go"

	"goa.design/flume/model"
)

func chunk(t *testing.T, raw string) sdk.ChatCompletionChunk {
	t.Helper()
	var c sdk.ChatCompletionChunk
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	return c
}

// process feeds the chunks through a fresh processor, calls Finish and
// collects the emitted canonical chunks.
func process(t *testing.T, raws ...string) ([]model.Chunk, error) {
	t.Helper()
	var out []model.Chunk
	p := newChunkProcessor(ProviderName, func(c model.Chunk) error {
		out = append(out, c)
		return nil
	})
	for _, raw := range raws {
		if err := p.Handle(chunk(t, raw)); err != nil {
			return out, err
		}
	}
	return out, p.Finish()
}

func TestProcessorTextTurn(t *testing.T) {
	out, err := process(t,
		`{"choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":" there"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":2}}`,
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	wantTypes := []model.ChunkType{
		model.ChunkTypeText,
		model.ChunkTypeText,
		model.ChunkTypeUsage,
		model.ChunkTypeStop,
	}
	if len(out) != len(wantTypes) {
		t.Fatalf("got %d chunks (%+v)", len(out), out)
	}
	for i, want := range wantTypes {
		if out[i].Type != want {
			t.Errorf("out[%d] = %s, want %s", i, out[i].Type, want)
		}
	}
	// Usage arrives on the trailing chunk yet is still emitted before stop.
	if out[2].UsageDelta.PromptTokens != 10 || out[2].UsageDelta.CompletionTokens != 2 {
		t.Errorf("usage = %+v", out[2].UsageDelta)
	}
	if out[3].StopReason != model.StopEndTurn {
		t.Errorf("stop = %s", out[3].StopReason)
	}
}

func TestProcessorToolCalls(t *testing.T) {
	out, err := process(t,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"c2","function":{"name":"lookup","arguments":""}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	var calls []model.ToolCall
	for _, c := range out {
		if c.Type == model.ChunkTypeToolCall {
			calls = append(calls, *c.ToolCall)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %+v", calls)
	}
	// Proposals flush sorted by choice index, not arrival order.
	if calls[0].ID != "c1" || calls[0].Name != "search" || calls[0].Arguments != `{"q":"go"}` {
		t.Fatalf("calls[0] = %+v", calls[0])
	}
	if calls[1].ID != "c2" || calls[1].Name != "lookup" || calls[1].Arguments != "{}" {
		t.Fatalf("calls[1] = %+v", calls[1])
	}
	last := out[len(out)-1]
	if last.Type != model.ChunkTypeStop || last.StopReason != model.StopToolUse {
		t.Fatalf("last = %+v", last)
	}
}

func TestProcessorMissingFinishReason(t *testing.T) {
	_, err := process(t,
		`{"choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
	)
	var pe *model.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestProcessorDoubleFinishReason(t *testing.T) {
	_, err := process(t,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	)
	var pe *model.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestProcessorToolCallMissingName(t *testing.T) {
	_, err := process(t,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"arguments":"{}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	var pe *model.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want protocol error", err)
	}
}

func TestProcessorLengthStop(t *testing.T) {
	out, err := process(t,
		`{"choices":[{"index":0,"delta":{"content":"truncat"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	last := out[len(out)-1]
	if last.StopReason != model.StopLength {
		t.Fatalf("stop = %s, want length", last.StopReason)
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := map[string]model.StopReason{
		"stop":           model.StopEndTurn,
		"tool_calls":     model.StopToolUse,
		"function_call":  model.StopToolUse,
		"length":         model.StopLength,
		"content_filter": model.StopEndTurn,
	}
	for in, want := range cases {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
