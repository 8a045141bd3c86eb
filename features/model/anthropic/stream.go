package anthropic

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/flume/model"
)

// streamer adapts an Anthropic Messages event stream to model.Streamer. A
// background goroutine decodes SDK events through the chunk processor and
// feeds a buffered channel; Recv drains it.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run()
	return s
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return model.Chunk{}, err
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	processor := newChunkProcessor(s.emit)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(classifyError(err))
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := processor.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *streamer) emit(chunk model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet || err == nil {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockTool
)

// chunkProcessor converts Anthropic streaming events into canonical chunks.
// Anthropic opens content blocks one at a time, so the processor tracks a
// single open block: idle, then an open text or tool block, back to idle, and
// finally finished at message_stop. Events that violate that ordering (a
// delta with no open block, content after the message stopped) indicate a
// provider protocol violation and fail the stream rather than being skipped.
//
// A tool block accumulates partial JSON argument fragments across deltas and
// materializes into a single tool_call proposal only when the block closes.
// The stop reason arrives on message_delta but is buffered and emitted at
// message_stop so the stop chunk is always last.
type chunkProcessor struct {
	emit func(model.Chunk) error

	block     blockKind
	toolID    string
	toolName  string
	fragments []string

	stopReason model.StopReason
	finished   bool
}

func newChunkProcessor(emit func(model.Chunk) error) *chunkProcessor {
	return &chunkProcessor{emit: emit}
}

func (p *chunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	if p.finished {
		return p.violation("event %q after message_stop", event.Type)
	}
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		usage := ev.Message.Usage
		if usage.InputTokens != 0 || usage.OutputTokens != 0 {
			return p.emit(model.UsageChunk(model.CompletionUsage{
				PromptTokens:     int(usage.InputTokens),
				CompletionTokens: int(usage.OutputTokens),
			}))
		}
		return nil

	case sdk.ContentBlockStartEvent:
		if p.block != blockNone {
			return p.violation("content_block_start while a block is open")
		}
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" || toolUse.Name == "" {
				return p.violation("tool_use block missing id or name")
			}
			p.block = blockTool
			p.toolID = toolUse.ID
			p.toolName = toolUse.Name
			p.fragments = nil
			return nil
		}
		p.block = blockText
		return nil

	case sdk.ContentBlockDeltaEvent:
		if p.block == blockNone {
			return p.violation("content_block_delta with no open block")
		}
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(model.TextChunk(delta.Text))
		case sdk.InputJSONDelta:
			if p.block != blockTool {
				return p.violation("input_json_delta outside a tool block")
			}
			if delta.PartialJSON != "" {
				p.fragments = append(p.fragments, delta.PartialJSON)
			}
			return nil
		default:
			return nil
		}

	case sdk.ContentBlockStopEvent:
		if p.block == blockNone {
			return p.violation("content_block_stop with no open block")
		}
		if p.block == blockTool {
			call := model.ToolCall{
				ID:        p.toolID,
				Name:      p.toolName,
				Arguments: joinFragments(p.fragments),
			}
			p.block = blockNone
			p.toolID, p.toolName, p.fragments = "", "", nil
			return p.emit(model.ToolCallChunk(call))
		}
		p.block = blockNone
		return nil

	case sdk.MessageDeltaEvent:
		p.stopReason = mapStopReason(string(ev.Delta.StopReason))
		if ev.Usage.OutputTokens != 0 || ev.Usage.InputTokens != 0 {
			return p.emit(model.UsageChunk(model.CompletionUsage{
				PromptTokens:     int(ev.Usage.InputTokens),
				CompletionTokens: int(ev.Usage.OutputTokens),
			}))
		}
		return nil

	case sdk.MessageStopEvent:
		if p.block != blockNone {
			return p.violation("message_stop while a block is open")
		}
		p.finished = true
		reason := p.stopReason
		if reason == "" {
			reason = model.StopEndTurn
		}
		return p.emit(model.StopChunk(reason))
	}
	return nil
}

func (p *chunkProcessor) violation(format string, args ...any) error {
	return &model.ProtocolError{Provider: ProviderName, Message: fmt.Sprintf(format, args...)}
}

func joinFragments(fragments []string) string {
	joined := strings.Join(fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func mapStopReason(reason string) model.StopReason {
	switch reason {
	case "tool_use":
		return model.StopToolUse
	case "max_tokens":
		return model.StopLength
	case "":
		return ""
	default:
		return model.StopEndTurn
	}
}
