package openai

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/flume/model"
)

// streamer adapts an OpenAI chat completion chunk stream to model.Streamer.
type streamer struct {
	ctx      context.Context
	cancel   context.CancelFunc
	provider string
	stream   *ssestream.Stream[openai.ChatCompletionChunk]

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, provider string, stream *ssestream.Stream[openai.ChatCompletionChunk]) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:      cctx,
		cancel:   cancel,
		provider: provider,
		stream:   stream,
		chunks:   make(chan model.Chunk, 32),
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

	processor := newChunkProcessor(s.provider, s.emit)
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
				return
			}
			if err := s.ctx.Err(); err != nil {
				s.setErr(err)
				return
			}
			// The stream ends after the usage-bearing chunk that follows the
			// finish_reason; flush the buffered terminal events now.
			if err := processor.Finish(); err != nil {
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

// chunkProcessor converts OpenAI streaming chunks into canonical chunks.
//
// Text deltas pass through immediately. Tool call fragments are accumulated
// per choice index (OpenAI interleaves id/name on the first fragment with
// argument text spread over later ones) and materialize into tool_call
// proposals when the finish_reason arrives. The stop chunk is buffered until
// the stream ends because with stream_options.include_usage the final usage
// numbers arrive on a trailing chunk after the finish_reason; emitting stop
// early would put usage after it.
type chunkProcessor struct {
	provider string
	emit     func(model.Chunk) error

	pending    map[int64]*toolBuffer
	order      []int64
	stopReason model.StopReason
	sawFinish  bool
	finished   bool
}

type toolBuffer struct {
	id        string
	name      string
	arguments strings.Builder
}

func newChunkProcessor(provider string, emit func(model.Chunk) error) *chunkProcessor {
	return &chunkProcessor{
		provider: provider,
		emit:     emit,
		pending:  make(map[int64]*toolBuffer),
	}
}

func (p *chunkProcessor) Handle(chunk openai.ChatCompletionChunk) error {
	if p.finished {
		return &model.ProtocolError{Provider: p.provider, Message: "chunk after stream finished"}
	}
	if chunk.Usage.PromptTokens != 0 || chunk.Usage.CompletionTokens != 0 {
		if err := p.emit(model.UsageChunk(model.CompletionUsage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
		})); err != nil {
			return err
		}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		if err := p.emit(model.TextChunk(choice.Delta.Content)); err != nil {
			return err
		}
	}
	for _, frag := range choice.Delta.ToolCalls {
		tb := p.pending[frag.Index]
		if tb == nil {
			tb = &toolBuffer{}
			p.pending[frag.Index] = tb
			p.order = append(p.order, frag.Index)
		}
		if frag.ID != "" {
			tb.id = frag.ID
		}
		if frag.Function.Name != "" {
			tb.name = frag.Function.Name
		}
		tb.arguments.WriteString(frag.Function.Arguments)
	}
	if choice.FinishReason != "" {
		if p.sawFinish {
			return &model.ProtocolError{Provider: p.provider, Message: "second finish_reason in one stream"}
		}
		p.sawFinish = true
		p.stopReason = mapFinishReason(choice.FinishReason)
	}
	return nil
}

// Finish flushes the buffered tool call proposals in proposal order followed
// by the terminal stop chunk. Called once when the provider stream ends
// cleanly.
func (p *chunkProcessor) Finish() error {
	if p.finished {
		return nil
	}
	p.finished = true
	if !p.sawFinish {
		return &model.ProtocolError{Provider: p.provider, Message: "stream ended without finish_reason"}
	}
	sort.Slice(p.order, func(i, j int) bool { return p.order[i] < p.order[j] })
	for _, idx := range p.order {
		tb := p.pending[idx]
		if tb.name == "" {
			return &model.ProtocolError{
				Provider: p.provider,
				Message:  fmt.Sprintf("tool call at index %d missing function name", idx),
			}
		}
		args := tb.arguments.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		call := model.ToolCall{ID: tb.id, Name: tb.name, Arguments: args}
		if err := p.emit(model.ToolCallChunk(call)); err != nil {
			return err
		}
	}
	return p.emit(model.StopChunk(p.stopReason))
}

func mapFinishReason(reason string) model.StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return model.StopToolUse
	case "length":
		return model.StopLength
	default:
		return model.StopEndTurn
	}
}
