package bedrock

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/flume/model"
)

// streamer adapts a Bedrock ConverseStream event stream to model.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan model.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream) model.Streamer {
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
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	processor := newChunkProcessor(s.emit)
	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(classifyError(err))
				} else if err := s.ctx.Err(); err != nil {
					s.setErr(err)
				}
				return
			}
			if err := processor.Handle(event); err != nil {
				s.setErr(err)
				return
			}
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

// chunkProcessor converts Bedrock streaming events into canonical chunks.
// Bedrock indexes content blocks explicitly, so tool argument fragments are
// buffered per block index and materialize into a tool_call proposal at
// content_block_stop. The stop reason arrives on message_stop; final usage
// arrives on the trailing metadata event, so the stop chunk is buffered until
// the metadata has been forwarded.
type chunkProcessor struct {
	emit func(model.Chunk) error

	toolBlocks map[int]*toolBuffer
	stop       *model.Chunk
	finished   bool
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func newChunkProcessor(emit func(model.Chunk) error) *chunkProcessor {
	return &chunkProcessor{
		emit:       emit,
		toolBlocks: make(map[int]*toolBuffer),
	}
}

func (p *chunkProcessor) Handle(event brtypes.ConverseStreamOutput) error {
	if p.finished {
		return &model.ProtocolError{Provider: ProviderName, Message: "event after stream finished"}
	}
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int]*toolBuffer)
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			tb := &toolBuffer{}
			if start.Value.ToolUseId != nil {
				tb.id = *start.Value.ToolUseId
			}
			if start.Value.Name != nil {
				tb.name = *start.Value.Name
			}
			if tb.id == "" || tb.name == "" {
				return &model.ProtocolError{Provider: ProviderName, Message: "tool_use block missing id or name"}
			}
			p.toolBlocks[idx] = tb
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(model.TextChunk(delta.Value))
		case *brtypes.ContentBlockDeltaMemberToolUse:
			tb := p.toolBlocks[idx]
			if tb == nil {
				return &model.ProtocolError{
					Provider: ProviderName,
					Message:  fmt.Sprintf("tool_use delta for unopened block %d", idx),
				}
			}
			if delta.Value.Input != nil {
				tb.fragments = append(tb.fragments, *delta.Value.Input)
			}
			return nil
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			return p.emit(model.ToolCallChunk(model.ToolCall{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: joinFragments(tb.fragments),
			}))
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		stop := model.StopChunk(mapStopReason(ev.Value.StopReason))
		p.stop = &stop
		return nil

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if u := ev.Value.Usage; u != nil {
			var in, out int
			if u.InputTokens != nil {
				in = int(*u.InputTokens)
			}
			if u.OutputTokens != nil {
				out = int(*u.OutputTokens)
			}
			if err := p.emit(model.UsageChunk(model.CompletionUsage{
				PromptTokens:     in,
				CompletionTokens: out,
			})); err != nil {
				return err
			}
		}
		if p.stop == nil {
			return &model.ProtocolError{Provider: ProviderName, Message: "metadata before message_stop"}
		}
		p.finished = true
		return p.emit(*p.stop)
	}
	return nil
}

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, &model.ProtocolError{Provider: ProviderName, Message: "content block index missing"}
	}
	return int(*idx), nil
}

func joinFragments(fragments []string) string {
	joined := strings.Join(fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func mapStopReason(reason brtypes.StopReason) model.StopReason {
	switch reason {
	case brtypes.StopReasonToolUse:
		return model.StopToolUse
	case brtypes.StopReasonMaxTokens:
		return model.StopLength
	default:
		return model.StopEndTurn
	}
}
