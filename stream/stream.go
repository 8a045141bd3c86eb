package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"goa.design/flume/model"
)

// Stream is the stateful response stream aggregator. It wraps any
// model.Streamer and adds the derived state consumers rely on: accumulated
// response text, folded usage totals, the collected tool call proposals and
// the terminal stop reason. It injects a stream_begin control chunk before
// the first adapter chunk and stream_end after the last, and when the turn
// produced text it emits exactly one complete_text chunk immediately before
// forwarding the stop-reason chunk.
//
// The adapter is pumped by a background goroutine writing into an unbounded
// relay queue, so the producer keeps progressing even when the consumer stops
// reading early, provided the consumer eventually calls Finish. Once fully
// drained, further Recv calls return io.EOF immediately: exhaustion is
// idempotent, not an error.
type Stream struct {
	adapter model.Streamer
	relay   *Queue
	ctx     context.Context
	cancel  context.CancelFunc
	pumped  chan struct{}

	mu         sync.Mutex
	text       strings.Builder
	usage      model.CompletionUsage
	toolCalls  []model.ToolCall
	stopReason model.StopReason
	streamErr  error
	finished   bool
}

// New builds an aggregator over the given adapter and starts the background
// pump. The caller must fully drain the stream or call Finish to release the
// adapter and its background work.
func New(ctx context.Context, adapter model.Streamer) *Stream {
	cctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		adapter: adapter,
		relay:   NewQueue(),
		ctx:     cctx,
		cancel:  cancel,
		pumped:  make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Stream) pump() {
	defer close(s.pumped)
	defer func() { _ = s.adapter.Close() }()

	s.relay.Put(model.StreamBeginChunk())
	for {
		chunk, err := s.adapter.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			s.recordErr(err)
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.relay.Put(model.ErrorChunk(err))
			}
			break
		}
		s.fold(chunk)
		s.relay.Put(chunk)
	}
	s.relay.Put(model.StreamEndChunk())
	s.relay.Close()
}

// recordErr captures the first adapter error so Finish can re-raise it.
func (s *Stream) recordErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamErr == nil {
		s.streamErr = err
	}
}

// fold updates derived state and emits the synthesized complete_text chunk
// ahead of the terminal stop chunk.
func (s *Stream) fold(chunk model.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch chunk.Type {
	case model.ChunkTypeText:
		s.text.WriteString(chunk.Text)
	case model.ChunkTypeUsage:
		if chunk.UsageDelta != nil {
			s.usage = s.usage.Add(*chunk.UsageDelta)
		}
	case model.ChunkTypeToolCall:
		if chunk.ToolCall != nil {
			s.toolCalls = append(s.toolCalls, *chunk.ToolCall)
		}
	case model.ChunkTypeError:
		s.streamErr = chunk.Err
	case model.ChunkTypeStop:
		s.stopReason = chunk.StopReason
		if s.text.Len() > 0 {
			s.relay.Put(model.CompleteTextChunk(s.text.String()))
		}
	}
}

// Recv returns the next aggregated chunk. It returns io.EOF once the stream
// is exhausted, immediately and without error on every subsequent call.
func (s *Stream) Recv() (model.Chunk, error) {
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return model.Chunk{}, io.EOF
	}
	chunk, err := s.relay.Get(s.ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.mu.Lock()
			s.finished = true
			s.mu.Unlock()
		}
		return model.Chunk{}, err
	}
	return chunk, nil
}

// Finish drains the remaining chunks without exposing them, waits for the
// background pump and re-raises any error captured inside the stream unless
// ignoreErrors is set. Callers that want completion guarantees without
// processing content call Finish instead of iterating.
func (s *Stream) Finish(ignoreErrors bool) error {
	for {
		_, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	<-s.pumped
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamErr != nil && !ignoreErrors {
		return s.streamErr
	}
	return nil
}

// Close abandons the stream: it closes the adapter (cancelling its background
// producer), waits for the pump and releases resources. Consumers that drain
// normally do not need Close.
func (s *Stream) Close() error {
	s.cancel()
	err := s.adapter.Close()
	<-s.pumped
	return err
}

// Forward relays chunks matching filter into q until the stream is
// exhausted. A nil filter forwards every chunk. Used by composed models to
// redirect a nested stream (or a subset, such as text chunks only) into
// their own output queue.
func (s *Stream) Forward(q *Queue, filter func(model.Chunk) bool) error {
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if filter == nil || filter(chunk) {
			q.Put(chunk)
		}
	}
}

// TextOnly is a Forward filter retaining incremental text chunks.
func TextOnly(chunk model.Chunk) bool { return chunk.Type == model.ChunkTypeText }

// Text returns the response text accumulated so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Usage returns the usage totals folded so far.
func (s *Stream) Usage() model.CompletionUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// StopReason returns the terminal stop reason, or the zero value while the
// stream is still running.
func (s *Stream) StopReason() model.StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

// ToolCalls returns the tool call proposals collected so far, in proposal
// order.
func (s *Stream) ToolCalls() []model.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ToolCall(nil), s.toolCalls...)
}

// Err returns the error captured inside the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// Turn returns the final accumulated state of the completed stream.
func (s *Stream) Turn() model.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Turn{
		Text:       s.text.String(),
		StopReason: s.stopReason,
		ToolCalls:  append([]model.ToolCall(nil), s.toolCalls...),
	}
}
