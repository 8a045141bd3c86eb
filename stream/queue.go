// Package stream provides the stateful response stream aggregator and the
// queue plumbing that lets any background producer of canonical chunks be
// consumed exactly like a provider stream. The Queue/QueueAdapter pair is the
// composition primitive: a conversation thread, a nested tool-use loop or a
// hand-written virtual model writes chunks into a Queue from a background
// goroutine, and the adapter re-exposes them through the model.Streamer
// contract so the aggregator and every downstream consumer stay unchanged.
package stream

import (
	"context"
	"io"
	"sync"

	"goa.design/flume/model"
)

// Queue is an unbounded FIFO relay of canonical chunks with a
// single-producer/single-consumer discipline per stream instance. Put never
// blocks, so a background producer keeps progressing even when the consumer
// has stopped reading; Close marks completion and acts as the stream-end
// sentinel.
type Queue struct {
	mu     sync.Mutex
	items  []model.Chunk
	closed bool
	nudge  chan struct{}
}

// NewQueue returns an empty open queue.
func NewQueue() *Queue {
	return &Queue{nudge: make(chan struct{}, 1)}
}

// Put appends a chunk. Chunks put after Close are dropped.
func (q *Queue) Put(chunk model.Chunk) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, chunk)
	q.mu.Unlock()
	q.signal()
}

// AddText puts an incremental text chunk.
func (q *Queue) AddText(text string) { q.Put(model.TextChunk(text)) }

// AddDebug puts a diagnostic chunk.
func (q *Queue) AddDebug(text string) { q.Put(model.DebugChunk(text)) }

// AddVerbose puts a low-priority diagnostic chunk.
func (q *Queue) AddVerbose(text string) { q.Put(model.VerboseChunk(text)) }

// Close marks the queue finished. Pending chunks remain readable; once they
// are drained Get reports io.EOF. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Get returns the next chunk, blocking until one is available, the queue is
// closed and drained (io.EOF) or ctx is done (ctx.Err()).
func (q *Queue) Get(ctx context.Context) (model.Chunk, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			chunk := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return chunk, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return model.Chunk{}, io.EOF
		}
		select {
		case <-q.nudge:
		case <-ctx.Done():
			return model.Chunk{}, ctx.Err()
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.nudge <- struct{}{}:
	default:
	}
}
