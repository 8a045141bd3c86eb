package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"goa.design/flume/model"
)

// QueueAdapter implements model.Streamer over a Queue filled by a background
// producer goroutine. It is how composed models and conversation threads
// masquerade as providers: anything able to write canonical chunks to a Queue
// can be wrapped by the aggregator exactly like a vendor stream.
//
// When the producer closes the queue without having emitted a stop-reason
// chunk, the adapter synthesizes one with end_turn so the aggregator's
// terminal invariant holds for producers that forget to terminate explicitly.
// On every exit path, including early cancellation, the adapter waits for the
// producer goroutine so no background work is orphaned.
type QueueAdapter struct {
	ctx    context.Context
	cancel context.CancelFunc
	q      *Queue
	done   <-chan struct{}

	sawStop bool
	eof     bool
}

// Produce starts fn on a background goroutine writing to q and returns a
// QueueAdapter reading from it. The contract fixes the stalled-consumer
// hazard of fire-and-forget producers: whatever fn does — return normally,
// return an error or panic — a terminating write is guaranteed. Errors and
// panics are delivered to the consumer as an in-stream error chunk, and the
// queue is always closed.
func Produce(ctx context.Context, q *Queue, fn func(ctx context.Context) error) *QueueAdapter {
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := runProducer(cctx, fn); err != nil {
			q.Put(model.ErrorChunk(err))
		}
		q.Close()
	}()
	return &QueueAdapter{ctx: cctx, cancel: cancel, q: q, done: done}
}

func runProducer(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Recv returns the next chunk from the queue. Once the queue is closed and
// drained it synthesizes the missing stop chunk if needed, joins the
// producer and reports io.EOF.
func (a *QueueAdapter) Recv() (model.Chunk, error) {
	if a.eof {
		return model.Chunk{}, io.EOF
	}
	chunk, err := a.q.Get(a.ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if !a.sawStop {
				a.sawStop = true
				return model.StopChunk(model.StopEndTurn), nil
			}
			a.join()
			a.eof = true
			return model.Chunk{}, io.EOF
		}
		a.join()
		return model.Chunk{}, err
	}
	if chunk.Type == model.ChunkTypeStop {
		a.sawStop = true
	}
	return chunk, nil
}

// Close cancels the producer's context and waits for it to finish. Idempotent.
func (a *QueueAdapter) Close() error {
	a.cancel()
	a.join()
	return nil
}

func (a *QueueAdapter) join() {
	<-a.done
}
